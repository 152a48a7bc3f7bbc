package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"restock-watcher/pkg/types"
)

// FindBySourceID returns the stored row for a product, or nil when the
// product has never been seen.
func (s *Store) FindBySourceID(ctx context.Context, sourceID string) (*types.InformationRow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}

	var row *types.InformationRow
	err := s.withSchemaRetry(ctx, func() error {
		query := `
        SELECT id, source, source_id, title, content, url, images, price,
               status, category, published_at, event_date, created_at
        FROM information
        WHERE source_id = $1`

		var (
			r         types.InformationRow
			content   sql.NullString
			images    []byte
			price     sql.NullInt64
			eventDate sql.NullString
		)
		err := s.db.QueryRowContext(ctx, query, sourceID).Scan(
			&r.ID, &r.Source, &r.SourceID, &r.Title, &content, &r.URL, &images,
			&price, &r.Status, &r.Category, &r.ObservedAt, &eventDate, &r.CreatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			row = nil
			return nil
		}
		if err != nil {
			return err
		}
		r.Content = content.String
		r.Images = decodeImages(images)
		if price.Valid {
			p := int(price.Int64)
			r.Price = &p
		}
		r.EventDate = eventDate.String
		row = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find by source_id: %w", err)
	}
	return row, nil
}

// Upsert merges one classified record into the information table keyed on
// source_id. Insert sets created_at once; update refreshes every mutable
// field and leaves created_at alone. Safe to repeat with identical input.
func (s *Store) Upsert(ctx context.Context, rec types.ProductRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}

	images, err := encodeImages(rec.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}

	err = s.withSchemaRetry(ctx, func() error {
		query := `
        INSERT INTO information
            (source, source_id, title, content, url, images, price, status, category, published_at, event_date)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (source_id) DO UPDATE SET
            source = EXCLUDED.source,
            title = EXCLUDED.title,
            content = EXCLUDED.content,
            url = EXCLUDED.url,
            images = EXCLUDED.images,
            price = EXCLUDED.price,
            status = EXCLUDED.status,
            category = EXCLUDED.category,
            published_at = EXCLUDED.published_at,
            event_date = EXCLUDED.event_date`
		_, err := s.db.ExecContext(ctx, query,
			rec.Source,
			rec.SourceID,
			rec.Title,
			nullString(rec.Content),
			rec.URL,
			images,
			nullInt(rec.Price),
			string(rec.Status),
			rec.Category,
			rec.ObservedAt,
			nullString(rec.EventDate),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert information: %w", err)
	}
	return nil
}

// InsertRestockEvent appends one detected restock transition. History is
// never merged: each transition gets its own row.
func (s *Store) InsertRestockEvent(ctx context.Context, ev types.RestockEvent) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	err := s.withSchemaRetry(ctx, func() error {
		query := `
        INSERT INTO restock_history
            (product_url, product_title, previous_event_date, new_event_date, detected_at, notified)
        VALUES ($1,$2,$3,$4,$5,FALSE)`
		_, err := s.db.ExecContext(ctx, query,
			ev.ProductURL,
			ev.ProductTitle,
			nullString(ev.PreviousEventDate),
			ev.NewEventDate,
			ev.DetectedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert restock event: %w", err)
	}
	return nil
}

// PendingEvents lists restock events that have not been delivered yet,
// oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]types.RestockEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	var events []types.RestockEvent
	err := s.withSchemaRetry(ctx, func() error {
		query := `
        SELECT id, product_url, product_title, previous_event_date, new_event_date, detected_at, notified
        FROM restock_history
        WHERE NOT notified
        ORDER BY detected_at ASC
        LIMIT $1`
		rows, err := s.db.QueryContext(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var (
				ev       types.RestockEvent
				previous sql.NullString
			)
			if err := rows.Scan(&ev.ID, &ev.ProductURL, &ev.ProductTitle, &previous, &ev.NewEventDate, &ev.DetectedAt, &ev.Notified); err != nil {
				return err
			}
			ev.PreviousEventDate = previous.String
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return events, nil
}

// MarkNotified flips the notified flag after confirmed delivery. The flag
// only ever moves false -> true.
func (s *Store) MarkNotified(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	err := s.withSchemaRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE restock_history SET notified = TRUE WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func encodeImages(images []string) ([]byte, error) {
	if images == nil {
		images = []string{}
	}
	return json.Marshal(images)
}

func decodeImages(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var images []string
	if err := json.Unmarshal(data, &images); err != nil {
		return nil
	}
	return images
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
