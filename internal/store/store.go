package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"restock-watcher/internal/config"
)

// Store persists collected product rows and restock history in a SQL
// database. Schema is owned by external provisioning; the auto-migrate
// toggle bootstraps it for development parity.
type Store struct {
	db          *sql.DB
	autoMigrate bool
}

// Open connects to the database and verifies the connection. Failure here
// is fatal to the run: nothing can proceed without the store.
func Open(cfg config.SQLConfig) (*Store, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	s := &Store{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := s.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withSchemaRetry runs op once, and once more after re-applying the schema
// if the first attempt failed on a missing table.
func (s *Store) withSchemaRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		return op()
	}
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS information (
		    id BIGSERIAL PRIMARY KEY,
		    source TEXT NOT NULL,
		    source_id TEXT NOT NULL UNIQUE,
		    title TEXT NOT NULL,
		    content TEXT,
		    url TEXT NOT NULL,
		    images JSONB NOT NULL DEFAULT '[]',
		    price INTEGER,
		    status TEXT NOT NULL,
		    category TEXT NOT NULL,
		    published_at TIMESTAMPTZ NOT NULL,
		    event_date TEXT,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_information_published_at ON information (published_at DESC)`,
		`CREATE TABLE IF NOT EXISTS restock_history (
		    id BIGSERIAL PRIMARY KEY,
		    product_url TEXT NOT NULL,
		    product_title TEXT NOT NULL,
		    previous_event_date TEXT,
		    new_event_date TEXT NOT NULL,
		    detected_at TIMESTAMPTZ NOT NULL,
		    notified BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_restock_history_pending ON restock_history (detected_at) WHERE NOT notified`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
