package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"restock-watcher/internal/classify"
	"restock-watcher/internal/config"
	"restock-watcher/internal/fetcher"
	"restock-watcher/internal/notify"
	"restock-watcher/internal/parser"
	robotsclient "restock-watcher/internal/robots"
	"restock-watcher/internal/store"
	"restock-watcher/pkg/types"
)

// Fetcher enumerates and retrieves catalog pages.
type Fetcher interface {
	Enumerate(src config.SourceConfig, now time.Time) ([]types.PageRef, error)
	Fetch(ctx context.Context, ref types.PageRef) ([]byte, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	FindBySourceID(ctx context.Context, sourceID string) (*types.InformationRow, error)
	Upsert(ctx context.Context, rec types.ProductRecord) error
	InsertRestockEvent(ctx context.Context, ev types.RestockEvent) error
	PendingEvents(ctx context.Context, limit int) ([]types.RestockEvent, error)
	MarkNotified(ctx context.Context, id int64) error
}

// Notifier delivers restock and summary messages to the webhook sink.
type Notifier interface {
	SendEvent(ctx context.Context, ev types.RestockEvent) error
	SendSummary(ctx context.Context, sum types.RunSummary) error
}

// RobotsGate answers whether a URL may be fetched.
type RobotsGate interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// Engine orchestrates one collection run: fetch, parse, classify, upsert,
// restock detection, and notification, strictly in pipeline order. All
// per-page and per-record failures are contained; only losing the store
// is fatal.
type Engine struct {
	cfg        config.Config
	fetcher    Fetcher
	parser     *parser.Parser
	classifier *classify.Classifier
	store      Store
	notifier   Notifier // nil when no webhook is configured
	robots     RobotsGate
	logger     *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a run engine from configuration. An unreachable store
// or invalid fetch settings fail construction; everything else degrades
// at run time.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	fc, err := fetcher.New(cfg.Fetch, logger)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	engine := &Engine{
		cfg:        cfg,
		fetcher:    fc,
		parser:     parser.New(logger),
		classifier: classify.New(cfg.Classify),
		store:      st,
		robots:     robotsclient.NewAgent(cfg.Robots, fc.HTTPClient()),
		logger:     logger,
		closers:    []func() error{st.Close},
	}
	if hook := notify.New(cfg.Notify, logger); hook != nil {
		engine.notifier = hook
	}
	return engine, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// Run executes one full collection pass and returns the run summary.
// The returned error is non-nil only for fatal conditions (cancellation);
// skipped pages and records are reflected in the summary instead.
func (e *Engine) Run(ctx context.Context) (types.RunSummary, error) {
	sum := types.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := e.logger.With("run_id", sum.RunID)
	logger.Info("run started", "sources", len(e.cfg.Sources))

	for _, src := range e.cfg.Sources {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		e.collectSource(ctx, logger, src, &sum)
	}

	e.notifyPending(ctx, logger, &sum)

	sum.FinishedAt = time.Now()
	logger.Info("run complete",
		"pages_fetched", sum.PagesFetched,
		"pages_skipped", sum.PagesSkipped,
		"records_parsed", sum.RecordsParsed,
		"records_skipped", sum.RecordsSkipped,
		"inserted", sum.Inserted,
		"updated", sum.Updated,
		"restocks_detected", sum.RestocksDetected,
		"notifications_sent", sum.NotificationsSent,
		"notify_failures", sum.NotifyFailures,
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt).String(),
	)
	return sum, nil
}

func (e *Engine) collectSource(ctx context.Context, logger *slog.Logger, src config.SourceConfig, sum *types.RunSummary) {
	refs, err := e.fetcher.Enumerate(src, time.Now())
	if err != nil {
		logger.Error("enumerate failed, skipping source", "source", src.Name, "error", err)
		return
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}

		if e.robots != nil && !e.robots.Allowed(ctx, ref.URL) {
			logger.Warn("blocked by robots, skipping source", "source", src.Name, "url", ref.URL.String())
			return
		}

		body, err := e.fetcher.Fetch(ctx, ref)
		if errors.Is(err, fetcher.ErrNotFound) {
			// No catalog behind this page reference; pagination is done.
			logger.Debug("page absent", "source", src.Name, "page", ref.Page)
			return
		}
		if err != nil {
			logger.Warn("fetch failed, skipping page", "source", src.Name, "page", ref.Page, "error", err)
			sum.PagesSkipped++
			continue
		}

		records, err := e.parser.Parse(src, ref.URL, body, time.Now())
		if err != nil {
			logger.Warn("parse failed, skipping page", "source", src.Name, "page", ref.Page, "error", err)
			sum.PagesSkipped++
			continue
		}
		sum.PagesFetched++

		if len(records) == 0 {
			logger.Debug("page yielded no records", "source", src.Name, "page", ref.Page)
			return
		}
		sum.RecordsParsed += len(records)

		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			e.processRecord(ctx, logger, rec, sum)
		}
	}
}

// processRecord applies one observation: read the prior row, classify,
// compute the restock event from the pre-upsert state, then write. The
// old event date must be captured before the upsert overwrites it.
func (e *Engine) processRecord(ctx context.Context, logger *slog.Logger, rec types.ProductRecord, sum *types.RunSummary) {
	prior, err := e.store.FindBySourceID(ctx, rec.SourceID)
	if err != nil {
		logger.Error("lookup failed, skipping record", "source_id", rec.SourceID, "title", rec.Title, "error", err)
		sum.RecordsSkipped++
		return
	}

	rec.Category = e.classifier.Category(rec.Title, rec.Content)
	rec.Status = e.classifier.Status(rec, prior)

	var event *types.RestockEvent
	if prior != nil && rec.EventDate != "" && rec.EventDate != prior.EventDate {
		event = &types.RestockEvent{
			ProductURL:        rec.URL,
			ProductTitle:      rec.Title,
			PreviousEventDate: prior.EventDate,
			NewEventDate:      rec.EventDate,
			DetectedAt:        rec.ObservedAt,
		}
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		logger.Error("upsert failed, skipping record", "source_id", rec.SourceID, "title", rec.Title, "error", err)
		sum.RecordsSkipped++
		return
	}
	if prior == nil {
		sum.Inserted++
	} else {
		sum.Updated++
	}

	if event != nil {
		if err := e.store.InsertRestockEvent(ctx, *event); err != nil {
			logger.Error("restock event write failed", "source_id", rec.SourceID, "title", rec.Title, "error", err)
			return
		}
		sum.RestocksDetected++
		logger.Info("restock detected",
			"title", rec.Title,
			"previous_date", event.PreviousEventDate,
			"new_date", event.NewEventDate,
		)
	}
}

// notifyPending delivers every undelivered restock event. A failed
// delivery leaves the row pending so the next run retries it.
func (e *Engine) notifyPending(ctx context.Context, logger *slog.Logger, sum *types.RunSummary) {
	if e.notifier == nil {
		logger.Debug("webhook not configured, notification stage skipped")
		return
	}

	events, err := e.store.PendingEvents(ctx, e.cfg.Notify.MaxPending)
	if err != nil {
		logger.Error("pending events lookup failed", "error", err)
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		if err := e.notifier.SendEvent(ctx, ev); err != nil {
			logger.Warn("notification failed, will retry next run", "event_id", ev.ID, "title", ev.ProductTitle, "error", err)
			sum.NotifyFailures++
			continue
		}
		if err := e.store.MarkNotified(ctx, ev.ID); err != nil {
			// Delivery succeeded but the flag didn't stick: the event will
			// be re-sent next run, which at-least-once delivery tolerates.
			logger.Error("mark notified failed", "event_id", ev.ID, "error", err)
			continue
		}
		sum.NotificationsSent++
	}

	if e.cfg.Notify.SendSummary {
		if err := e.notifier.SendSummary(ctx, *sum); err != nil {
			logger.Warn("summary notification failed", "error", err)
		}
	}
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
