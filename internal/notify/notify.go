package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"restock-watcher/internal/config"
	"restock-watcher/pkg/types"
)

// Embed colors understood by the webhook sink.
const (
	colorRestock = 0xFF9800 // orange
	colorSummary = 0x4CAF50 // green
)

const maxTitleLen = 256

// Webhook delivers restock notifications to an external webhook sink.
// Delivery is at-least-once: the caller marks events notified only after
// a confirmed 2xx response.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New constructs a webhook notifier. Returns nil when no webhook URL is
// configured; callers treat a nil notifier as "stage disabled".
func New(cfg config.NotifyConfig, logger *slog.Logger) *Webhook {
	if !cfg.Enabled() {
		return nil
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type payload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title     string  `json:"title,omitempty"`
	URL       string  `json:"url,omitempty"`
	Color     int     `json:"color,omitempty"`
	Fields    []field `json:"fields,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// SendEvent delivers one restock event as a rich embed.
func (w *Webhook) SendEvent(ctx context.Context, ev types.RestockEvent) error {
	previous := ev.PreviousEventDate
	if previous == "" {
		previous = "unknown"
	}

	msg := payload{
		Content: "Restock detected",
		Embeds: []embed{{
			Title: truncate(ev.ProductTitle, maxTitleLen),
			URL:   ev.ProductURL,
			Color: colorRestock,
			Fields: []field{
				{Name: "Restock date", Value: ev.NewEventDate, Inline: true},
				{Name: "Previous date", Value: previous, Inline: true},
			},
			Timestamp: ev.DetectedAt.UTC().Format(time.RFC3339),
		}},
	}
	return w.post(ctx, msg)
}

// SendSummary delivers the aggregate run report.
func (w *Webhook) SendSummary(ctx context.Context, sum types.RunSummary) error {
	msg := payload{
		Embeds: []embed{{
			Title: "Collection run finished",
			Color: colorSummary,
			Fields: []field{
				{Name: "New items", Value: fmt.Sprintf("%d", sum.Inserted), Inline: true},
				{Name: "Restocks detected", Value: fmt.Sprintf("%d", sum.RestocksDetected), Inline: true},
				{Name: "Pages fetched", Value: fmt.Sprintf("%d", sum.PagesFetched), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	return w.post(ctx, msg)
}

func (w *Webhook) post(ctx context.Context, msg payload) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
