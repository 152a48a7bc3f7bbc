package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"restock-watcher/internal/config"
	"restock-watcher/pkg/types"
)

func testConfig() config.FetchConfig {
	return config.FetchConfig{
		UserAgent:    "watcher-test/1.0",
		Timeout:      config.DurationFrom(2 * time.Second),
		MaxRetries:   2,
		RetryBackoff: config.DurationFrom(time.Millisecond),
		MaxBodyBytes: 1 << 20,
	}
}

func newTestClient(t *testing.T, cfg config.FetchConfig) *Client {
	t.Helper()
	c, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func pageRef(t *testing.T, raw string) types.PageRef {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return types.PageRef{Source: "test", URL: u, Page: 1}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "<html>catalog</html>")
	}))
	defer srv.Close()

	client := newTestClient(t, testConfig())
	body, err := client.Fetch(context.Background(), pageRef(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>catalog</html>" {
		t.Errorf("unexpected body %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, testConfig())
	if _, err := client.Fetch(context.Background(), pageRef(t, srv.URL)); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 3 { // initial attempt + 2 retries
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := newTestClient(t, testConfig())
	_, err := client.Fetch(context.Background(), pageRef(t, srv.URL))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 should not be retried, got %d attempts", got)
	}
}

func TestFetchDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "compressed catalog")
		gz.Close()
	}))
	defer srv.Close()

	client := newTestClient(t, testConfig())
	body, err := client.Fetch(context.Background(), pageRef(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "compressed catalog" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	cfg.MaxRetries = 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "this response body is longer than sixteen bytes")
	}))
	defer srv.Close()

	client := newTestClient(t, cfg)
	if _, err := client.Fetch(context.Background(), pageRef(t, srv.URL)); err == nil {
		t.Fatal("expected body limit error")
	}
}

func TestEnumerateExpandsPageTemplate(t *testing.T) {
	client := newTestClient(t, testConfig())
	src := config.SourceConfig{
		Name:        "market",
		URLTemplate: "https://shop.example.com/newitems?page={page}",
		MaxPages:    3,
	}

	refs, err := client.Enumerate(src, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}
	for i, ref := range refs {
		want := i + 1
		if ref.Page != want {
			t.Errorf("ref %d: page = %d, want %d", i, ref.Page, want)
		}
	}
	if refs[1].URL.String() != "https://shop.example.com/newitems?page=2" {
		t.Errorf("unexpected second page url %s", refs[1].URL)
	}
}

func TestEnumerateExpandsDateTemplate(t *testing.T) {
	client := newTestClient(t, testConfig())
	src := config.SourceConfig{
		Name:        "daily",
		URLTemplate: "https://shop.example.com/catalog/{date}",
		MaxPages:    5,
	}

	refs, err := client.Enumerate(src, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	// Without a {page} placeholder there is exactly one page per run.
	if len(refs) != 1 {
		t.Fatalf("expected 1 ref, got %d", len(refs))
	}
	if refs[0].URL.String() != "https://shop.example.com/catalog/2024-05-10" {
		t.Errorf("unexpected url %s", refs[0].URL)
	}
}
