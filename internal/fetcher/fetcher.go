package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"restock-watcher/internal/config"
	"restock-watcher/pkg/types"
)

// ErrNotFound marks a catalog page that does not exist (eg. a day with no
// listings, or a page index past the end of the catalog). It is not a
// failure: the run continues with the remaining pages.
var ErrNotFound = errors.New("catalog page not found")

// Client retrieves catalog pages over HTTP with bounded retries and
// politeness rate limiting. It owns the enumeration policy for which
// pages a run should visit.
type Client struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	maxRetries   int
	backoff      time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// New constructs a fetch client from configuration.
func New(cfg config.FetchConfig, logger *slog.Logger) (*Client, error) {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 5 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(cfg.ProxyURL) != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	var limiter *rate.Limiter
	if rl := cfg.RateLimit; rl.Enabled() {
		interval := rl.Window.Duration / time.Duration(rl.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		limiter = rate.NewLimiter(rate.Every(interval), rl.Requests)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		client:       &http.Client{Timeout: timeout, Transport: transport},
		userAgent:    cfg.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: maxBody,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.RetryBackoff.Duration,
		limiter:      limiter,
		logger:       logger,
	}, nil
}

// HTTPClient exposes the underlying HTTP client for reuse (eg. robots.txt).
func (c *Client) HTTPClient() *http.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Enumerate builds the page references a run should visit for one source:
// the URL template expanded for today's date and page indices 1..MaxPages.
// The caller stops paging early once a page yields no records.
func (c *Client) Enumerate(src config.SourceConfig, now time.Time) ([]types.PageRef, error) {
	date := now.Format("2006-01-02")
	refs := make([]types.PageRef, 0, src.MaxPages)

	paged := strings.Contains(src.URLTemplate, "{page}")
	pages := src.MaxPages
	if !paged {
		pages = 1
	}

	for page := 1; page <= pages; page++ {
		raw := strings.NewReplacer(
			"{page}", fmt.Sprintf("%d", page),
			"{date}", date,
		).Replace(src.URLTemplate)
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("source %q page %d: %w", src.Name, page, err)
		}
		refs = append(refs, types.PageRef{
			Source: src.Name,
			URL:    u,
			Page:   page,
			Date:   now,
		})
	}
	return refs, nil
}

// Fetch downloads a single catalog page. Transient failures (network
// errors, 5xx, 429) are retried with exponential backoff; a missing page
// surfaces as ErrNotFound.
func (c *Client) Fetch(ctx context.Context, ref types.PageRef) ([]byte, error) {
	if ref.URL == nil {
		return nil, errors.New("page reference has nil URL")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			c.logger.Debug("retrying fetch", "url", ref.URL.String(), "attempt", attempt)
		}

		body, retryable, err := c.fetchOnce(ctx, ref.URL)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch %s: retries exhausted: %w", ref.URL.String(), lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, u *url.URL) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("http fetch failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		drainAndClose(resp.Body)
		return nil, false, fmt.Errorf("%s: %w", u.String(), ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drainAndClose(resp.Body)
		return nil, true, fmt.Errorf("fetch %s: status %d", u.String(), resp.StatusCode)
	case resp.StatusCode >= 400:
		drainAndClose(resp.Body)
		return nil, false, fmt.Errorf("fetch %s: status %d", u.String(), resp.StatusCode)
	}

	body, err = c.readBody(resp)
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := c.backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	delay := backoff << (attempt - 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, c.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
