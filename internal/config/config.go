package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables applied on top of the YAML file. Credentials and
// the webhook endpoint are injected by the scheduler, not committed to the
// config file.
const (
	EnvDatabaseDSN   = "WATCHER_DATABASE_DSN"
	EnvWebhookURL    = "WATCHER_WEBHOOK_URL"
	EnvNotifySummary = "WATCHER_NOTIFY_SUMMARY"
)

// Config captures the full configuration required to run a collection pass.
type Config struct {
	DB       SQLConfig      `yaml:"db"`
	Sources  []SourceConfig `yaml:"sources"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Robots   RobotsConfig   `yaml:"robots"`
	Classify ClassifyConfig `yaml:"classify"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SQLConfig describes the relational database holding collected rows.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// SourceConfig declares one monitored catalog. The URL template may contain
// {page} and {date} placeholders; the fetcher expands them when enumerating
// the pages for a run.
type SourceConfig struct {
	Name        string         `yaml:"name"`
	URLTemplate string         `yaml:"url_template"`
	MaxPages    int            `yaml:"max_pages"`
	Selectors   SelectorConfig `yaml:"selectors"`
}

// SelectorConfig holds the CSS selectors used to pull product blocks out of
// a catalog page. Comma-separated alternatives are allowed, first match wins.
type SelectorConfig struct {
	Item    string `yaml:"item"`
	Title   string `yaml:"title"`
	Link    string `yaml:"link"`
	Image   string `yaml:"image"`
	Price   string `yaml:"price"`
	Date    string `yaml:"date"`
	Content string `yaml:"content"`
}

// FetchConfig controls HTTP behaviour: identity, timeouts, retries, and
// politeness between page requests.
type FetchConfig struct {
	UserAgent    string            `yaml:"user_agent"`
	Headers      map[string]string `yaml:"headers"`
	ProxyURL     string            `yaml:"proxy_url"`
	Timeout      Duration          `yaml:"timeout"`
	MaxRetries   int               `yaml:"max_retries"`
	RetryBackoff Duration          `yaml:"retry_backoff"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket across catalog page fetches.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// RobotsConfig configures robots.txt handling for the monitored site.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	Overrides []string `yaml:"overrides"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// ClassifyRule maps keywords found in title/content to a category.
// Rules are evaluated in order; the first match wins.
type ClassifyRule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// ClassifyConfig holds the ordered category rule table.
type ClassifyConfig struct {
	DefaultCategory string         `yaml:"default_category"`
	Rules           []ClassifyRule `yaml:"rules"`
}

// NotifyConfig controls webhook delivery. An empty WebhookURL disables the
// notification stage entirely.
type NotifyConfig struct {
	WebhookURL  string   `yaml:"webhook_url"`
	Timeout     Duration `yaml:"timeout"`
	SendSummary bool     `yaml:"send_summary"`
	MaxPending  int      `yaml:"max_pending"`
}

// Enabled reports whether the notification stage should run.
func (n NotifyConfig) Enabled() bool {
	return strings.TrimSpace(n.WebhookURL) != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		Fetch: FetchConfig{
			UserAgent:    "restock-watcher/1.0",
			Headers:      map[string]string{},
			Timeout:      DurationFrom(15 * time.Second),
			MaxRetries:   3,
			RetryBackoff: DurationFrom(500 * time.Millisecond),
			MaxBodyBytes: 5 * 1024 * 1024,
			RateLimit: RateLimitConfig{
				Requests: 4,
				Window:   DurationFrom(time.Second),
			},
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "restock-watcher/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Classify: ClassifyConfig{
			DefaultCategory: "other",
		},
		Notify: NotifyConfig{
			Timeout:    DurationFrom(10 * time.Second),
			MaxPending: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.DB.DSN = dsn
	}
	if hook := os.Getenv(EnvWebhookURL); hook != "" {
		c.Notify.WebhookURL = hook
	}
	if raw := os.Getenv(EnvNotifySummary); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			c.Notify.SendSummary = v
		}
	}
}

// Validate enforces required invariants. A missing store DSN is the one
// unrecoverable configuration fault: the run must abort before touching
// anything else.
func (c Config) Validate() error {
	if c.DB.Driver == "" {
		return errors.New("db.driver must be set")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set (or provide %s)", EnvDatabaseDSN)
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source must be configured")
	}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d has empty name", i)
		}
		if src.URLTemplate == "" {
			return fmt.Errorf("source %q has empty url_template", src.Name)
		}
		probe := strings.NewReplacer("{page}", "1", "{date}", "2024-01-01").Replace(src.URLTemplate)
		u, err := url.Parse(probe)
		if err != nil {
			return fmt.Errorf("source %q has invalid url_template: %w", src.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("source %q url_template must be http(s)", src.Name)
		}
		if src.MaxPages <= 0 {
			return fmt.Errorf("source %q max_pages must be > 0 (got %d)", src.Name, src.MaxPages)
		}
		if src.Selectors.Item == "" {
			return fmt.Errorf("source %q is missing selectors.item", src.Name)
		}
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0 (got %d)", c.Fetch.MaxRetries)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if c.Classify.DefaultCategory == "" {
		return errors.New("classify.default_category must be set")
	}
	for i, rule := range c.Classify.Rules {
		if rule.Category == "" {
			return fmt.Errorf("classify rule %d has empty category", i)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("classify rule %q has no keywords", rule.Category)
		}
	}
	if c.Notify.Enabled() {
		if _, err := url.Parse(c.Notify.WebhookURL); err != nil {
			return fmt.Errorf("notify.webhook_url is invalid: %w", err)
		}
		if c.Notify.Timeout.Duration <= 0 {
			return errors.New("notify.timeout must be > 0")
		}
	}
	return nil
}

func (c *Config) normalise() {
	for i := range c.Sources {
		c.Sources[i].Name = strings.TrimSpace(c.Sources[i].Name)
		c.Sources[i].URLTemplate = strings.TrimSpace(c.Sources[i].URLTemplate)
	}
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	c.Classify.DefaultCategory = strings.TrimSpace(c.Classify.DefaultCategory)
	if c.Notify.MaxPending <= 0 {
		c.Notify.MaxPending = 50
	}

	if len(c.Robots.Overrides) > 0 {
		unique := make(map[string]struct{}, len(c.Robots.Overrides))
		cleaned := make([]string, 0, len(c.Robots.Overrides))
		for _, raw := range c.Robots.Overrides {
			host := strings.ToLower(strings.TrimSpace(raw))
			if host == "" {
				continue
			}
			if _, exists := unique[host]; exists {
				continue
			}
			unique[host] = struct{}{}
			cleaned = append(cleaned, host)
		}
		c.Robots.Overrides = cleaned
	}
}
