package types

import (
	"net/url"
	"time"
)

// Status classifies a product observation relative to the store.
type Status string

const (
	StatusNew     Status = "new"
	StatusRestock Status = "restock"
)

// PageRef identifies a single catalog page to fetch within a run.
type PageRef struct {
	Source string
	URL    *url.URL
	Page   int
	Date   time.Time
}

// ProductRecord is one product observation extracted from a catalog page.
// Status and Category are empty until the classifier has run.
type ProductRecord struct {
	Source     string
	SourceID   string
	Title      string
	Content    string
	URL        string
	Images     []string
	Price      *int
	Status     Status
	Category   string
	EventDate  string // normalised YYYY-MM-DD, empty when unknown
	ObservedAt time.Time
}

// InformationRow is the persisted form of a ProductRecord.
type InformationRow struct {
	ID         int64
	Source     string
	SourceID   string
	Title      string
	Content    string
	URL        string
	Images     []string
	Price      *int
	Status     Status
	Category   string
	EventDate  string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// RestockEvent records a detected change of a product's event date
// between two observations. Rows are append-only; Notified flips to
// true exactly once after confirmed webhook delivery.
type RestockEvent struct {
	ID                int64
	ProductURL        string
	ProductTitle      string
	PreviousEventDate string // empty = no date previously known
	NewEventDate      string
	DetectedAt        time.Time
	Notified          bool
}

// RunSummary accumulates per-run counters across pipeline stages.
type RunSummary struct {
	RunID             string
	PagesFetched      int
	PagesSkipped      int
	RecordsParsed     int
	RecordsSkipped    int
	Inserted          int
	Updated           int
	RestocksDetected  int
	NotificationsSent int
	NotifyFailures    int
	StartedAt         time.Time
	FinishedAt        time.Time
}
