package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"restock-watcher/internal/classify"
	"restock-watcher/internal/config"
	"restock-watcher/internal/fetcher"
	"restock-watcher/internal/parser"
	"restock-watcher/pkg/types"
)

type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Enumerate(src config.SourceConfig, now time.Time) ([]types.PageRef, error) {
	pages := src.MaxPages
	if !strings.Contains(src.URLTemplate, "{page}") {
		pages = 1
	}
	refs := make([]types.PageRef, 0, pages)
	for p := 1; p <= pages; p++ {
		raw := strings.ReplaceAll(src.URLTemplate, "{page}", strconv.Itoa(p))
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, types.PageRef{Source: src.Name, URL: u, Page: p, Date: now})
	}
	return refs, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref types.PageRef) ([]byte, error) {
	body, ok := f.pages[ref.URL.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.URL, fetcher.ErrNotFound)
	}
	return []byte(body), nil
}

type fakeStore struct {
	rows       map[string]types.InformationRow
	events     []types.RestockEvent
	nextID     int64
	failUpsert map[string]bool
	marked     []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]types.InformationRow)}
}

func (s *fakeStore) FindBySourceID(ctx context.Context, sourceID string) (*types.InformationRow, error) {
	row, ok := s.rows[sourceID]
	if !ok {
		return nil, nil
	}
	copied := row
	return &copied, nil
}

func (s *fakeStore) Upsert(ctx context.Context, rec types.ProductRecord) error {
	if s.failUpsert[rec.SourceID] {
		return fmt.Errorf("simulated write failure for %s", rec.SourceID)
	}
	row, exists := s.rows[rec.SourceID]
	if !exists {
		row = types.InformationRow{CreatedAt: time.Now()}
	}
	row.Source = rec.Source
	row.SourceID = rec.SourceID
	row.Title = rec.Title
	row.Content = rec.Content
	row.URL = rec.URL
	row.Images = rec.Images
	row.Price = rec.Price
	row.Status = rec.Status
	row.Category = rec.Category
	row.EventDate = rec.EventDate
	row.ObservedAt = rec.ObservedAt
	s.rows[rec.SourceID] = row
	return nil
}

func (s *fakeStore) InsertRestockEvent(ctx context.Context, ev types.RestockEvent) error {
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) PendingEvents(ctx context.Context, limit int) ([]types.RestockEvent, error) {
	var pending []types.RestockEvent
	for _, ev := range s.events {
		if !ev.Notified {
			pending = append(pending, ev)
		}
		if len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

func (s *fakeStore) MarkNotified(ctx context.Context, id int64) error {
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Notified = true
			s.marked = append(s.marked, id)
			return nil
		}
	}
	return fmt.Errorf("event %d not found", id)
}

type fakeNotifier struct {
	sent      []types.RestockEvent
	summaries int
	fail      bool
}

func (n *fakeNotifier) SendEvent(ctx context.Context, ev types.RestockEvent) error {
	if n.fail {
		return fmt.Errorf("simulated delivery failure")
	}
	n.sent = append(n.sent, ev)
	return nil
}

func (n *fakeNotifier) SendSummary(ctx context.Context, sum types.RunSummary) error {
	if n.fail {
		return fmt.Errorf("simulated delivery failure")
	}
	n.summaries++
	return nil
}

func testSource() config.SourceConfig {
	return config.SourceConfig{
		Name:        "market",
		URLTemplate: "https://shop.example.com/newitems?page={page}",
		MaxPages:    3,
		Selectors: config.SelectorConfig{
			Item:  ".product-item",
			Title: "h3",
			Link:  "a",
			Date:  ".date",
		},
	}
}

func productBlock(title, slug, date string) string {
	block := `<div class="product-item"><h3>` + title + `</h3><a href="/products/` + slug + `">view</a>`
	if date != "" {
		block += `<span class="date">` + date + `</span>`
	}
	return block + `</div>`
}

func newTestEngine(st Store, fc Fetcher, nt Notifier, sendSummary bool) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		Sources: []config.SourceConfig{testSource()},
		Notify:  config.NotifyConfig{MaxPending: 10, SendSummary: sendSummary},
	}
	return &Engine{
		cfg:        cfg,
		fetcher:    fc,
		parser:     parser.New(logger),
		classifier: classify.New(config.ClassifyConfig{DefaultCategory: "other"}),
		store:      st,
		notifier:   nt,
		logger:     logger,
	}
}

func sourceIDFor(slug string) string {
	return parser.SourceID("https://shop.example.com/products/" + slug)
}

func TestRunFirstSightingIsNewWithoutEvent(t *testing.T) {
	st := newFakeStore()
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Fresh Plush", "p2", "2024-06-01"),
	}}
	engine := newTestEngine(st, fc, nil, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.Inserted != 1 || sum.Updated != 0 {
		t.Errorf("inserted=%d updated=%d, want 1/0", sum.Inserted, sum.Updated)
	}
	if len(st.events) != 0 {
		t.Errorf("first sighting must not produce restock events, got %d", len(st.events))
	}
	row := st.rows[sourceIDFor("p2")]
	if row.Status != types.StatusNew {
		t.Errorf("status = %q, want new", row.Status)
	}
	if row.EventDate != "2024-06-01" {
		t.Errorf("event date = %q", row.EventDate)
	}
}

func TestRunDetectsRestock(t *testing.T) {
	st := newFakeStore()
	st.rows[sourceIDFor("p1")] = types.InformationRow{
		Source:    "market",
		SourceID:  sourceIDFor("p1"),
		Title:     "Known Plush",
		URL:       "https://shop.example.com/products/p1",
		Status:    types.StatusNew,
		EventDate: "2024-05-01",
		CreatedAt: time.Now().Add(-24 * time.Hour),
	}
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Known Plush", "p1", "2024-05-10"),
	}}
	engine := newTestEngine(st, fc, nil, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.RestocksDetected != 1 {
		t.Fatalf("restocks detected = %d, want 1", sum.RestocksDetected)
	}
	ev := st.events[0]
	if ev.PreviousEventDate != "2024-05-01" || ev.NewEventDate != "2024-05-10" {
		t.Errorf("event dates = %q -> %q", ev.PreviousEventDate, ev.NewEventDate)
	}
	row := st.rows[sourceIDFor("p1")]
	if row.EventDate != "2024-05-10" {
		t.Errorf("stored event date = %q, want 2024-05-10", row.EventDate)
	}
	if row.Status != types.StatusRestock {
		t.Errorf("status = %q, want restock", row.Status)
	}
}

func TestRunIsIdempotentAcrossIdenticalRuns(t *testing.T) {
	st := newFakeStore()
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Stable Plush", "p3", "2024-06-01"),
	}}
	engine := newTestEngine(st, fc, nil, false)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstRow := st.rows[sourceIDFor("p3")]

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if sum.Inserted != 0 {
		t.Errorf("second run inserted %d rows, want 0", sum.Inserted)
	}
	if len(st.events) != 0 {
		t.Errorf("identical re-run produced %d restock events, want 0", len(st.events))
	}
	secondRow := st.rows[sourceIDFor("p3")]
	if secondRow.EventDate != firstRow.EventDate || secondRow.Status != firstRow.Status || secondRow.Title != firstRow.Title {
		t.Errorf("re-run changed row values: %+v vs %+v", firstRow, secondRow)
	}
	if !secondRow.CreatedAt.Equal(firstRow.CreatedAt) {
		t.Error("re-run must not touch created_at")
	}
}

func TestRunNullPreviousDateEmitsEvent(t *testing.T) {
	st := newFakeStore()
	st.rows[sourceIDFor("p4")] = types.InformationRow{
		SourceID:  sourceIDFor("p4"),
		Title:     "Dateless Plush",
		Status:    types.StatusNew,
		EventDate: "",
		CreatedAt: time.Now(),
	}
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Dateless Plush", "p4", "2024-06-01"),
	}}
	engine := newTestEngine(st, fc, nil, false)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(st.events) != 1 {
		t.Fatalf("expected event for null -> dated transition, got %d", len(st.events))
	}
	if st.events[0].PreviousEventDate != "" {
		t.Errorf("previous date = %q, want empty", st.events[0].PreviousEventDate)
	}
	// The status rule needs both dates; the row inherits its stored status.
	if st.rows[sourceIDFor("p4")].Status != types.StatusNew {
		t.Errorf("status = %q, want inherited new", st.rows[sourceIDFor("p4")].Status)
	}
}

func TestRunContainsRecordFailures(t *testing.T) {
	st := newFakeStore()
	st.failUpsert = map[string]bool{sourceIDFor("bad"): true}
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Bad Plush", "bad", "") + productBlock("Good Plush", "good", ""),
	}}
	engine := newTestEngine(st, fc, nil, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.RecordsSkipped != 1 {
		t.Errorf("records skipped = %d, want 1", sum.RecordsSkipped)
	}
	if sum.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", sum.Inserted)
	}
	if _, ok := st.rows[sourceIDFor("good")]; !ok {
		t.Error("surviving record should have been written")
	}
}

func TestRunStopsPaginationOnMissingPage(t *testing.T) {
	st := newFakeStore()
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Only Page Plush", "p5", ""),
		// pages 2 and 3 are absent: fetch returns ErrNotFound
	}}
	engine := newTestEngine(st, fc, nil, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.PagesFetched != 1 {
		t.Errorf("pages fetched = %d, want 1", sum.PagesFetched)
	}
	if sum.PagesSkipped != 0 {
		t.Errorf("missing trailing page is not a skip, got %d", sum.PagesSkipped)
	}
}

func TestRunNotifiesPendingEvents(t *testing.T) {
	st := newFakeStore()
	st.events = []types.RestockEvent{
		{ID: 1, ProductTitle: "Old Event", NewEventDate: "2024-05-01", DetectedAt: time.Now().Add(-time.Hour)},
		{ID: 2, ProductTitle: "Already Sent", NewEventDate: "2024-05-02", DetectedAt: time.Now(), Notified: true},
	}
	st.nextID = 2
	nt := &fakeNotifier{}
	engine := newTestEngine(st, &fakeFetcher{pages: map[string]string{}}, nt, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.NotificationsSent != 1 {
		t.Errorf("notifications sent = %d, want 1", sum.NotificationsSent)
	}
	if len(nt.sent) != 1 || nt.sent[0].ID != 1 {
		t.Errorf("sent events = %+v", nt.sent)
	}
	if !st.events[0].Notified {
		t.Error("delivered event must be marked notified")
	}
	if nt.summaries != 0 {
		t.Error("summary must not be sent when toggle is off")
	}
}

func TestRunRetriesFailedDeliveryNextRun(t *testing.T) {
	st := newFakeStore()
	st.events = []types.RestockEvent{
		{ID: 1, ProductTitle: "Flaky Event", NewEventDate: "2024-05-01", DetectedAt: time.Now()},
	}
	st.nextID = 1
	nt := &fakeNotifier{fail: true}
	engine := newTestEngine(st, &fakeFetcher{pages: map[string]string{}}, nt, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum.NotifyFailures != 1 || sum.NotificationsSent != 0 {
		t.Errorf("failures=%d sent=%d, want 1/0", sum.NotifyFailures, sum.NotificationsSent)
	}
	if st.events[0].Notified {
		t.Fatal("failed delivery must leave the event pending")
	}

	// The sink recovers; the next run picks the same event up again.
	nt.fail = false
	sum, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.NotificationsSent != 1 {
		t.Errorf("second run sent %d, want 1", sum.NotificationsSent)
	}
	if !st.events[0].Notified {
		t.Error("recovered delivery must flip the notified flag")
	}
}

func TestRunSendsSummaryWhenEnabled(t *testing.T) {
	st := newFakeStore()
	nt := &fakeNotifier{}
	fc := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/newitems?page=1": productBlock("Summary Plush", "p6", ""),
	}}
	engine := newTestEngine(st, fc, nt, true)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if nt.summaries != 1 {
		t.Errorf("summaries sent = %d, want 1", nt.summaries)
	}
}

func TestRunSkipsNotifyStageWithoutWebhook(t *testing.T) {
	st := newFakeStore()
	st.events = []types.RestockEvent{
		{ID: 1, ProductTitle: "Quiet Event", NewEventDate: "2024-05-01", DetectedAt: time.Now()},
	}
	engine := newTestEngine(st, &fakeFetcher{pages: map[string]string{}}, nil, false)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.NotificationsSent != 0 {
		t.Errorf("notifications sent = %d, want 0", sum.NotificationsSent)
	}
	if st.events[0].Notified {
		t.Error("event must stay pending when the stage is disabled")
	}
}
