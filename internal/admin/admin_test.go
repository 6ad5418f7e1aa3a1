package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefinance-backend/internal/cache"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/leads/leadstest"
	"tradefinance-backend/internal/validation"
)

type fakeStore struct {
	overview   Overview
	activity   Activity
	digest     DigestCounts
	hot        []leads.Lead
	rows       []leads.Lead
	err        error
	calls      int
	since      time.Time
	window     DigestWindow
	filter     leads.ListFilter
	todayStart time.Time
	weekStart  time.Time
}

func (f *fakeStore) Overview(ctx context.Context, todayStart, weekStart time.Time) (Overview, error) {
	f.calls++
	f.todayStart, f.weekStart = todayStart, weekStart
	return f.overview, f.err
}

func (f *fakeStore) Activity(ctx context.Context, since time.Time, loc *time.Location) (Activity, error) {
	f.calls++
	f.since = since
	return f.activity, f.err
}

func (f *fakeStore) DigestCounts(ctx context.Context, window DigestWindow) (DigestCounts, error) {
	f.window = window
	return f.digest, f.err
}

func (f *fakeStore) HotLeads(ctx context.Context, since time.Time, limit int64) ([]leads.Lead, error) {
	return f.hot, f.err
}

func (f *fakeStore) Stream(ctx context.Context, filter leads.ListFilter, fn func(leads.Lead) error) error {
	f.filter = filter
	if f.err != nil {
		return f.err
	}
	for _, l := range f.rows {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

type fakeEnroller struct {
	enrolled   []string
	unenrolled []string
}

func (f *fakeEnroller) Enroll(ctx context.Context, lead leads.Lead) error {
	if leads.IsTerminal(lead.Status) {
		return errors.New("lead is closed")
	}
	f.enrolled = append(f.enrolled, lead.ID)
	return nil
}

func (f *fakeEnroller) Unenroll(ctx context.Context, leadID string) error {
	f.unenrolled = append(f.unenrolled, leadID)
	return nil
}

var london = mustLoad("Europe/London")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Wednesday 4 Feb 2026, 09:30 London.
var fixedNow = time.Date(2026, 2, 4, 9, 30, 0, 0, london)

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedis(client)
}

type harness struct {
	store *fakeStore
	repo  *leadstest.MemoryRepository
	enrol *fakeEnroller
	svc   *Service
	cache cache.Cache
}

func newHarness(t *testing.T, seed ...leads.Lead) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{},
		repo:  leadstest.NewMemoryRepository(seed...),
		enrol: &fakeEnroller{},
		cache: newTestCache(t),
	}
	ops := leads.NewService(h.repo, london, nil, h.cache)
	h.svc = NewService(h.store, ops, h.enrol, h.cache, time.Minute, london)
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func (h *harness) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/admin", NewHandler(h.svc, validation.New(), slog.New(slog.NewTextHandler(io.Discard, nil))).Routes)
	return r
}

func TestDashboardDerivesRatesAndCaches(t *testing.T) {
	h := newHarness(t)
	h.store.overview = Overview{
		Total:         10,
		ByStatus:      map[string]int64{leads.StatusNew: 4, leads.StatusWon: 3, leads.StatusLost: 1, leads.StatusQualified: 2},
		ByUrgency:     map[string]int64{leads.UrgencyUrgent: 5},
		ByTrade:       map[string]int64{"builder": 6},
		ByPriority:    map[string]int64{leads.PriorityHot: 2},
		NewToday:      1,
		NewThisWeek:   3,
		AverageScore:  61.456,
		PipelineValue: 250000.005,
	}
	ctx := context.Background()

	dash, err := h.svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.ConversionRate != 75 {
		t.Fatalf("expected 75%% conversion, got %v", dash.ConversionRate)
	}
	if dash.AverageScore != 61.46 || dash.ByTradeType["builder"] != 6 {
		t.Fatalf("unexpected dashboard %+v", dash)
	}
	if !h.store.todayStart.Equal(time.Date(2026, 2, 4, 0, 0, 0, 0, london)) {
		t.Fatalf("unexpected today start %v", h.store.todayStart)
	}
	if !h.store.weekStart.Equal(time.Date(2026, 2, 2, 0, 0, 0, 0, london)) {
		t.Fatalf("expected Monday week start, got %v", h.store.weekStart)
	}

	h.store.err = errors.New("mongo down")
	if _, err := h.svc.Dashboard(ctx); err != nil {
		t.Fatalf("expected cached dashboard, got %v", err)
	}
	if h.store.calls != 1 {
		t.Fatalf("expected one store call, got %d", h.store.calls)
	}

	if err := h.cache.DeletePrefix(ctx, cache.PrefixAdminStats); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := h.svc.Dashboard(ctx); err == nil {
		t.Fatalf("expected store error after invalidation")
	}
}

func TestConversionRate(t *testing.T) {
	cases := []struct {
		won, lost int64
		want      float64
	}{
		{0, 0, 0},
		{1, 2, 33.3},
		{2, 1, 66.7},
		{5, 0, 100},
	}
	for _, tc := range cases {
		if got := ConversionRate(tc.won, tc.lost); got != tc.want {
			t.Fatalf("ConversionRate(%d,%d) = %v, want %v", tc.won, tc.lost, got, tc.want)
		}
	}
}

func TestMetricsFillsEmptyDays(t *testing.T) {
	h := newHarness(t)
	h.store.activity = Activity{
		Created: []Bucket{{Key: "2026-02-02", Count: 3}, {Key: "2026-02-04", Count: 1}},
		Won:     []Bucket{{Key: "2026-02-03", Count: 2}},
		Sources: []Bucket{{Key: "website", Count: 4}},
	}

	m, err := h.svc.Metrics(context.Background(), 3)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(m.Series) != 3 || m.From != "2026-02-02" || m.To != "2026-02-04" {
		t.Fatalf("unexpected range %+v", m)
	}
	if m.Series[1].Created != 0 || m.Series[1].Won != 2 || m.Created != 4 || m.Won != 2 {
		t.Fatalf("unexpected series %+v", m.Series)
	}
	if m.Campaigns == nil {
		t.Fatalf("campaigns should encode as an empty list")
	}
	if !h.store.since.Equal(time.Date(2026, 2, 2, 0, 0, 0, 0, london)) {
		t.Fatalf("unexpected since %v", h.store.since)
	}
	if _, err := h.svc.Metrics(context.Background(), 400); !errors.Is(err, ErrInvalidDays) {
		t.Fatalf("expected ErrInvalidDays, got %v", err)
	}
}

func TestMetricsHandlerRejectsBadDays(t *testing.T) {
	h := newHarness(t)
	r := h.router()
	for _, q := range []string{"abc", "0", "-3", "366"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/metrics?days="+q, nil))
		if q == "0" {
			if rec.Code != http.StatusOK {
				t.Fatalf("days=0 should use the default, got %d", rec.Code)
			}
			continue
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("days=%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestDailyDigestWindow(t *testing.T) {
	h := newHarness(t)
	h.store.digest = DigestCounts{NewLeads: 7, WonYesterday: 2, StaleLeads: 1, PipelineValue: 1000.123, ByUrgency: map[string]int64{"urgent": 3}}
	h.store.hot = []leads.Lead{{ID: "hot-1"}}

	d, err := h.svc.DailyDigest(context.Background(), fixedNow)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d.NewLeads != 7 || d.PipelineValue != 1000.12 || len(d.HotLeads) != 1 {
		t.Fatalf("unexpected digest %+v", d)
	}
	w := h.store.window
	if !w.WonFrom.Equal(time.Date(2026, 2, 3, 0, 0, 0, 0, london)) || !w.WonTo.Equal(time.Date(2026, 2, 4, 0, 0, 0, 0, london)) {
		t.Fatalf("unexpected won window %+v", w)
	}
	if !w.NewSince.Equal(fixedNow.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected new window %v", w.NewSince)
	}
}

func TestExportCSV(t *testing.T) {
	h := newHarness(t)
	contacted := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	h.store.rows = []leads.Lead{
		{
			ID:              "l1",
			FirstName:       "=HYPERLINK(\"x\")",
			LastName:        "Jones",
			Email:           "a@jones.co.uk",
			Phone:           "+447700900123",
			CompanyName:     "Jones, Roofing & Sons",
			TradeType:       "roofer",
			FinanceRequest:  leads.FinanceRequest{Amount: 45000.5, Purpose: "equipment", Urgency: "urgent", TermMonths: 36},
			Status:          leads.StatusNew,
			LeadScore:       72,
			Priority:        leads.PriorityHot,
			Source:          "website",
			Automation:      leads.Automation{Tags: []string{"vip", "stale"}, Enrolled: true},
			LastContactedAt: &contacted,
			CreatedAt:       time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	n, err := h.svc.Export(context.Background(), &buf, leads.ListFilter{Status: leads.StatusNew})
	if err != nil || n != 1 {
		t.Fatalf("export: n=%d err=%v", n, err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 || len(records[1]) != len(exportHeader) {
		t.Fatalf("unexpected records %v", records)
	}
	row := map[string]string{}
	for i, col := range exportHeader {
		row[col] = records[1][i]
	}
	if row["first_name"] != "'=HYPERLINK(\"x\")" {
		t.Fatalf("formula not neutralised: %q", row["first_name"])
	}
	if row["phone"] != "+447700900123" || row["company_name"] != "Jones, Roofing & Sons" {
		t.Fatalf("unexpected contact columns %v", row)
	}
	if row["amount"] != "45000.50" || row["tags"] != "vip;stale" || row["term_months"] != "36" {
		t.Fatalf("unexpected columns %v", row)
	}
	if row["last_contacted_at"] != "2026-02-03T15:00:00Z" {
		t.Fatalf("unexpected last contacted %q", row["last_contacted_at"])
	}
	if h.store.filter.Status != leads.StatusNew {
		t.Fatalf("filter not passed through")
	}
}

func TestExportHandler(t *testing.T) {
	h := newHarness(t)
	r := h.router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/export?status=won&from=2026-01-01&to=2026-01-31", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "leads-20260204.csv") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	f := h.store.filter
	if f.Status != leads.StatusWon || !f.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, london)) || !f.To.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, london)) {
		t.Fatalf("unexpected filter %+v", f)
	}

	for _, q := range []string{"status=maybe", "from=yesterday"} {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/export?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func seedLeads() []leads.Lead {
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return []leads.Lead{
		{ID: "a", FirstName: "A", Status: leads.StatusNew, CreatedAt: created},
		{ID: "b", FirstName: "B", Status: leads.StatusContacted, CreatedAt: created},
		{ID: "c", FirstName: "C", Status: leads.StatusWon, CreatedAt: created},
	}
}

func TestBulkUpdateStatusCollectsFailures(t *testing.T) {
	h := newHarness(t, seedLeads()...)

	res, err := h.svc.Bulk(context.Background(), BulkRequest{
		IDs:    []string{"a", "b", "a", "missing"},
		Action: BulkUpdateStatus,
		Status: "Qualified",
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Requested != 3 || res.Affected != 2 || len(res.Failed) != 1 || res.Failed[0].ID != "missing" {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, id := range []string{"a", "b"} {
		l, _ := h.repo.Snapshot(id)
		if l.Status != leads.StatusQualified || l.StatusTimestamps.QualifiedAt == nil {
			t.Fatalf("%s not qualified: %+v", id, l)
		}
	}

	if _, err := h.svc.Bulk(context.Background(), BulkRequest{IDs: []string{"a"}, Action: BulkUpdateStatus, Status: "maybe"}); !errors.Is(err, ErrBulkStatus) {
		t.Fatalf("expected ErrBulkStatus, got %v", err)
	}
}

func TestBulkTagsAndDelete(t *testing.T) {
	h := newHarness(t, seedLeads()...)
	ctx := context.Background()

	res, err := h.svc.Bulk(ctx, BulkRequest{IDs: []string{"a", "b"}, Action: BulkAddTag, Tags: []string{"Trade Show"}})
	if err != nil || res.Affected != 2 {
		t.Fatalf("add-tag: %+v %v", res, err)
	}
	if l, _ := h.repo.Snapshot("a"); !l.Automation.HasTag("trade-show") {
		t.Fatalf("tag missing: %v", l.Automation.Tags)
	}
	res, err = h.svc.Bulk(ctx, BulkRequest{IDs: []string{"a"}, Action: BulkRemoveTag, Tags: []string{"trade-show"}})
	if err != nil || res.Affected != 1 {
		t.Fatalf("remove-tag: %+v %v", res, err)
	}
	if _, err := h.svc.Bulk(ctx, BulkRequest{IDs: []string{"a"}, Action: BulkAddTag}); !errors.Is(err, ErrBulkTags) {
		t.Fatalf("expected ErrBulkTags, got %v", err)
	}

	res, err = h.svc.Bulk(ctx, BulkRequest{IDs: []string{"c"}, Action: BulkDelete})
	if err != nil || res.Affected != 1 || h.repo.Len() != 2 {
		t.Fatalf("delete: %+v %v len=%d", res, err, h.repo.Len())
	}
}

func TestBulkEnrollment(t *testing.T) {
	h := newHarness(t, seedLeads()...)
	ctx := context.Background()

	res, err := h.svc.Bulk(ctx, BulkRequest{IDs: []string{"a", "c", "missing"}, Action: BulkEnroll})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if res.Affected != 1 || len(res.Failed) != 2 || len(h.enrol.enrolled) != 1 || h.enrol.enrolled[0] != "a" {
		t.Fatalf("unexpected enroll result %+v %v", res, h.enrol.enrolled)
	}

	res, err = h.svc.Bulk(ctx, BulkRequest{IDs: []string{"a", "b"}, Action: BulkUnenroll})
	if err != nil || res.Affected != 2 || len(h.enrol.unenrolled) != 2 {
		t.Fatalf("unenroll: %+v %v", res, err)
	}
}

func TestBulkHandler(t *testing.T) {
	h := newHarness(t, seedLeads()...)
	r := h.router()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/admin/leads/bulk", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"ids":["a","b"],"action":"update-status","status":"lost"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res BulkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Affected != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	for name, body := range map[string]string{
		"unknown action": `{"ids":["a"],"action":"archive"}`,
		"no ids":         `{"ids":[],"action":"delete"}`,
		"missing status": `{"ids":["a"],"action":"update-status"}`,
		"bad json":       `{"ids":`,
	} {
		if rec := post(body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}
