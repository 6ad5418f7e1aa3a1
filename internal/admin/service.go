package admin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tradefinance-backend/internal/cache"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/notifications"
)

const (
	dashboardTTL  = 5 * time.Minute
	digestHotMax  = 10
	staleAfter    = 24 * time.Hour
	metricsKeyFmt = cache.PrefixAdminStats + "metrics:%d"
)

var (
	ErrInvalidDays  = errors.New("days must be between 1 and 365")
	ErrBulkStatus   = errors.New("status is required for update-status")
	ErrBulkTags     = errors.New("tags are required for tag actions")
	ErrBulkAction   = errors.New("unknown bulk action")
	ErrNoAutomation = errors.New("automation not available")
)

// LeadOps is the slice of the lead service bulk actions go through so
// status timestamps, cache invalidation and unenrolment stay consistent.
type LeadOps interface {
	Get(ctx context.Context, id string) (leads.Lead, error)
	SetStatus(ctx context.Context, id, status string) (leads.Lead, error)
	AddTags(ctx context.Context, ids, tags []string) (int64, error)
	RemoveTags(ctx context.Context, ids, tags []string) (int64, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

type Enroller interface {
	Enroll(ctx context.Context, lead leads.Lead) error
	Unenroll(ctx context.Context, leadID string) error
}

type Service struct {
	store      Store
	leads      LeadOps
	automation Enroller
	cache      cache.Cache
	ttl        time.Duration
	loc        *time.Location
	now        func() time.Time
}

func NewService(store Store, ops LeadOps, automation Enroller, c cache.Cache, ttl time.Duration, loc *time.Location) *Service {
	if c == nil {
		c = cache.NewNoop()
	}
	if ttl <= 0 {
		ttl = dashboardTTL
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:      store,
		leads:      ops,
		automation: automation,
		cache:      c,
		ttl:        ttl,
		loc:        loc,
		now:        time.Now,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns Monday 00:00 of the week containing t.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func roundMoney(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// ConversionRate is won / (won + lost) as a percentage with one decimal,
// or zero when nothing has closed.
func ConversionRate(won, lost int64) float64 {
	closed := won + lost
	if closed == 0 {
		return 0
	}
	rate := decimal.NewFromInt(won).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(closed)).Round(1)
	f, _ := rate.Float64()
	return f
}

func (s *Service) cached(ctx context.Context, key string, out interface{}) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (s *Service) remember(ctx context.Context, key string, v interface{}) {
	if raw, err := json.Marshal(v); err == nil {
		_ = s.cache.Set(ctx, key, raw, s.ttl)
	}
}

func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	var out Dashboard
	if s.cached(ctx, cache.KeyDashboard, &out) {
		return out, nil
	}

	now := s.now().In(s.loc)
	ov, err := s.store.Overview(ctx, startOfDay(now), startOfWeek(now))
	if err != nil {
		return Dashboard{}, err
	}
	out = Dashboard{
		Total:          ov.Total,
		ByStatus:       ov.ByStatus,
		ByUrgency:      ov.ByUrgency,
		ByTradeType:    ov.ByTrade,
		ByPriority:     ov.ByPriority,
		NewToday:       ov.NewToday,
		NewThisWeek:    ov.NewThisWeek,
		AverageScore:   roundMoney(ov.AverageScore),
		PipelineValue:  roundMoney(ov.PipelineValue),
		ConversionRate: ConversionRate(ov.ByStatus[leads.StatusWon], ov.ByStatus[leads.StatusLost]),
		GeneratedAt:    now,
	}
	s.remember(ctx, cache.KeyDashboard, out)
	return out, nil
}

// Metrics returns a contiguous per-day series covering the last days days,
// today included.
func (s *Service) Metrics(ctx context.Context, days int) (Metrics, error) {
	if days == 0 {
		days = DefaultMetricsDays
	}
	if days < 1 || days > MaxMetricsDays {
		return Metrics{}, ErrInvalidDays
	}
	key := fmt.Sprintf(metricsKeyFmt, days)
	var out Metrics
	if s.cached(ctx, key, &out) {
		return out, nil
	}

	today := startOfDay(s.now().In(s.loc))
	since := today.AddDate(0, 0, -(days - 1))
	act, err := s.store.Activity(ctx, since, s.loc)
	if err != nil {
		return Metrics{}, err
	}

	created := toMap(act.Created)
	won := toMap(act.Won)
	out = Metrics{
		Days:      days,
		From:      since.Format("2006-01-02"),
		To:        today.Format("2006-01-02"),
		Series:    make([]DailyPoint, 0, days),
		Sources:   nonNil(act.Sources),
		Campaigns: nonNil(act.Campaigns),
	}
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		p := DailyPoint{Date: date, Created: created[date], Won: won[date]}
		out.Created += p.Created
		out.Won += p.Won
		out.Series = append(out.Series, p)
	}
	s.remember(ctx, key, out)
	return out, nil
}

func nonNil(b []Bucket) []Bucket {
	if b == nil {
		return []Bucket{}
	}
	return b
}

// DailyDigest gathers the morning summary for the team.
func (s *Service) DailyDigest(ctx context.Context, now time.Time) (notifications.Digest, error) {
	now = now.In(s.loc)
	today := startOfDay(now)
	window := DigestWindow{
		NewSince:    now.Add(-24 * time.Hour),
		StaleBefore: now.Add(-staleAfter),
		WonFrom:     today.AddDate(0, 0, -1),
		WonTo:       today,
	}
	counts, err := s.store.DigestCounts(ctx, window)
	if err != nil {
		return notifications.Digest{}, fmt.Errorf("digest counts: %w", err)
	}
	hot, err := s.store.HotLeads(ctx, window.NewSince, digestHotMax)
	if err != nil {
		return notifications.Digest{}, fmt.Errorf("digest hot leads: %w", err)
	}
	return notifications.Digest{
		Date:          now,
		NewLeads:      counts.NewLeads,
		ByUrgency:     counts.ByUrgency,
		HotLeads:      hot,
		StaleLeads:    counts.StaleLeads,
		WonYesterday:  counts.WonYesterday,
		PipelineValue: roundMoney(counts.PipelineValue),
	}, nil
}

// Export writes matching leads as CSV and returns the number of rows.
func (s *Service) Export(ctx context.Context, w io.Writer, filter leads.ListFilter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	rows := 0
	err := s.store.Stream(ctx, filter, func(l leads.Lead) error {
		if err := cw.Write(s.exportRow(l)); err != nil {
			return err
		}
		rows++
		if rows%500 == 0 {
			cw.Flush()
			return cw.Error()
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return rows, err
	}
	return rows, cw.Error()
}

func (s *Service) exportRow(l leads.Lead) []string {
	lastContacted := ""
	if l.LastContactedAt != nil {
		lastContacted = l.LastContactedAt.In(s.loc).Format(time.RFC3339)
	}
	return []string{
		l.ID,
		l.CreatedAt.In(s.loc).Format(time.RFC3339),
		csvSafe(l.FirstName),
		csvSafe(l.LastName),
		csvSafe(l.Email),
		l.Phone,
		csvSafe(l.CompanyName),
		l.TradeType,
		decimal.NewFromFloat(l.FinanceRequest.Amount).StringFixed(2),
		l.FinanceRequest.Purpose,
		l.FinanceRequest.Urgency,
		intOrBlank(l.FinanceRequest.TermMonths),
		csvSafe(l.BusinessInfo.BusinessType),
		strconv.FormatFloat(l.BusinessInfo.YearsTrading, 'f', -1, 64),
		decimal.NewFromFloat(l.BusinessInfo.AnnualTurnover).StringFixed(0),
		csvSafe(l.BusinessInfo.Postcode),
		l.Status,
		strconv.Itoa(l.LeadScore),
		l.Priority,
		csvSafe(l.Source),
		csvSafe(l.UTMSource),
		csvSafe(l.UTMMedium),
		csvSafe(l.UTMCampaign),
		strings.Join(l.Automation.Tags, ";"),
		strconv.FormatBool(l.Automation.Enrolled),
		lastContacted,
	}
}

func intOrBlank(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// csvSafe neutralises values a spreadsheet would evaluate as a formula.
func csvSafe(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

func dedupeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Bulk applies one action to many leads. Per-lead failures are collected
// in the result; only request-level problems return an error.
func (s *Service) Bulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	ids := dedupeIDs(req.IDs)
	res := BulkResult{Action: req.Action, Requested: len(ids), Failed: []BulkFailure{}}

	switch req.Action {
	case BulkUpdateStatus:
		status := strings.ToLower(strings.TrimSpace(req.Status))
		if !leads.IsValidStatus(status) {
			return res, ErrBulkStatus
		}
		s.each(ids, &res, func(id string) error {
			_, err := s.leads.SetStatus(ctx, id, status)
			return err
		})
	case BulkDelete:
		n, err := s.leads.Delete(ctx, ids)
		if err != nil {
			return res, err
		}
		res.Affected = n
	case BulkAddTag, BulkRemoveTag:
		if len(req.Tags) == 0 {
			return res, ErrBulkTags
		}
		op := s.leads.AddTags
		if req.Action == BulkRemoveTag {
			op = s.leads.RemoveTags
		}
		n, err := op(ctx, ids, req.Tags)
		if err != nil {
			return res, err
		}
		res.Affected = n
	case BulkEnroll:
		if s.automation == nil {
			return res, ErrNoAutomation
		}
		s.each(ids, &res, func(id string) error {
			lead, err := s.leads.Get(ctx, id)
			if err != nil {
				return err
			}
			return s.automation.Enroll(ctx, lead)
		})
	case BulkUnenroll:
		if s.automation == nil {
			return res, ErrNoAutomation
		}
		s.each(ids, &res, func(id string) error {
			return s.automation.Unenroll(ctx, id)
		})
	default:
		return res, ErrBulkAction
	}
	return res, nil
}

func (s *Service) each(ids []string, res *BulkResult, fn func(id string) error) {
	for _, id := range ids {
		if err := fn(id); err != nil {
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: err.Error()})
			continue
		}
		res.Affected++
	}
}
