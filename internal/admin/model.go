package admin

import (
	"time"

	"tradefinance-backend/internal/leads"
)

const (
	BulkUpdateStatus = "update-status"
	BulkDelete       = "delete"
	BulkAddTag       = "add-tag"
	BulkRemoveTag    = "remove-tag"
	BulkEnroll       = "enroll"
	BulkUnenroll     = "unenroll"

	DefaultMetricsDays = 30
	MaxMetricsDays     = 365
	MaxBulkIDs         = 500
)

type Bucket struct {
	Key   string `bson:"_id" json:"key"`
	Count int64  `bson:"count" json:"count"`
}

// Overview is the raw aggregate the dashboard is derived from.
type Overview struct {
	Total         int64
	ByStatus      map[string]int64
	ByUrgency     map[string]int64
	ByTrade       map[string]int64
	ByPriority    map[string]int64
	NewToday      int64
	NewThisWeek   int64
	AverageScore  float64
	PipelineValue float64
}

type Dashboard struct {
	Total          int64            `json:"total"`
	ByStatus       map[string]int64 `json:"by_status"`
	ByUrgency      map[string]int64 `json:"by_urgency"`
	ByTradeType    map[string]int64 `json:"by_trade_type"`
	ByPriority     map[string]int64 `json:"by_priority"`
	NewToday       int64            `json:"new_today"`
	NewThisWeek    int64            `json:"new_this_week"`
	AverageScore   float64          `json:"average_score"`
	PipelineValue  float64          `json:"pipeline_value"`
	ConversionRate float64          `json:"conversion_rate"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Activity holds per-day and per-source aggregates since a cut-off.
type Activity struct {
	Created   []Bucket
	Won       []Bucket
	Sources   []Bucket
	Campaigns []Bucket
}

type DailyPoint struct {
	Date    string `json:"date"`
	Created int64  `json:"created"`
	Won     int64  `json:"won"`
}

type Metrics struct {
	Days      int          `json:"days"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Series    []DailyPoint `json:"series"`
	Sources   []Bucket     `json:"sources"`
	Campaigns []Bucket     `json:"campaigns"`
	Created   int64        `json:"created"`
	Won       int64        `json:"won"`
}

// DigestWindow bounds the daily digest queries.
type DigestWindow struct {
	NewSince    time.Time
	StaleBefore time.Time
	WonFrom     time.Time
	WonTo       time.Time
}

type DigestCounts struct {
	NewLeads      int64
	ByUrgency     map[string]int64
	StaleLeads    int64
	WonYesterday  int64
	PipelineValue float64
}

type BulkRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
	Action string   `json:"action" validate:"required,oneof=update-status delete add-tag remove-tag enroll unenroll"`
	Status string   `json:"status" validate:"omitempty,max=40"`
	Tags   []string `json:"tags" validate:"omitempty,max=20,dive,required,max=40"`
}

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Action    string        `json:"action"`
	Requested int           `json:"requested"`
	Affected  int64         `json:"affected"`
	Failed    []BulkFailure `json:"failed"`
}

var exportHeader = []string{
	"id", "created_at", "first_name", "last_name", "email", "phone", "company_name",
	"trade_type", "amount", "purpose", "urgency", "term_months", "business_type",
	"years_trading", "annual_turnover", "postcode", "status", "lead_score", "priority",
	"source", "utm_source", "utm_medium", "utm_campaign", "tags", "enrolled",
	"last_contacted_at",
}

func isOpen(status string) bool {
	for _, s := range leads.OpenStatuses {
		if s == status {
			return true
		}
	}
	return false
}
