package leads

import "time"

const (
	StatusNew          = "new"
	StatusContacted    = "contacted"
	StatusQualified    = "qualified"
	StatusProposalSent = "proposal-sent"
	StatusNegotiating  = "negotiating"
	StatusWon          = "won"
	StatusLost         = "lost"
	StatusOnHold       = "on-hold"

	UrgencyUrgent    = "urgent"
	UrgencyThisWeek  = "this-week"
	UrgencyThisMonth = "this-month"
	UrgencyPlanning  = "planning"

	PriorityHot  = "hot"
	PriorityWarm = "warm"
	PriorityCold = "cold"

	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelCall  = "call"
	ChannelVoice = "voice"

	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	CommQueued    = "queued"
	CommSent      = "sent"
	CommDelivered = "delivered"
	CommOpened    = "opened"
	CommClicked   = "clicked"
	CommBounced   = "bounced"
	CommFailed    = "failed"
	CommReceived  = "received"
	CommCompleted = "completed"
	CommNoAnswer  = "no-answer"
	CommBusy      = "busy"

	SourceWebsite = "website"
)

var validStatuses = map[string]struct{}{
	StatusNew:          {},
	StatusContacted:    {},
	StatusQualified:    {},
	StatusProposalSent: {},
	StatusNegotiating:  {},
	StatusWon:          {},
	StatusLost:         {},
	StatusOnHold:       {},
}

var validUrgencies = map[string]struct{}{
	UrgencyUrgent:    {},
	UrgencyThisWeek:  {},
	UrgencyThisMonth: {},
	UrgencyPlanning:  {},
}

// OpenStatuses are the statuses counted as live pipeline.
var OpenStatuses = []string{
	StatusNew, StatusContacted, StatusQualified, StatusProposalSent, StatusNegotiating, StatusOnHold,
}

func IsValidStatus(value string) bool {
	_, ok := validStatuses[value]
	return ok
}

func IsValidUrgency(value string) bool {
	_, ok := validUrgencies[value]
	return ok
}

// IsTerminal reports whether automated follow-ups must stop for the status.
func IsTerminal(status string) bool {
	return status == StatusWon || status == StatusLost
}

type Lead struct {
	ID          string `bson:"_id,omitempty" json:"id"`
	FirstName   string `bson:"first_name" json:"first_name"`
	LastName    string `bson:"last_name" json:"last_name"`
	Email       string `bson:"email" json:"email"`
	Phone       string `bson:"phone,omitempty" json:"phone,omitempty"`
	CompanyName string `bson:"company_name,omitempty" json:"company_name,omitempty"`
	TradeType   string `bson:"trade_type" json:"trade_type"`

	FinanceRequest FinanceRequest `bson:"finance_request" json:"finance_request"`
	BusinessInfo   BusinessInfo   `bson:"business_info" json:"business_info"`

	Status           string           `bson:"status" json:"status"`
	StatusTimestamps StatusTimestamps `bson:"status_timestamps" json:"status_timestamps"`
	LeadScore        int              `bson:"lead_score" json:"lead_score"`
	Priority         string           `bson:"priority" json:"priority"`

	Communications []Communication `bson:"communications" json:"communications"`
	Notes          []Note          `bson:"notes" json:"notes"`
	Automation     Automation      `bson:"automation" json:"automation"`
	CRM            CRMLink         `bson:"crm" json:"crm"`

	Source      string  `bson:"source" json:"source"`
	UTMSource   string  `bson:"utm_source,omitempty" json:"utm_source,omitempty"`
	UTMMedium   string  `bson:"utm_medium,omitempty" json:"utm_medium,omitempty"`
	UTMCampaign string  `bson:"utm_campaign,omitempty" json:"utm_campaign,omitempty"`
	Referrer    string  `bson:"referrer,omitempty" json:"referrer,omitempty"`
	IPAddress   string  `bson:"ip_address,omitempty" json:"-"`
	UserAgent   string  `bson:"user_agent,omitempty" json:"-"`
	Consent     Consent `bson:"consent" json:"consent"`

	LastContactedAt *time.Time `bson:"last_contacted_at,omitempty" json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
}

func (l Lead) FullName() string {
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

type FinanceRequest struct {
	Amount     float64 `bson:"amount" json:"amount"`
	Purpose    string  `bson:"purpose" json:"purpose"`
	Urgency    string  `bson:"urgency" json:"urgency"`
	TermMonths int     `bson:"term_months,omitempty" json:"term_months,omitempty"`
}

type BusinessInfo struct {
	BusinessType   string  `bson:"business_type,omitempty" json:"business_type,omitempty"`
	YearsTrading   float64 `bson:"years_trading" json:"years_trading"`
	AnnualTurnover float64 `bson:"annual_turnover" json:"annual_turnover"`
	Employees      int     `bson:"employees,omitempty" json:"employees,omitempty"`
	Postcode       string  `bson:"postcode,omitempty" json:"postcode,omitempty"`
}

type StatusTimestamps struct {
	ContactedAt    *time.Time `bson:"contacted_at,omitempty" json:"contacted_at,omitempty"`
	QualifiedAt    *time.Time `bson:"qualified_at,omitempty" json:"qualified_at,omitempty"`
	ProposalSentAt *time.Time `bson:"proposal_sent_at,omitempty" json:"proposal_sent_at,omitempty"`
	NegotiatingAt  *time.Time `bson:"negotiating_at,omitempty" json:"negotiating_at,omitempty"`
	WonAt          *time.Time `bson:"won_at,omitempty" json:"won_at,omitempty"`
	LostAt         *time.Time `bson:"lost_at,omitempty" json:"lost_at,omitempty"`
	OnHoldAt       *time.Time `bson:"on_hold_at,omitempty" json:"on_hold_at,omitempty"`
}

// statusTimestampField maps a status to the bson path recording its first entry.
var statusTimestampField = map[string]string{
	StatusContacted:    "status_timestamps.contacted_at",
	StatusQualified:    "status_timestamps.qualified_at",
	StatusProposalSent: "status_timestamps.proposal_sent_at",
	StatusNegotiating:  "status_timestamps.negotiating_at",
	StatusWon:          "status_timestamps.won_at",
	StatusLost:         "status_timestamps.lost_at",
	StatusOnHold:       "status_timestamps.on_hold_at",
}

// Reached returns when the lead first entered status, or nil.
func (s StatusTimestamps) Reached(status string) *time.Time {
	switch status {
	case StatusContacted:
		return s.ContactedAt
	case StatusQualified:
		return s.QualifiedAt
	case StatusProposalSent:
		return s.ProposalSentAt
	case StatusNegotiating:
		return s.NegotiatingAt
	case StatusWon:
		return s.WonAt
	case StatusLost:
		return s.LostAt
	case StatusOnHold:
		return s.OnHoldAt
	default:
		return nil
	}
}

type Communication struct {
	ID         string    `bson:"id" json:"id"`
	Channel    string    `bson:"channel" json:"channel"`
	Direction  string    `bson:"direction" json:"direction"`
	Subject    string    `bson:"subject,omitempty" json:"subject,omitempty"`
	Content    string    `bson:"content" json:"content"`
	Status     string    `bson:"status" json:"status"`
	ProviderID string    `bson:"provider_id,omitempty" json:"provider_id,omitempty"`
	Automated  bool      `bson:"automated" json:"automated"`
	Step       string    `bson:"step,omitempty" json:"step,omitempty"`
	Author     string    `bson:"author,omitempty" json:"author,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

type Note struct {
	ID        string    `bson:"id" json:"id"`
	Content   string    `bson:"content" json:"content"`
	Author    string    `bson:"author" json:"author"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

type Automation struct {
	Enrolled       bool       `bson:"enrolled" json:"enrolled"`
	EnrolledAt     *time.Time `bson:"enrolled_at,omitempty" json:"enrolled_at,omitempty"`
	CurrentStep    int        `bson:"current_step" json:"current_step"`
	CompletedSteps []string   `bson:"completed_steps" json:"completed_steps"`
	SkippedSteps   []string   `bson:"skipped_steps" json:"skipped_steps"`
	NextStepAt     *time.Time `bson:"next_step_at,omitempty" json:"next_step_at,omitempty"`
	LastStepAt     *time.Time `bson:"last_step_at,omitempty" json:"last_step_at,omitempty"`
	Tags           []string   `bson:"tags" json:"tags"`
	OptedOut       bool       `bson:"opted_out" json:"opted_out"`
	EmailOptedOut  bool       `bson:"email_opted_out" json:"email_opted_out"`
}

func (a Automation) HasCompleted(step string) bool {
	for _, s := range a.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

func (a Automation) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type CRMLink struct {
	GHLContactID     string     `bson:"ghl_contact_id,omitempty" json:"ghl_contact_id,omitempty"`
	GHLOpportunityID string     `bson:"ghl_opportunity_id,omitempty" json:"ghl_opportunity_id,omitempty"`
	LastSyncedAt     *time.Time `bson:"last_synced_at,omitempty" json:"last_synced_at,omitempty"`
	SyncError        string     `bson:"sync_error,omitempty" json:"sync_error,omitempty"`
}

type Consent struct {
	Marketing bool `bson:"marketing" json:"marketing"`
	Privacy   bool `bson:"privacy" json:"privacy"`
}

type SubmitRequest struct {
	FirstName   string `json:"first_name" validate:"required,max=80"`
	LastName    string `json:"last_name" validate:"required,max=80"`
	Email       string `json:"email" validate:"required,email"`
	Phone       string `json:"phone" validate:"required,phone"`
	CompanyName string `json:"company_name" validate:"max=160"`
	TradeType   string `json:"trade_type" validate:"required,trade"`

	Amount     float64 `json:"amount" validate:"required,gt=0,lte=10000000"`
	Purpose    string  `json:"purpose" validate:"required,oneof=equipment vehicle working-capital expansion cash-flow refinancing invoice-finance other"`
	Urgency    string  `json:"urgency" validate:"required,urgency"`
	TermMonths int     `json:"term_months" validate:"omitempty,gte=3,lte=120"`

	BusinessType   string  `json:"business_type" validate:"omitempty,oneof=sole-trader partnership limited-company"`
	YearsTrading   float64 `json:"years_trading" validate:"gte=0,lte=100"`
	AnnualTurnover float64 `json:"annual_turnover" validate:"gte=0"`
	Employees      int     `json:"employees" validate:"gte=0"`
	Postcode       string  `json:"postcode" validate:"max=10"`
	Message        string  `json:"message" validate:"max=2000"`

	Source      string `json:"source" validate:"max=60"`
	UTMSource   string `json:"utm_source" validate:"max=120"`
	UTMMedium   string `json:"utm_medium" validate:"max=120"`
	UTMCampaign string `json:"utm_campaign" validate:"max=120"`
	Referrer    string `json:"referrer" validate:"max=500"`

	MarketingConsent bool `json:"marketing_consent"`
	PrivacyConsent   bool `json:"privacy_consent" validate:"eq=true"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	FirstName   *string `json:"first_name" validate:"omitempty,min=1,max=80"`
	LastName    *string `json:"last_name" validate:"omitempty,max=80"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Phone       *string `json:"phone" validate:"omitempty,phone"`
	CompanyName *string `json:"company_name" validate:"omitempty,max=160"`
	TradeType   *string `json:"trade_type" validate:"omitempty,trade"`
	Status      *string `json:"status" validate:"omitempty,leadstatus"`

	Amount     *float64 `json:"amount" validate:"omitempty,gt=0,lte=10000000"`
	Purpose    *string  `json:"purpose" validate:"omitempty,oneof=equipment vehicle working-capital expansion cash-flow refinancing invoice-finance other"`
	Urgency    *string  `json:"urgency" validate:"omitempty,urgency"`
	TermMonths *int     `json:"term_months" validate:"omitempty,gte=3,lte=120"`

	BusinessType   *string  `json:"business_type" validate:"omitempty,oneof=sole-trader partnership limited-company"`
	YearsTrading   *float64 `json:"years_trading" validate:"omitempty,gte=0,lte=100"`
	AnnualTurnover *float64 `json:"annual_turnover" validate:"omitempty,gte=0"`
	Employees      *int     `json:"employees" validate:"omitempty,gte=0"`
	Postcode       *string  `json:"postcode" validate:"omitempty,max=10"`

	Tags []string `json:"tags" validate:"omitempty,max=20,dive,min=1,max=40"`
}

type NoteRequest struct {
	Content string `json:"content" validate:"required,max=5000"`
}

type CommunicationRequest struct {
	Channel   string `json:"channel" validate:"required,oneof=email sms call voice"`
	Direction string `json:"direction" validate:"required,oneof=outbound inbound"`
	Subject   string `json:"subject" validate:"max=200"`
	Content   string `json:"content" validate:"required,max=5000"`
	Status    string `json:"status" validate:"omitempty,oneof=sent delivered received completed no-answer busy failed"`
}

type ListFilter struct {
	Status    string
	Urgency   string
	TradeType string
	Priority  string
	Tag       string
	MinScore  int
	Query     string
	From      time.Time
	To        time.Time
}

// ensureCollections replaces nil slices so $push and $addToSet never hit a
// null field in the stored document.
func (l *Lead) ensureCollections() {
	if l.Communications == nil {
		l.Communications = []Communication{}
	}
	if l.Notes == nil {
		l.Notes = []Note{}
	}
	if l.Automation.CompletedSteps == nil {
		l.Automation.CompletedSteps = []string{}
	}
	if l.Automation.SkippedSteps == nil {
		l.Automation.SkippedSteps = []string{}
	}
	if l.Automation.Tags == nil {
		l.Automation.Tags = []string{}
	}
}
