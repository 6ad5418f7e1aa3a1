package leads

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.mongodb.org/mongo-driver/mongo"

	"tradefinance-backend/internal/cache"
	"tradefinance-backend/internal/utils"
	"tradefinance-backend/internal/validation"
)

var (
	ErrNotFound      = errors.New("lead not found")
	ErrInvalidStatus = errors.New("invalid status")
	ErrEmptyUpdate   = errors.New("nothing to update")
)

// DuplicateWindow is how long a repeat submission from the same email is
// folded into the existing open lead instead of creating a new one.
const DuplicateWindow = 24 * time.Hour

// AutomationRunner is the sequencer surface the lead service drives.
type AutomationRunner interface {
	OnLeadSubmitted(ctx context.Context, lead Lead) error
	Unenroll(ctx context.Context, leadID string) error
}

type SubmitMeta struct {
	IPAddress string
	UserAgent string
}

type SubmitResult struct {
	Lead      Lead
	Duplicate bool
}

type Service struct {
	repo       Repository
	location   *time.Location
	automation AutomationRunner
	cache      cache.Cache
	policy     *bluemonday.Policy
	now        func() time.Time
}

func NewService(repo Repository, location *time.Location, automation AutomationRunner, c cache.Cache) *Service {
	if location == nil {
		location = time.UTC
	}
	if c == nil {
		c = cache.NewNoop()
	}
	return &Service{
		repo:       repo,
		location:   location,
		automation: automation,
		cache:      c,
		policy:     bluemonday.StrictPolicy(),
		now:        time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().In(s.location)
}

// clean strips markup and stores the remaining text unescaped; output
// escaping is left to the renderer.
func (s *Service) clean(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(strings.TrimSpace(value))))
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest, meta SubmitMeta) (SubmitResult, error) {
	now := s.clock()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	message := s.clean(req.Message)

	existing, err := s.repo.FindRecentByEmail(ctx, email, now.Add(-DuplicateWindow))
	switch {
	case err == nil:
		if message != "" {
			note := Note{ID: uuid.NewString(), Content: message, Author: SourceWebsite, CreatedAt: now}
			if err := s.repo.AddNote(ctx, existing.ID, note, now); err != nil {
				return SubmitResult{}, err
			}
			existing.Notes = append(existing.Notes, note)
		}
		return SubmitResult{Lead: existing, Duplicate: true}, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return SubmitResult{}, err
	}

	source := utils.Slugify(req.Source)
	if source == "" {
		source = SourceWebsite
	}

	lead := Lead{
		ID:          uuid.NewString(),
		FirstName:   s.clean(req.FirstName),
		LastName:    s.clean(req.LastName),
		Email:       email,
		Phone:       validation.NormalizeUKPhone(req.Phone),
		CompanyName: s.clean(req.CompanyName),
		TradeType:   req.TradeType,
		FinanceRequest: FinanceRequest{
			Amount:     req.Amount,
			Purpose:    req.Purpose,
			Urgency:    req.Urgency,
			TermMonths: req.TermMonths,
		},
		BusinessInfo: BusinessInfo{
			BusinessType:   req.BusinessType,
			YearsTrading:   req.YearsTrading,
			AnnualTurnover: req.AnnualTurnover,
			Employees:      req.Employees,
			Postcode:       strings.ToUpper(s.clean(req.Postcode)),
		},
		Status:      StatusNew,
		Source:      source,
		UTMSource:   s.clean(req.UTMSource),
		UTMMedium:   s.clean(req.UTMMedium),
		UTMCampaign: s.clean(req.UTMCampaign),
		Referrer:    strings.TrimSpace(req.Referrer),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Consent:     Consent{Marketing: req.MarketingConsent, Privacy: req.PrivacyConsent},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	lead.LeadScore = CalculateScore(lead.FinanceRequest, lead.BusinessInfo)
	lead.Priority = PriorityFor(lead.LeadScore)
	if message != "" {
		lead.Notes = []Note{{ID: uuid.NewString(), Content: message, Author: SourceWebsite, CreatedAt: now}}
	}
	lead.ensureCollections()

	if err := s.repo.Create(ctx, lead); err != nil {
		return SubmitResult{}, err
	}
	s.invalidate(ctx)
	return SubmitResult{Lead: lead}, nil
}

// StartAutomation hands a freshly stored lead to the sequencer.
func (s *Service) StartAutomation(ctx context.Context, lead Lead) error {
	if s.automation == nil {
		return nil
	}
	return s.automation.OnLeadSubmitted(ctx, lead)
}

func (s *Service) Get(ctx context.Context, id string) (Lead, error) {
	lead, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return Lead{}, mapNotFound(err)
	}
	return lead, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int64) ([]Lead, int64, error) {
	filter.Status = strings.ToLower(strings.TrimSpace(filter.Status))
	filter.Query = strings.TrimSpace(filter.Query)
	if filter.Status != "" && !IsValidStatus(filter.Status) {
		return nil, 0, ErrInvalidStatus
	}

	items, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Lead, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Lead{}, err
	}

	patch := Patch{
		FirstName:   s.cleanPtr(req.FirstName),
		LastName:    s.cleanPtr(req.LastName),
		CompanyName: s.cleanPtr(req.CompanyName),
		TradeType:   req.TradeType,
	}
	if req.Email != nil {
		v := strings.ToLower(strings.TrimSpace(*req.Email))
		patch.Email = &v
	}
	if req.Phone != nil {
		v := validation.NormalizeUKPhone(*req.Phone)
		patch.Phone = &v
	}
	statusChanged := false
	if req.Status != nil {
		v := strings.ToLower(strings.TrimSpace(*req.Status))
		if !IsValidStatus(v) {
			return Lead{}, ErrInvalidStatus
		}
		patch.Status = &v
		statusChanged = v != current.Status
	}

	fr, frChanged := applyFinance(current.FinanceRequest, req)
	bi, biChanged := applyBusiness(current.BusinessInfo, req, s)
	if frChanged {
		patch.FinanceRequest = &fr
	}
	if biChanged {
		patch.BusinessInfo = &bi
	}
	if frChanged || biChanged {
		score := CalculateScore(fr, bi)
		priority := PriorityFor(score)
		patch.LeadScore = &score
		patch.Priority = &priority
	}
	if req.Tags != nil {
		patch.Tags = utils.NormalizeTags(req.Tags)
	}

	if patch.Empty() {
		return Lead{}, ErrEmptyUpdate
	}

	now := s.clock()
	updated, err := s.repo.Update(ctx, current.ID, patch, now)
	if err != nil {
		return Lead{}, mapNotFound(err)
	}

	if statusChanged {
		if err := s.afterStatusChange(ctx, updated, now); err != nil {
			return Lead{}, err
		}
		if refreshed, err := s.repo.GetByID(ctx, updated.ID); err == nil {
			updated = refreshed
		}
	}
	s.invalidate(ctx)
	return updated, nil
}

// SetStatus is the narrow status transition used by bulk actions and CRM
// webhooks.
func (s *Service) SetStatus(ctx context.Context, id, status string) (Lead, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !IsValidStatus(status) {
		return Lead{}, ErrInvalidStatus
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return Lead{}, err
	}
	if current.Status == status {
		return current, nil
	}
	now := s.clock()
	updated, err := s.repo.Update(ctx, current.ID, Patch{Status: &status}, now)
	if err != nil {
		return Lead{}, mapNotFound(err)
	}
	if err := s.afterStatusChange(ctx, updated, now); err != nil {
		return Lead{}, err
	}
	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) afterStatusChange(ctx context.Context, lead Lead, now time.Time) error {
	if _, err := s.repo.MarkStatusReached(ctx, lead.ID, lead.Status, now); err != nil {
		return err
	}
	if IsTerminal(lead.Status) && s.automation != nil {
		return s.automation.Unenroll(ctx, lead.ID)
	}
	return nil
}

func (s *Service) AddNote(ctx context.Context, id, content, author string) (Note, error) {
	content = s.clean(content)
	if content == "" {
		return Note{}, ErrEmptyUpdate
	}
	if strings.TrimSpace(author) == "" {
		author = "admin"
	}
	now := s.clock()
	note := Note{ID: uuid.NewString(), Content: content, Author: author, CreatedAt: now}
	if err := s.repo.AddNote(ctx, strings.TrimSpace(id), note, now); err != nil {
		return Note{}, mapNotFound(err)
	}
	return note, nil
}

func (s *Service) ListNotes(ctx context.Context, id string) ([]Note, error) {
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return lead.Notes, nil
}

// AddCommunication logs a manual touch. Outbound entries update
// last_contacted_at and move a new lead to contacted.
func (s *Service) AddCommunication(ctx context.Context, id string, req CommunicationRequest, author string) (Communication, error) {
	lead, err := s.Get(ctx, id)
	if err != nil {
		return Communication{}, err
	}

	now := s.clock()
	status := req.Status
	if status == "" {
		if req.Direction == DirectionInbound {
			status = CommReceived
		} else {
			status = CommSent
		}
	}
	comm := Communication{
		ID:        uuid.NewString(),
		Channel:   req.Channel,
		Direction: req.Direction,
		Subject:   s.clean(req.Subject),
		Content:   s.clean(req.Content),
		Status:    status,
		Author:    author,
		CreatedAt: now,
		UpdatedAt: now,
	}
	outbound := req.Direction == DirectionOutbound
	if err := s.repo.AddCommunication(ctx, lead.ID, comm, outbound, now); err != nil {
		return Communication{}, mapNotFound(err)
	}

	if outbound && lead.Status == StatusNew {
		if _, err := s.SetStatus(ctx, lead.ID, StatusContacted); err != nil {
			return Communication{}, err
		}
	} else {
		s.invalidate(ctx)
	}
	return comm, nil
}

func (s *Service) ListCommunications(ctx context.Context, id string) ([]Communication, error) {
	lead, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return lead.Communications, nil
}

func (s *Service) AddTags(ctx context.Context, ids, tags []string) (int64, error) {
	tags = utils.NormalizeTags(tags)
	if len(ids) == 0 || len(tags) == 0 {
		return 0, nil
	}
	n, err := s.repo.AddTags(ctx, ids, tags, s.clock())
	if err == nil {
		s.invalidate(ctx)
	}
	return n, err
}

func (s *Service) RemoveTags(ctx context.Context, ids, tags []string) (int64, error) {
	tags = utils.NormalizeTags(tags)
	if len(ids) == 0 || len(tags) == 0 {
		return 0, nil
	}
	n, err := s.repo.RemoveTags(ctx, ids, tags, s.clock())
	if err == nil {
		s.invalidate(ctx)
	}
	return n, err
}

// Delete unenrolls each lead before removing it so no follow-up job
// outlives its document.
func (s *Service) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if s.automation != nil {
		for _, id := range ids {
			if err := s.automation.Unenroll(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				return 0, err
			}
		}
	}
	n, err := s.repo.DeleteMany(ctx, ids)
	if err == nil {
		s.invalidate(ctx)
	}
	return n, err
}

func (s *Service) invalidate(ctx context.Context) {
	_ = s.cache.DeletePrefix(ctx, cache.PrefixAdminStats)
}

func (s *Service) cleanPtr(v *string) *string {
	if v == nil {
		return nil
	}
	out := s.clean(*v)
	return &out
}

func applyFinance(fr FinanceRequest, req UpdateRequest) (FinanceRequest, bool) {
	changed := false
	if req.Amount != nil && *req.Amount != fr.Amount {
		fr.Amount = *req.Amount
		changed = true
	}
	if req.Purpose != nil && *req.Purpose != fr.Purpose {
		fr.Purpose = *req.Purpose
		changed = true
	}
	if req.Urgency != nil && *req.Urgency != fr.Urgency {
		fr.Urgency = *req.Urgency
		changed = true
	}
	if req.TermMonths != nil && *req.TermMonths != fr.TermMonths {
		fr.TermMonths = *req.TermMonths
		changed = true
	}
	return fr, changed
}

func applyBusiness(bi BusinessInfo, req UpdateRequest, s *Service) (BusinessInfo, bool) {
	changed := false
	if req.BusinessType != nil && *req.BusinessType != bi.BusinessType {
		bi.BusinessType = *req.BusinessType
		changed = true
	}
	if req.YearsTrading != nil && *req.YearsTrading != bi.YearsTrading {
		bi.YearsTrading = *req.YearsTrading
		changed = true
	}
	if req.AnnualTurnover != nil && *req.AnnualTurnover != bi.AnnualTurnover {
		bi.AnnualTurnover = *req.AnnualTurnover
		changed = true
	}
	if req.Employees != nil && *req.Employees != bi.Employees {
		bi.Employees = *req.Employees
		changed = true
	}
	if req.Postcode != nil {
		pc := strings.ToUpper(s.clean(*req.Postcode))
		if pc != bi.Postcode {
			bi.Postcode = pc
			changed = true
		}
	}
	return bi, changed
}

func mapNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
