// Package automation drives the outbound sequence for a lead: the welcome
// messages, timed follow-ups keyed off urgency, CRM sync and the scheduled
// team reports.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/queue"
	"tradefinance-backend/internal/schedule"
)

// Job names.
const (
	JobWelcome  = "welcome"
	JobFollowUp = "follow-up"
	JobSMS      = "sms"
	JobCall     = "call"
	JobCRMSync  = "crm-sync"
	JobCRMTags  = "crm-tags"
)

// Manual trigger actions.
const (
	ActionWelcome  = "welcome"
	ActionFollowUp = "follow-up"
	ActionEnroll   = "enroll"
	ActionUnenroll = "unenroll"
	ActionCRMSync  = "crm-sync"
	ActionCall     = "call"
)

var (
	ErrDisabled         = errors.New("automation disabled")
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidStep      = errors.New("invalid follow-up step")
	ErrTerminalLead     = errors.New("lead is closed")
	ErrProviderDisabled = errors.New("provider not configured")
	ErrUnknownQueue     = errors.New("unknown queue")
	ErrNoPhone          = errors.New("lead has no phone number")
	ErrWindowClosed     = errors.New("sending window never opens")
)

type EmailSender interface {
	Send(ctx context.Context, email notifications.Email) (string, error)
}

type Messenger interface {
	SendSMS(ctx context.Context, to, body string) (notifications.TwilioMessage, error)
	Call(ctx context.Context, to, twiml string) (notifications.TwilioCall, error)
}

type CRM interface {
	SyncLead(ctx context.Context, lead leads.Lead) (leads.CRMLink, error)
	AddTags(ctx context.Context, contactID string, tags []string) error
}

// Queues groups the queues the sequencer dispatches to.
type Queues struct {
	Notifications *queue.Queue
	FollowUps     *queue.Queue
	CRM           *queue.Queue
}

func (q Queues) All() []*queue.Queue {
	return []*queue.Queue{q.Notifications, q.FollowUps, q.CRM}
}

func (q Queues) ByName(name string) (*queue.Queue, bool) {
	for _, item := range q.All() {
		if item.Name() == name {
			return item, true
		}
	}
	return nil, false
}

type Settings struct {
	Enabled    bool
	SiteURL    string
	TeamEmail  string
	TeamNumber string
	Location   *time.Location
}

// Providers holds the outbound channels. A nil field disables the channel.
type Providers struct {
	Email     EmailSender
	Messenger Messenger
	CRM       CRM
}

type Sequencer struct {
	repo      leads.Repository
	queues    Queues
	providers Providers
	settings  Settings
	window    schedule.Window
	log       *slog.Logger
	now       func() time.Time
}

func NewSequencer(repo leads.Repository, queues Queues, providers Providers, settings Settings, log *slog.Logger) *Sequencer {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Sequencer{
		repo:      repo,
		queues:    queues,
		providers: providers,
		settings:  settings,
		window:    schedule.SMSWindow(settings.Location),
		log:       log.With(slog.String("component", "automation")),
		now:       time.Now,
	}
}

func (s *Sequencer) Enabled() bool {
	return s.settings.Enabled
}

func (s *Sequencer) Queues() Queues {
	return s.queues
}

var (
	notificationJob = queue.JobOptions{Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: 30 * time.Second}}
	followUpJob     = queue.JobOptions{Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}}
	crmJob          = queue.JobOptions{Attempts: 5, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: time.Minute}}
)

func withID(opts queue.JobOptions, id string, delay time.Duration) queue.JobOptions {
	opts.JobID = id
	opts.Delay = delay
	return opts
}

type leadPayload struct {
	LeadID string `json:"lead_id"`
	// Force re-sends messages already recorded for the lead.
	Force bool `json:"force,omitempty"`
}

type followUpPayload struct {
	LeadID string `json:"lead_id"`
	Step   int    `json:"step"`
	Manual bool   `json:"manual,omitempty"`
}

type smsPayload struct {
	LeadID string `json:"lead_id"`
	Step   string `json:"step"`
	Body   string `json:"body"`
}

type tagsPayload struct {
	LeadID string   `json:"lead_id"`
	Tags   []string `json:"tags"`
}

// add treats a duplicate deterministic ID as already scheduled.
func (s *Sequencer) add(ctx context.Context, q *queue.Queue, name string, payload interface{}, opts queue.JobOptions) error {
	_, err := q.Add(ctx, name, payload, opts)
	if errors.Is(err, queue.ErrDuplicateJob) {
		s.log.Debug("automation enqueue: already scheduled", slog.String("job_id", opts.JobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}

// OnLeadSubmitted queues the welcome messages and CRM sync, then enrolls
// the lead in the follow-up sequence.
func (s *Sequencer) OnLeadSubmitted(ctx context.Context, lead leads.Lead) error {
	if !s.settings.Enabled {
		return nil
	}
	log := s.log.With(slog.String("lead_id", lead.ID))

	if err := s.add(ctx, s.queues.Notifications, JobWelcome, leadPayload{LeadID: lead.ID}, withID(notificationJob, "welcome:"+lead.ID, 0)); err != nil {
		return err
	}
	if s.providers.CRM != nil {
		if err := s.add(ctx, s.queues.CRM, JobCRMSync, leadPayload{LeadID: lead.ID}, withID(crmJob, "crm-sync:"+lead.ID, 0)); err != nil {
			return err
		}
	}
	if err := s.Enroll(ctx, lead); err != nil {
		return err
	}
	log.Info("automation submit: sequence started", slog.String("urgency", lead.FinanceRequest.Urgency))
	return nil
}

// Enroll schedules the follow-ups that have not run yet. Job IDs are
// derived from the lead and step, so enrolling twice schedules nothing new.
func (s *Sequencer) Enroll(ctx context.Context, lead leads.Lead) error {
	if !s.settings.Enabled {
		return ErrDisabled
	}
	if leads.IsTerminal(lead.Status) {
		return ErrTerminalLead
	}

	now := s.now()
	var first *time.Time
	for step := 1; step <= FollowUpSteps; step++ {
		name := StepName(step)
		if lead.Automation.HasCompleted(name) || containsString(lead.Automation.SkippedSteps, name) {
			continue
		}
		due := stepDue(lead.FinanceRequest.Urgency, now, step)
		payload := followUpPayload{LeadID: lead.ID, Step: step}
		if err := s.add(ctx, s.queues.FollowUps, JobFollowUp, payload, withID(followUpJob, followUpJobID(lead.ID, step), due.Sub(now))); err != nil {
			return err
		}
		if first == nil {
			first = &due
		}
	}

	if err := s.repo.Enroll(ctx, lead.ID, now, first); err != nil {
		return mapNotFound(err)
	}
	return nil
}

// Unenroll removes pending follow-ups and their texts and marks the lead
// unenrolled.
func (s *Sequencer) Unenroll(ctx context.Context, leadID string) error {
	for step := 1; step <= FollowUpSteps; step++ {
		if _, err := s.queues.FollowUps.Remove(ctx, followUpJobID(leadID, step)); err != nil {
			return fmt.Errorf("remove follow-up %d: %w", step, err)
		}
		if _, err := s.queues.Notifications.Remove(ctx, smsJobID(leadID, StepName(step))); err != nil {
			return fmt.Errorf("remove follow-up sms %d: %w", step, err)
		}
	}
	if err := s.repo.Unenroll(ctx, leadID, s.now()); err != nil {
		return mapNotFound(err)
	}
	s.log.Info("automation unenroll: removed pending follow-ups", slog.String("lead_id", leadID))
	return nil
}

type TriggerRequest struct {
	LeadID string `json:"lead_id" validate:"required"`
	Action string `json:"action" validate:"required,oneof=welcome follow-up enroll unenroll crm-sync call"`
	Step   int    `json:"step" validate:"omitempty,gte=1,lte=3"`
}

type TriggerResult struct {
	LeadID string `json:"lead_id"`
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
}

// Trigger runs a manual action for one lead. Queued actions run
// immediately and bypass the deduplicating job IDs.
func (s *Sequencer) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	lead, err := s.repo.GetByID(ctx, req.LeadID)
	if err != nil {
		return TriggerResult{}, mapNotFound(err)
	}
	result := TriggerResult{LeadID: lead.ID, Action: req.Action}

	var job queue.Job
	switch req.Action {
	case ActionWelcome:
		job, err = s.queues.Notifications.Add(ctx, JobWelcome, leadPayload{LeadID: lead.ID, Force: true}, notificationJob)
	case ActionFollowUp:
		if req.Step < 1 || req.Step > FollowUpSteps {
			return TriggerResult{}, ErrInvalidStep
		}
		job, err = s.queues.FollowUps.Add(ctx, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: req.Step, Manual: true}, followUpJob)
	case ActionEnroll:
		return result, s.Enroll(ctx, lead)
	case ActionUnenroll:
		return result, s.Unenroll(ctx, lead.ID)
	case ActionCRMSync:
		if s.providers.CRM == nil {
			return TriggerResult{}, ErrProviderDisabled
		}
		job, err = s.queues.CRM.Add(ctx, JobCRMSync, leadPayload{LeadID: lead.ID}, crmJob)
	case ActionCall:
		if s.providers.Messenger == nil || s.settings.TeamNumber == "" {
			return TriggerResult{}, ErrProviderDisabled
		}
		if lead.Phone == "" {
			return TriggerResult{}, ErrNoPhone
		}
		opts := notificationJob
		opts.Attempts = 1
		job, err = s.queues.Notifications.Add(ctx, JobCall, leadPayload{LeadID: lead.ID}, opts)
	default:
		return TriggerResult{}, ErrUnknownAction
	}
	if err != nil {
		return TriggerResult{}, err
	}
	result.JobID = job.ID
	s.log.Info("automation trigger: queued",
		slog.String("lead_id", lead.ID),
		slog.String("action", req.Action),
		slog.String("job_id", job.ID),
	)
	return result, nil
}

type ProviderStatus struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Voice bool `json:"voice"`
	CRM   bool `json:"crm"`
}

type StatusReport struct {
	Enabled   bool                   `json:"enabled"`
	Providers ProviderStatus         `json:"providers"`
	Queues    map[string]queue.Stats `json:"queues"`
	Rules     map[string][]string    `json:"rules"`
	SMSWindow bool                   `json:"sms_window_open"`
}

func (s *Sequencer) Status(ctx context.Context) (StatusReport, error) {
	stats, err := s.QueueStats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	rules := make(map[string][]string, len(Rules))
	for urgency, delays := range Rules {
		items := make([]string, 0, len(delays))
		for _, d := range delays {
			items = append(items, d.String())
		}
		rules[urgency] = items
	}
	return StatusReport{
		Enabled: s.settings.Enabled,
		Providers: ProviderStatus{
			Email: s.providers.Email != nil,
			SMS:   s.providers.Messenger != nil,
			Voice: s.providers.Messenger != nil && s.settings.TeamNumber != "",
			CRM:   s.providers.CRM != nil,
		},
		Queues:    stats,
		Rules:     rules,
		SMSWindow: s.window.IsOpen(s.now()),
	}, nil
}

// QueueStats reads every queue's counts concurrently.
func (s *Sequencer) QueueStats(ctx context.Context) (map[string]queue.Stats, error) {
	queues := s.queues.All()
	stats := make([]queue.Stats, len(queues))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queues {
		g.Go(func() error {
			st, err := q.Stats(gctx)
			if err != nil {
				return fmt.Errorf("queue %s stats: %w", q.Name(), err)
			}
			stats[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]queue.Stats, len(queues))
	for i, q := range queues {
		out[q.Name()] = stats[i]
	}
	return out, nil
}

type LeadReport struct {
	LeadID      string           `json:"lead_id"`
	Status      string           `json:"status"`
	Automation  leads.Automation `json:"automation"`
	PendingJobs []queue.Job      `json:"pending_jobs"`
}

// LeadState reports a lead's sequence progress and its scheduled follow-ups.
func (s *Sequencer) LeadState(ctx context.Context, leadID string) (LeadReport, error) {
	lead, err := s.repo.GetByID(ctx, leadID)
	if err != nil {
		return LeadReport{}, mapNotFound(err)
	}
	report := LeadReport{
		LeadID:      lead.ID,
		Status:      lead.Status,
		Automation:  lead.Automation,
		PendingJobs: make([]queue.Job, 0, FollowUpSteps),
	}
	for step := 1; step <= FollowUpSteps; step++ {
		job, err := s.queues.FollowUps.Get(ctx, followUpJobID(lead.ID, step))
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return LeadReport{}, err
		}
		if job.State == queue.StateCompleted {
			continue
		}
		report.PendingJobs = append(report.PendingJobs, job)
	}
	return report, nil
}

// RetryFailed retries failed jobs on every queue, or on the named one.
func (s *Sequencer) RetryFailed(ctx context.Context, queueName string) (map[string]int, error) {
	targets := s.queues.All()
	if queueName != "" {
		q, ok := s.queues.ByName(queueName)
		if !ok {
			return nil, ErrUnknownQueue
		}
		targets = []*queue.Queue{q}
	}
	out := make(map[string]int, len(targets))
	for _, q := range targets {
		n, err := q.RetryFailed(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue %s retry: %w", q.Name(), err)
		}
		out[q.Name()] = n
	}
	return out, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return leads.ErrNotFound
	}
	return err
}

func containsString(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}
