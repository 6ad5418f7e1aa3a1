package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradefinance-backend/internal/crm"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/metrics"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/queue"
)

const stepWelcome = "welcome"

// Workers builds one worker per queue with the sequencer's processors
// registered.
func (s *Sequencer) Workers(opts queue.WorkerOptions, log *slog.Logger) []*queue.Worker {
	notify := queue.NewWorker(s.queues.Notifications, opts, log)
	notify.Handle(JobWelcome, s.processWelcome)
	notify.Handle(JobSMS, s.processSMS)
	notify.Handle(JobCall, s.processCall)

	followUps := queue.NewWorker(s.queues.FollowUps, opts, log)
	followUps.Handle(JobFollowUp, s.processFollowUp)

	crmWorker := queue.NewWorker(s.queues.CRM, opts, log)
	crmWorker.Handle(JobCRMSync, s.processCRMSync)
	crmWorker.Handle(JobCRMTags, s.processCRMTags)

	return []*queue.Worker{notify, followUps, crmWorker}
}

// loadLead returns false when the lead no longer exists; the job then has
// nothing left to do.
func (s *Sequencer) loadLead(ctx context.Context, id string, job queue.Job) (leads.Lead, bool, error) {
	lead, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(mapNotFound(err), leads.ErrNotFound) {
			s.log.Warn("automation job: lead gone", slog.String("lead_id", id), slog.String("job", job.Name))
			return leads.Lead{}, false, nil
		}
		return leads.Lead{}, false, err
	}
	return lead, true, nil
}

func (s *Sequencer) record(ctx context.Context, leadID string, comm leads.Communication, touchContact bool) error {
	now := s.now()
	comm.ID = uuid.NewString()
	comm.Direction = leads.DirectionOutbound
	comm.Author = "automation"
	comm.CreatedAt = now
	comm.UpdatedAt = now
	if err := s.repo.AddCommunication(ctx, leadID, comm, touchContact, now); err != nil {
		return fmt.Errorf("record %s communication: %w", comm.Channel, err)
	}
	return nil
}

// sendEmail records the template name as the content; the rendered body
// stays with the provider.
func (s *Sequencer) sendEmail(ctx context.Context, leadID, step string, email notifications.Email) error {
	id, err := s.providers.Email.Send(ctx, email)
	if err != nil {
		return err
	}
	return s.record(ctx, leadID, leads.Communication{
		Channel:    leads.ChannelEmail,
		Subject:    email.Subject,
		Content:    emailContent(email),
		Status:     leads.CommSent,
		ProviderID: id,
		Automated:  true,
		Step:       step,
	}, false)
}

func (s *Sequencer) queueSMS(ctx context.Context, leadID, step, body string, dedupe bool) error {
	opts := notificationJob
	if dedupe {
		opts.JobID = smsJobID(leadID, step)
	}
	return s.add(ctx, s.queues.Notifications, JobSMS, smsPayload{LeadID: leadID, Step: step, Body: body}, opts)
}

func (s *Sequencer) processWelcome(ctx context.Context, job queue.Job) error {
	var p leadPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode welcome payload: %w", err)
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}
	log := s.log.With(slog.String("lead_id", lead.ID))

	if s.providers.Email != nil {
		if !lead.Automation.EmailOptedOut && (p.Force || !hasCommunication(lead, leads.ChannelEmail, stepWelcome)) {
			email, err := notifications.ConfirmationEmail(lead, s.settings.SiteURL)
			if err != nil {
				return err
			}
			if err := s.sendEmail(ctx, lead.ID, stepWelcome, email); err != nil {
				return fmt.Errorf("confirmation email: %w", err)
			}
		}
		if s.settings.TeamEmail != "" {
			alert, err := notifications.TeamAlertEmail(lead, s.settings.TeamEmail, s.settings.SiteURL)
			if err != nil {
				return err
			}
			if _, err := s.providers.Email.Send(ctx, alert); err != nil {
				return fmt.Errorf("team alert email: %w", err)
			}
		}
	} else {
		log.Debug("automation welcome: email disabled")
	}

	if s.providers.Messenger != nil && lead.Phone != "" && !lead.Automation.OptedOut &&
		(p.Force || !hasCommunication(lead, leads.ChannelSMS, stepWelcome)) {
		body, err := notifications.ConfirmationSMS(lead)
		if err != nil {
			return err
		}
		if err := s.queueSMS(ctx, lead.ID, stepWelcome, body, !p.Force); err != nil {
			return err
		}
	}

	metrics.AutomationSteps.WithLabelValues(stepWelcome, "sent").Inc()
	log.Info("automation welcome: sent")
	return nil
}

// skipReason returns why a follow-up must not go out, or "".
func (s *Sequencer) skipReason(lead leads.Lead, p followUpPayload, now time.Time) string {
	switch {
	case leads.IsTerminal(lead.Status):
		return "lead " + lead.Status
	case lead.Automation.OptedOut:
		return "opted out"
	case !p.Manual && !lead.Automation.Enrolled:
		return "not enrolled"
	case !p.Manual && lead.LastContactedAt != nil && now.Sub(*lead.LastContactedAt) < recentContactWindow:
		return "contacted recently"
	default:
		return ""
	}
}

func (s *Sequencer) processFollowUp(ctx context.Context, job queue.Job) error {
	var p followUpPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode follow-up payload: %w", err)
	}
	if p.Step < 1 || p.Step > FollowUpSteps {
		return fmt.Errorf("%w: %d", ErrInvalidStep, p.Step)
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}

	name := StepName(p.Step)
	now := s.now()
	next := nextStepAfter(lead, p.Step, now)
	log := s.log.With(slog.String("lead_id", lead.ID), slog.String("step", name))

	if reason := s.skipReason(lead, p, now); reason != "" {
		if _, err := s.repo.RecordStep(ctx, lead.ID, name, p.Step, true, next, now); err != nil {
			return fmt.Errorf("record skipped step: %w", err)
		}
		metrics.AutomationSteps.WithLabelValues(name, "skipped").Inc()
		log.Info("automation follow-up: skipped", slog.String("reason", reason))
		return nil
	}
	if !p.Manual && lead.Automation.HasCompleted(name) {
		log.Info("automation follow-up: already sent")
		return nil
	}

	// A retry after a failed RecordStep must not send the step again.
	if s.providers.Email != nil && !lead.Automation.EmailOptedOut &&
		(p.Manual || !hasCommunication(lead, leads.ChannelEmail, name)) {
		email, err := notifications.FollowUpEmail(lead, p.Step, s.settings.SiteURL)
		if err != nil {
			return err
		}
		if err := s.sendEmail(ctx, lead.ID, name, email); err != nil {
			return fmt.Errorf("follow-up email: %w", err)
		}
	}
	if s.providers.Messenger != nil && lead.Phone != "" && notifications.HasFollowUpSMS(p.Step) &&
		(p.Manual || !hasCommunication(lead, leads.ChannelSMS, name)) {
		body, err := notifications.FollowUpSMS(lead, p.Step)
		if err != nil {
			return err
		}
		if err := s.queueSMS(ctx, lead.ID, name, body, !p.Manual); err != nil {
			return err
		}
	}

	first, err := s.repo.RecordStep(ctx, lead.ID, name, p.Step, false, next, now)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	if first && s.providers.CRM != nil {
		payload := tagsPayload{LeadID: lead.ID, Tags: []string{crm.StepTag(p.Step)}}
		if err := s.add(ctx, s.queues.CRM, JobCRMTags, payload, withID(crmJob, fmt.Sprintf("crm-tags:%s:%s", lead.ID, name), 0)); err != nil {
			return err
		}
	}

	metrics.AutomationSteps.WithLabelValues(name, "sent").Inc()
	log.Info("automation follow-up: sent", slog.Bool("first_record", first))
	return nil
}

// processSMS sends one text, deferring it to the next sending window when
// the window is closed.
func (s *Sequencer) processSMS(ctx context.Context, job queue.Job) error {
	var p smsPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode sms payload: %w", err)
	}
	if s.providers.Messenger == nil {
		return nil
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}
	log := s.log.With(slog.String("lead_id", lead.ID), slog.String("step", p.Step))

	if lead.Automation.OptedOut || lead.Phone == "" || (p.Step != stepWelcome && leads.IsTerminal(lead.Status)) {
		log.Info("automation sms: skipped")
		return nil
	}

	now := s.now()
	if !s.window.IsOpen(now) {
		return s.deferToWindow(now, "outside sms window")
	}

	msg, err := s.providers.Messenger.SendSMS(ctx, lead.Phone, p.Body)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	status := leads.CommSent
	if msg.Status == "queued" || msg.Status == "accepted" {
		status = leads.CommQueued
	}
	if err := s.record(ctx, lead.ID, leads.Communication{
		Channel:    leads.ChannelSMS,
		Content:    p.Body,
		Status:     status,
		ProviderID: msg.SID,
		Automated:  true,
		Step:       p.Step,
	}, false); err != nil {
		return err
	}
	log.Info("automation sms: sent", slog.String("sid", msg.SID))
	return nil
}

// processCall rings the lead and bridges the answered call to the team
// line.
func (s *Sequencer) processCall(ctx context.Context, job queue.Job) error {
	var p leadPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode call payload: %w", err)
	}
	if s.providers.Messenger == nil || s.settings.TeamNumber == "" {
		return ErrProviderDisabled
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}
	if lead.Phone == "" || lead.Automation.OptedOut {
		return nil
	}

	now := s.now()
	if !s.window.IsOpen(now) {
		return s.deferToWindow(now, "outside calling hours")
	}

	twiml, err := notifications.CallBridgeTwiML(lead, s.settings.TeamNumber)
	if err != nil {
		return err
	}
	call, err := s.providers.Messenger.Call(ctx, lead.Phone, twiml)
	if err != nil {
		return fmt.Errorf("place call: %w", err)
	}
	if err := s.record(ctx, lead.ID, leads.Communication{
		Channel:    leads.ChannelCall,
		Content:    "Bridged call to team line",
		Status:     leads.CommQueued,
		ProviderID: call.SID,
	}, true); err != nil {
		return err
	}
	s.log.Info("automation call: placed", slog.String("lead_id", lead.ID), slog.String("sid", call.SID))
	return nil
}

func (s *Sequencer) processCRMSync(ctx context.Context, job queue.Job) error {
	var p leadPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode crm payload: %w", err)
	}
	if s.providers.CRM == nil {
		return nil
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}

	link, syncErr := s.providers.CRM.SyncLead(ctx, lead)
	now := s.now()
	if syncErr != nil {
		link.SyncError = syncErr.Error()
	} else {
		link.LastSyncedAt = &now
	}
	if err := s.repo.SetCRM(ctx, lead.ID, link, now); err != nil {
		return fmt.Errorf("store crm link: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("crm sync: %w", syncErr)
	}
	s.log.Info("automation crm: synced", slog.String("lead_id", lead.ID), slog.String("contact_id", link.GHLContactID))
	return nil
}

func (s *Sequencer) processCRMTags(ctx context.Context, job queue.Job) error {
	var p tagsPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode crm tags payload: %w", err)
	}
	if s.providers.CRM == nil {
		return nil
	}
	lead, ok, err := s.loadLead(ctx, p.LeadID, job)
	if !ok {
		return err
	}
	if lead.CRM.GHLContactID == "" {
		return errors.New("crm contact not synced yet")
	}
	return s.providers.CRM.AddTags(ctx, lead.CRM.GHLContactID, p.Tags)
}

// deferToWindow reschedules a job for the next time the sending window
// opens. A window with no ranges never opens, so the job fails instead.
func (s *Sequencer) deferToWindow(now time.Time, reason string) error {
	until := s.window.NextOpen(now)
	if until.IsZero() {
		return fmt.Errorf("%s: %w", reason, ErrWindowClosed)
	}
	return &queue.DeferError{Until: until, Reason: reason}
}

func hasCommunication(lead leads.Lead, channel, step string) bool {
	for _, c := range lead.Communications {
		if c.Channel == channel && c.Step == step && c.Automated {
			return true
		}
	}
	return false
}

func emailContent(email notifications.Email) string {
	if email.Template == "" {
		return "email"
	}
	return "template: " + email.Template
}
