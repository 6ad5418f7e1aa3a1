package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/leads/leadstest"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/queue"
	"tradefinance-backend/internal/schedule"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []notifications.Email
	err  error
}

func (f *fakeEmail) Send(ctx context.Context, email notifications.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, email)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeEmail) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmail) Sent() []notifications.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifications.Email(nil), f.sent...)
}

type fakeMessenger struct {
	mu    sync.Mutex
	texts []string
	calls []string
}

func (f *fakeMessenger) SendSMS(ctx context.Context, to, body string) (notifications.TwilioMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, body)
	return notifications.TwilioMessage{SID: fmt.Sprintf("SM%d", len(f.texts)), Status: "queued"}, nil
}

func (f *fakeMessenger) Call(ctx context.Context, to, twiml string) (notifications.TwilioCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, twiml)
	return notifications.TwilioCall{SID: fmt.Sprintf("CA%d", len(f.calls)), Status: "queued"}, nil
}

func (f *fakeMessenger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMessenger) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeCRM struct {
	mu     sync.Mutex
	synced []string
	tags   map[string][]string
	err    error
}

func (f *fakeCRM) SyncLead(ctx context.Context, lead leads.Lead) (leads.CRMLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return lead.CRM, f.err
	}
	f.synced = append(f.synced, lead.ID)
	link := lead.CRM
	link.GHLContactID = "contact-" + lead.ID
	return link, nil
}

func (f *fakeCRM) AddTags(ctx context.Context, contactID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags == nil {
		f.tags = make(map[string][]string)
	}
	f.tags[contactID] = append(f.tags[contactID], tags...)
	return nil
}

func (f *fakeCRM) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCRM) Tags(contactID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[contactID]...)
}

func (f *fakeCRM) Synced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synced...)
}

type harness struct {
	seq   *Sequencer
	repo  *leadstest.MemoryRepository
	clock *clock
	email *fakeEmail
	sms   *fakeMessenger
	crm   *fakeCRM
	loc   *time.Location
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func newHarness(t *testing.T, seed ...leads.Lead) *harness {
	t.Helper()
	loc := london(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// Monday 2 February 2026, 10:00 in London.
	c := &clock{now: time.Date(2026, 2, 2, 10, 0, 0, 0, loc)}
	queues := Queues{
		Notifications: queue.New(rdb, "test", "notifications", queue.WithClock(c.Now)),
		FollowUps:     queue.New(rdb, "test", "follow-ups", queue.WithClock(c.Now)),
		CRM:           queue.New(rdb, "test", "crm", queue.WithClock(c.Now)),
	}
	h := &harness{
		repo:  leadstest.NewMemoryRepository(seed...),
		clock: c,
		email: &fakeEmail{},
		sms:   &fakeMessenger{},
		crm:   &fakeCRM{},
		loc:   loc,
	}
	h.seq = NewSequencer(h.repo, queues, Providers{Email: h.email, Messenger: h.sms, CRM: h.crm}, Settings{
		Enabled:    true,
		SiteURL:    "https://example.co.uk",
		TeamEmail:  "team@example.co.uk",
		TeamNumber: "+442071234567",
		Location:   loc,
	}, discardLogger())
	h.seq.now = c.Now
	return h
}

func testLead(id, urgency string) leads.Lead {
	return leads.Lead{
		ID:        id,
		FirstName: "Sam",
		LastName:  "Jones",
		Email:     id + "@example.com",
		Phone:     "+447700900123",
		TradeType: "electrician",
		Status:    leads.StatusNew,
		Priority:  leads.PriorityWarm,
		FinanceRequest: leads.FinanceRequest{
			Amount:  30000,
			Purpose: "equipment",
			Urgency: urgency,
		},
		CreatedAt: time.Date(2026, 2, 2, 9, 55, 0, 0, time.UTC),
	}
}

func jobFor(t *testing.T, name string, payload interface{}) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: "test-job", Name: name, Payload: raw}
}

// startWorkers runs every queue worker until the test ends. Jobs delayed
// by hours only run when a test moves them forward with RunNow.
func (h *harness) startWorkers(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	workers := h.seq.Workers(queue.WorkerOptions{
		Concurrency:     1,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, discardLogger())
	done := make(chan error, len(workers))
	for _, w := range workers {
		go func(w *queue.Worker) { done <- w.Serve(ctx) }(w)
	}
	t.Cleanup(func() {
		cancel()
		for range workers {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Errorf("worker did not stop")
				return
			}
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, q *queue.Queue, id, state string) queue.Job {
	t.Helper()
	var job queue.Job
	waitFor(t, id+" to reach "+state, func() bool {
		got, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.State == state
	})
	return job
}

func (h *harness) lead(id string) leads.Lead {
	stored, _ := h.repo.Snapshot(id)
	return stored
}

func runNow(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	ran, err := q.RunNow(context.Background(), id)
	if err != nil || !ran {
		t.Fatalf("run %s now: ran=%v err=%v", id, ran, err)
	}
}

func TestDelaysFor(t *testing.T) {
	urgent := DelaysFor(leads.UrgencyUrgent)
	if urgent != [FollowUpSteps]time.Duration{time.Hour, 4 * time.Hour, 24 * time.Hour} {
		t.Fatalf("unexpected urgent delays %v", urgent)
	}
	if DelaysFor(leads.UrgencyThisMonth)[2] != 168*time.Hour {
		t.Fatalf("unexpected this-month delays")
	}
	if DelaysFor("someday") != Rules[leads.UrgencyPlanning] {
		t.Fatalf("unknown urgency must use planning cadence")
	}
}

func TestOnLeadSubmittedSchedulesSequence(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.OnLeadSubmitted(ctx, lead); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A second call must not schedule anything new.
	if err := h.seq.OnLeadSubmitted(ctx, lead); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	stats, err := h.seq.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["notifications"].Waiting != 1 || stats["crm"].Waiting != 1 || stats["follow-ups"].Delayed != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	stored, _ := h.repo.Snapshot(lead.ID)
	if !stored.Automation.Enrolled || stored.Automation.NextStepAt == nil {
		t.Fatalf("expected lead enrolled, got %+v", stored.Automation)
	}
	if want := h.clock.Now().Add(time.Hour); !stored.Automation.NextStepAt.Equal(want) {
		t.Fatalf("next step at %v, want %v", stored.Automation.NextStepAt, want)
	}

	job, err := h.seq.queues.FollowUps.Get(ctx, "follow-up:lead-1:3")
	if err != nil {
		t.Fatalf("get follow-up 3: %v", err)
	}
	want := time.Now().Add(24 * time.Hour)
	if job.State != queue.StateDelayed || job.RunAt == nil || job.RunAt.Sub(want).Abs() > time.Minute {
		t.Fatalf("follow-up 3 runs at %v, want about %v", job.RunAt, want)
	}
}

func TestDisabledSequencerDoesNothing(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	h.seq.settings.Enabled = false

	if err := h.seq.OnLeadSubmitted(context.Background(), lead); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stats, _ := h.seq.QueueStats(context.Background())
	for name, st := range stats {
		if st != (queue.Stats{}) {
			t.Fatalf("queue %s should be empty: %+v", name, st)
		}
	}
	if err := h.seq.Enroll(context.Background(), lead); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestEnrollSkipsRecordedSteps(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyThisWeek)
	lead.Automation.CompletedSteps = []string{StepName(1)}
	lead.Automation.SkippedSteps = []string{StepName(2)}
	h := newHarness(t, lead)

	if err := h.seq.Enroll(context.Background(), lead); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	stats, _ := h.seq.queues.FollowUps.Stats(context.Background())
	if stats.Delayed != 1 {
		t.Fatalf("expected only step 3 scheduled, got %+v", stats)
	}
	stored, _ := h.repo.Snapshot(lead.ID)
	if want := h.clock.Now().Add(72 * time.Hour); !stored.Automation.NextStepAt.Equal(want) {
		t.Fatalf("next step at %v, want %v", stored.Automation.NextStepAt, want)
	}

	closed := testLead("lead-2", leads.UrgencyUrgent)
	closed.Status = leads.StatusWon
	if err := h.seq.Enroll(context.Background(), closed); !errors.Is(err, ErrTerminalLead) {
		t.Fatalf("expected ErrTerminalLead, got %v", err)
	}
}

func TestUnenrollRemovesPendingFollowUps(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.Enroll(ctx, lead); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := h.seq.Unenroll(ctx, lead.ID); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
	stats, _ := h.seq.queues.FollowUps.Stats(ctx)
	if stats.Delayed != 0 || stats.Waiting != 0 {
		t.Fatalf("expected no pending follow-ups, got %+v", stats)
	}
	stored, _ := h.repo.Snapshot(lead.ID)
	if stored.Automation.Enrolled || stored.Automation.NextStepAt != nil {
		t.Fatalf("expected unenrolled, got %+v", stored.Automation)
	}

	if err := h.seq.Unenroll(ctx, "missing"); !errors.Is(err, leads.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWelcomeSendsEmailsAndQueuesSMS(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.OnLeadSubmitted(ctx, lead); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.startWorkers(t)
	waitFor(t, "welcome sms recorded", func() bool { return len(h.lead(lead.ID).Communications) == 2 })

	sent := h.email.Sent()
	if len(sent) != 2 || sent[0].ToEmail != lead.Email || sent[1].ToEmail != "team@example.co.uk" {
		t.Fatalf("expected confirmation and team alert, got %+v", sent)
	}
	if texts := h.sms.Texts(); len(texts) != 1 {
		t.Fatalf("expected one text, got %v", texts)
	}

	stored := h.lead(lead.ID)
	for _, c := range stored.Communications {
		if !c.Automated || c.Step != stepWelcome || c.Direction != leads.DirectionOutbound || c.ProviderID == "" {
			t.Fatalf("unexpected communication %+v", c)
		}
		if c.Channel == leads.ChannelEmail && c.Content != "template: confirmation" {
			t.Fatalf("email content should name the template, got %q", c.Content)
		}
	}
	waitForState(t, h.seq.queues.Notifications, smsJobID(lead.ID, stepWelcome), queue.StateCompleted)
	if stored.LastContactedAt != nil {
		t.Fatalf("automated sends must not count as contact")
	}

	// A retried welcome does not send the confirmation twice.
	if err := h.seq.processWelcome(ctx, jobFor(t, JobWelcome, leadPayload{LeadID: lead.ID})); err != nil {
		t.Fatalf("rerun welcome: %v", err)
	}
	if got := h.email.Sent(); len(got) != 3 || got[2].ToEmail != "team@example.co.uk" {
		t.Fatalf("expected only the team alert on rerun, got %d emails", len(got))
	}
}

func TestFollowUpSendsAndRecordsOnce(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	lead.CRM.GHLContactID = "contact-lead-1"
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.Enroll(ctx, lead); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	h.clock.Advance(time.Hour)
	h.startWorkers(t)
	runNow(t, h.seq.queues.FollowUps, "follow-up:lead-1:1")
	waitFor(t, "step 1 recorded", func() bool { return h.lead(lead.ID).Automation.HasCompleted(StepName(1)) })

	sent := h.email.Sent()
	if len(sent) != 1 || sent[0].CustomArgs["step"] != "1" {
		t.Fatalf("expected step 1 email, got %+v", sent)
	}
	stored := h.lead(lead.ID)
	if stored.Automation.CurrentStep != 1 {
		t.Fatalf("expected step recorded, got %+v", stored.Automation)
	}
	if want := stored.Automation.EnrolledAt.Add(4 * time.Hour); !stored.Automation.NextStepAt.Equal(want) {
		t.Fatalf("next step at %v, want %v", stored.Automation.NextStepAt, want)
	}

	waitForState(t, h.seq.queues.Notifications, smsJobID(lead.ID, StepName(1)), queue.StateCompleted)
	waitForState(t, h.seq.queues.FollowUps, "follow-up:lead-1:1", queue.StateCompleted)
	waitFor(t, "crm tags", func() bool { return len(h.crm.Tags("contact-lead-1")) == 1 })
	if tags := h.crm.Tags("contact-lead-1"); tags[0] != "follow-up-1-sent" {
		t.Fatalf("unexpected crm tags %v", tags)
	}
	if stats, _ := h.seq.queues.FollowUps.Stats(ctx); stats.Delayed != 2 || stats.Completed != 1 {
		t.Fatalf("expected steps 2 and 3 still delayed, got %+v", stats)
	}

	// Redelivery of the same step is a no-op.
	if err := h.seq.processFollowUp(ctx, jobFor(t, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: 1})); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if len(h.email.Sent()) != 1 {
		t.Fatalf("step must not be sent twice")
	}
}

func TestFollowUpGuards(t *testing.T) {
	cases := map[string]func(l *leads.Lead, now time.Time){
		"won": func(l *leads.Lead, now time.Time) { l.Status = leads.StatusWon },
		"lost": func(l *leads.Lead, now time.Time) {
			l.Status = leads.StatusLost
		},
		"opted out": func(l *leads.Lead, now time.Time) { l.Automation.OptedOut = true },
		"contacted recently": func(l *leads.Lead, now time.Time) {
			contacted := now.Add(-3 * time.Hour)
			l.LastContactedAt = &contacted
		},
		"not enrolled": func(l *leads.Lead, now time.Time) { l.Automation.Enrolled = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			lead := testLead("lead-1", leads.UrgencyUrgent)
			lead.Automation.Enrolled = true
			h := newHarness(t)
			mutate(&lead, h.clock.Now())
			_ = h.repo.Create(context.Background(), lead)

			err := h.seq.processFollowUp(context.Background(), jobFor(t, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: 2}))
			if err != nil {
				t.Fatalf("skip must not error: %v", err)
			}
			if len(h.email.Sent()) != 0 {
				t.Fatalf("no email expected")
			}
			stored, _ := h.repo.Snapshot(lead.ID)
			if len(stored.Automation.SkippedSteps) != 1 || stored.Automation.SkippedSteps[0] != StepName(2) {
				t.Fatalf("expected skipped step recorded, got %+v", stored.Automation)
			}
		})
	}
}

func TestFollowUpContactedLongAgoStillSends(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	lead.Automation.Enrolled = true
	h := newHarness(t)
	contacted := h.clock.Now().Add(-5 * time.Hour)
	lead.LastContactedAt = &contacted
	_ = h.repo.Create(context.Background(), lead)

	if err := h.seq.processFollowUp(context.Background(), jobFor(t, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: 2})); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if len(h.email.Sent()) != 1 {
		t.Fatalf("expected follow-up email")
	}
	// Step 2 has no text.
	if stats, _ := h.seq.queues.Notifications.Stats(context.Background()); stats.Waiting != 0 {
		t.Fatalf("step 2 must not queue an sms: %+v", stats)
	}
}

func TestFollowUpEmailErrorPropagates(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	lead.Automation.Enrolled = true
	h := newHarness(t, lead)
	h.email.setErr(errors.New("sendgrid down"))

	err := h.seq.processFollowUp(context.Background(), jobFor(t, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: 1}))
	if err == nil {
		t.Fatalf("expected error to propagate to the queue")
	}
	stored, _ := h.repo.Snapshot(lead.ID)
	if stored.Automation.HasCompleted(StepName(1)) {
		t.Fatalf("failed step must not be recorded")
	}
}

type flakyStepRepo struct {
	*leadstest.MemoryRepository
	mu    sync.Mutex
	fails int
}

func (r *flakyStepRepo) RecordStep(ctx context.Context, id, step string, number int, skipped bool, nextStepAt *time.Time, now time.Time) (bool, error) {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return false, errors.New("mongo: write concern timeout")
	}
	r.mu.Unlock()
	return r.MemoryRepository.RecordStep(ctx, id, step, number, skipped, nextStepAt, now)
}

func TestFollowUpRetryAfterRecordFailureSendsOnce(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	lead.Automation.Enrolled = true
	h := newHarness(t, lead)
	h.seq.repo = &flakyStepRepo{MemoryRepository: h.repo, fails: 1}
	ctx := context.Background()
	job := jobFor(t, JobFollowUp, followUpPayload{LeadID: lead.ID, Step: 1})

	if err := h.seq.processFollowUp(ctx, job); err == nil {
		t.Fatalf("expected record failure to propagate")
	}
	if err := h.seq.processFollowUp(ctx, job); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if sent := h.email.Sent(); len(sent) != 1 {
		t.Fatalf("follow-up email sent %d times", len(sent))
	}
	stats, _ := h.seq.queues.Notifications.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("expected a single queued sms, got %+v", stats)
	}
	stored := h.lead(lead.ID)
	if !stored.Automation.HasCompleted(StepName(1)) {
		t.Fatalf("expected step recorded on retry, got %+v", stored.Automation)
	}
	emails := 0
	for _, c := range stored.Communications {
		if c.Channel == leads.ChannelEmail {
			emails++
			if c.Content != "template: follow_up" {
				t.Fatalf("email content should name the template, got %q", c.Content)
			}
		}
	}
	if emails != 1 {
		t.Fatalf("expected one email communication, got %d", emails)
	}
}

func TestSMSDeferredOutsideWindow(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	// Sunday 8 February 2026, 11:00 London.
	h.clock.Set(time.Date(2026, 2, 8, 11, 0, 0, 0, h.loc))

	err := h.seq.processSMS(context.Background(), jobFor(t, JobSMS, smsPayload{LeadID: lead.ID, Step: stepWelcome, Body: "hi"}))
	var deferred *queue.DeferError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected DeferError, got %v", err)
	}
	if want := time.Date(2026, 2, 9, 8, 0, 0, 0, h.loc); !deferred.Until.Equal(want) {
		t.Fatalf("deferred until %v, want %v", deferred.Until, want)
	}
	if len(h.sms.Texts()) != 0 {
		t.Fatalf("no sms should be sent on a Sunday")
	}
}

func TestSMSDeferredThroughWorkerKeepsAttempts(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()
	// Saturday 7 February 2026, 18:30 London.
	h.clock.Set(time.Date(2026, 2, 7, 18, 30, 0, 0, h.loc))

	if err := h.seq.queueSMS(ctx, lead.ID, stepWelcome, "hello", true); err != nil {
		t.Fatalf("queue sms: %v", err)
	}
	h.startWorkers(t)
	id := smsJobID(lead.ID, stepWelcome)
	job := waitForState(t, h.seq.queues.Notifications, id, queue.StateRetry)
	if job.AttemptsMade != 0 {
		t.Fatalf("expected deferred job with no attempt used, got %+v", job)
	}
	// Monday 08:00 is about 37.5 hours after the deferral.
	if job.RunAt == nil || job.RunAt.Sub(time.Now().Add(37*time.Hour+30*time.Minute)).Abs() > time.Minute {
		t.Fatalf("deferred to %v", job.RunAt)
	}

	h.clock.Set(time.Date(2026, 2, 9, 8, 0, 0, 0, h.loc))
	runNow(t, h.seq.queues.Notifications, id)
	waitForState(t, h.seq.queues.Notifications, id, queue.StateCompleted)
	if len(h.sms.Texts()) != 1 {
		t.Fatalf("expected sms sent once the window opened")
	}
}

func TestWindowThatNeverOpensFailsInsteadOfDeferring(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	h.seq.window = schedule.Window{Location: h.loc}
	ctx := context.Background()

	for name, run := range map[string]func() error{
		"call": func() error { return h.seq.processCall(ctx, jobFor(t, JobCall, leadPayload{LeadID: lead.ID})) },
		"sms": func() error {
			return h.seq.processSMS(ctx, jobFor(t, JobSMS, smsPayload{LeadID: lead.ID, Step: stepWelcome, Body: "hi"}))
		},
	} {
		err := run()
		var deferred *queue.DeferError
		if errors.As(err, &deferred) {
			t.Fatalf("%s: deferred to %v", name, deferred.Until)
		}
		if !errors.Is(err, ErrWindowClosed) {
			t.Fatalf("%s: expected ErrWindowClosed, got %v", name, err)
		}
	}
	if len(h.sms.Calls()) != 0 || len(h.sms.Texts()) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestCallDeferredOutsideCallingHours(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	// Friday 6 February 2026, 20:30 London.
	h.clock.Set(time.Date(2026, 2, 6, 20, 30, 0, 0, h.loc))

	err := h.seq.processCall(context.Background(), jobFor(t, JobCall, leadPayload{LeadID: lead.ID}))
	var deferred *queue.DeferError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected DeferError, got %v", err)
	}
	if want := time.Date(2026, 2, 7, 9, 0, 0, 0, h.loc); !deferred.Until.Equal(want) {
		t.Fatalf("deferred until %v, want %v", deferred.Until, want)
	}
	if len(h.sms.Calls()) != 0 {
		t.Fatalf("no call outside calling hours")
	}
}

func TestSMSSkippedWhenOptedOut(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	lead.Automation.OptedOut = true
	h := newHarness(t, lead)

	if err := h.seq.processSMS(context.Background(), jobFor(t, JobSMS, smsPayload{LeadID: lead.ID, Step: "follow-up-1", Body: "hi"})); err != nil {
		t.Fatalf("sms: %v", err)
	}
	if len(h.sms.Texts()) != 0 {
		t.Fatalf("opted-out lead must not be texted")
	}
}

func TestCRMSyncStoresLinkAndError(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.processCRMSync(ctx, jobFor(t, JobCRMSync, leadPayload{LeadID: lead.ID})); err != nil {
		t.Fatalf("sync: %v", err)
	}
	stored, _ := h.repo.Snapshot(lead.ID)
	if stored.CRM.GHLContactID != "contact-lead-1" || stored.CRM.LastSyncedAt == nil {
		t.Fatalf("unexpected crm link %+v", stored.CRM)
	}

	h.crm.setErr(errors.New("ghl 503"))
	if err := h.seq.processCRMSync(ctx, jobFor(t, JobCRMSync, leadPayload{LeadID: lead.ID})); err == nil {
		t.Fatalf("expected sync error to propagate")
	}
	stored, _ = h.repo.Snapshot(lead.ID)
	if stored.CRM.SyncError != "ghl 503" || stored.CRM.GHLContactID != "contact-lead-1" {
		t.Fatalf("expected sync error stored, got %+v", stored.CRM)
	}
}

func TestJobsForDeletedLeadComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for name, job := range map[string]queue.Job{
		"welcome":   jobFor(t, JobWelcome, leadPayload{LeadID: "gone"}),
		"follow-up": jobFor(t, JobFollowUp, followUpPayload{LeadID: "gone", Step: 1}),
		"crm-sync":  jobFor(t, JobCRMSync, leadPayload{LeadID: "gone"}),
	} {
		var err error
		switch name {
		case "welcome":
			err = h.seq.processWelcome(ctx, job)
		case "follow-up":
			err = h.seq.processFollowUp(ctx, job)
		default:
			err = h.seq.processCRMSync(ctx, job)
		}
		if err != nil {
			t.Fatalf("%s: expected nil for missing lead, got %v", name, err)
		}
	}
}

func TestTrigger(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyPlanning)
	noPhone := testLead("lead-2", leads.UrgencyPlanning)
	noPhone.Phone = ""
	h := newHarness(t, lead, noPhone)
	ctx := context.Background()

	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: noPhone.ID, Action: ActionCall}); !errors.Is(err, ErrNoPhone) {
		t.Fatalf("expected ErrNoPhone, got %v", err)
	}
	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: "missing", Action: ActionWelcome}); !errors.Is(err, leads.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: lead.ID, Action: ActionFollowUp, Step: 4}); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: lead.ID, Action: "dance"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	res, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: lead.ID, Action: ActionFollowUp, Step: 2})
	if err != nil || res.JobID == "" {
		t.Fatalf("trigger follow-up: %+v %v", res, err)
	}
	// Manual follow-ups run now and ignore enrollment.
	h.startWorkers(t)
	waitFor(t, "manual follow-up recorded", func() bool { return h.lead(lead.ID).Automation.HasCompleted(StepName(2)) })
	if len(h.email.Sent()) != 1 {
		t.Fatalf("expected manual follow-up email")
	}

	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: lead.ID, Action: ActionEnroll}); err != nil {
		t.Fatalf("trigger enroll: %v", err)
	}
	if stats, _ := h.seq.queues.FollowUps.Stats(ctx); stats.Delayed != 2 {
		t.Fatalf("expected remaining steps scheduled, got %+v", stats)
	}

	if _, err := h.seq.Trigger(ctx, TriggerRequest{LeadID: lead.ID, Action: ActionCall}); err != nil {
		t.Fatalf("trigger call: %v", err)
	}
	waitFor(t, "call recorded", func() bool { return h.lead(lead.ID).LastContactedAt != nil })
	stored := h.lead(lead.ID)
	last := stored.Communications[len(stored.Communications)-1]
	if last.Channel != leads.ChannelCall || last.ProviderID != "CA1" {
		t.Fatalf("expected call recorded, got %+v", last)
	}
}

func TestTriggerCRMSyncWithoutProvider(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyPlanning)
	h := newHarness(t, lead)
	h.seq.providers.CRM = nil
	if _, err := h.seq.Trigger(context.Background(), TriggerRequest{LeadID: lead.ID, Action: ActionCRMSync}); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestLeadStateAndRetryFailed(t *testing.T) {
	lead := testLead("lead-1", leads.UrgencyUrgent)
	h := newHarness(t, lead)
	ctx := context.Background()

	if err := h.seq.Enroll(ctx, lead); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	report, err := h.seq.LeadState(ctx, lead.ID)
	if err != nil {
		t.Fatalf("lead state: %v", err)
	}
	if len(report.PendingJobs) != 3 || !report.Automation.Enrolled {
		t.Fatalf("unexpected report %+v", report)
	}

	if _, err := h.seq.RetryFailed(ctx, "nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	retried, err := h.seq.RetryFailed(ctx, "")
	if err != nil || len(retried) != 3 {
		t.Fatalf("retry all: %v %v", retried, err)
	}

	status, err := h.seq.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Enabled || !status.Providers.Voice || len(status.Rules) != 4 || !status.SMSWindow {
		t.Fatalf("unexpected status %+v", status)
	}
}
