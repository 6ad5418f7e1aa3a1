package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tradefinance-backend/internal/metrics"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/queue"
)

const (
	StaleSweepSpec  = "0 * * * *"
	DigestSpec      = "0 8 * * *"
	MaintenanceSpec = "30 2 * * *"

	staleAfter      = 24 * time.Hour
	staleBatch      = 100
	staleTag        = "stale"
	keepCompleted   = 7 * 24 * time.Hour
	keepFailed      = 30 * 24 * time.Hour
	cronTaskTimeout = 5 * time.Minute
)

// DigestSource builds the reporting figures for the daily digest.
type DigestSource interface {
	DailyDigest(ctx context.Context, now time.Time) (notifications.Digest, error)
}

type Cron struct {
	seq    *Sequencer
	digest DigestSource
	log    *slog.Logger
}

func NewCron(seq *Sequencer, digest DigestSource, log *slog.Logger) *Cron {
	return &Cron{
		seq:    seq,
		digest: digest,
		log:    log.With(slog.String("component", "cron")),
	}
}

type cronTask struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

func (c *Cron) tasks() []cronTask {
	return []cronTask{
		{name: "stale-sweep", spec: StaleSweepSpec, run: func(ctx context.Context) error {
			_, err := c.SweepStale(ctx)
			return err
		}},
		{name: "daily-digest", spec: DigestSpec, run: c.SendDigest},
		{name: "queue-maintenance", spec: MaintenanceSpec, run: c.MaintainQueues},
	}
}

// Serve runs the schedule in the sequencer's location until ctx is
// cancelled, then waits for running tasks to return.
func (c *Cron) Serve(ctx context.Context) error {
	logger := cronLogger{log: c.log}
	sched := cron.New(
		cron.WithLocation(c.seq.settings.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, task := range c.tasks() {
		if _, err := sched.AddFunc(task.spec, func() { c.runTask(ctx, task) }); err != nil {
			return fmt.Errorf("schedule %s: %w", task.name, err)
		}
	}

	sched.Start()
	c.log.Info("cron: started", slog.Int("tasks", len(sched.Entries())))
	<-ctx.Done()
	<-sched.Stop().Done()
	c.log.Info("cron: stopped")
	return ctx.Err()
}

func (c *Cron) runTask(ctx context.Context, task cronTask) {
	taskCtx, cancel := context.WithTimeout(ctx, cronTaskTimeout)
	defer cancel()

	start := time.Now()
	if err := task.run(taskCtx); err != nil {
		metrics.CronRuns.WithLabelValues(task.name, "error").Inc()
		c.log.Error("cron task: failed", slog.String("task", task.name), slog.String("error", err.Error()))
		return
	}
	metrics.CronRuns.WithLabelValues(task.name, "ok").Inc()
	c.log.Info("cron task: done", slog.String("task", task.name), slog.Duration("took", time.Since(start)))
}

// SweepStale alerts the team about new leads nobody has contacted within a
// day and tags them stale so they are reported once.
func (c *Cron) SweepStale(ctx context.Context) (int, error) {
	s := c.seq
	now := s.now()
	stale, err := s.repo.ListStale(ctx, now.Add(-staleAfter), staleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale leads: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if s.providers.Email != nil && s.settings.TeamEmail != "" {
		email, err := notifications.StaleLeadsEmail(stale, s.settings.TeamEmail, s.settings.SiteURL)
		if err != nil {
			return 0, err
		}
		if _, err := s.providers.Email.Send(ctx, email); err != nil {
			return 0, fmt.Errorf("stale alert email: %w", err)
		}
	}

	ids := make([]string, 0, len(stale))
	for _, lead := range stale {
		ids = append(ids, lead.ID)
	}
	if _, err := s.repo.AddTags(ctx, ids, []string{staleTag}, now); err != nil {
		return 0, fmt.Errorf("tag stale leads: %w", err)
	}
	if s.providers.CRM != nil {
		for _, id := range ids {
			payload := tagsPayload{LeadID: id, Tags: []string{staleTag}}
			if err := s.add(ctx, s.queues.CRM, JobCRMTags, payload, withID(crmJob, "crm-tags:"+id+":"+staleTag, 0)); err != nil {
				return 0, err
			}
		}
	}
	c.log.Info("cron stale-sweep: flagged leads", slog.Int("count", len(ids)))
	return len(ids), nil
}

func (c *Cron) SendDigest(ctx context.Context) error {
	s := c.seq
	if c.digest == nil || s.providers.Email == nil || s.settings.TeamEmail == "" {
		c.log.Debug("cron digest: disabled")
		return nil
	}
	now := s.now().In(s.settings.Location)
	digest, err := c.digest.DailyDigest(ctx, now)
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		return err
	}
	for _, st := range stats {
		digest.FailedJobs += st.Failed
	}
	digest.Date = now
	digest.SiteURL = s.settings.SiteURL

	email, err := notifications.DigestEmail(digest, s.settings.TeamEmail)
	if err != nil {
		return err
	}
	if _, err := s.providers.Email.Send(ctx, email); err != nil {
		return fmt.Errorf("digest email: %w", err)
	}
	return nil
}

// MaintainQueues trims old completed and failed jobs.
func (c *Cron) MaintainQueues(ctx context.Context) error {
	var errs []error
	for _, q := range c.seq.queues.All() {
		completed, err := q.Clean(ctx, queue.StateCompleted, keepCompleted)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s clean completed: %w", q.Name(), err))
		}
		failed, err := q.Clean(ctx, queue.StateFailed, keepFailed)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s clean failed: %w", q.Name(), err))
		}
		c.log.Info("cron maintenance: queue cleaned",
			slog.String("queue", q.Name()),
			slog.Int("completed_removed", completed),
			slog.Int("failed_removed", failed),
		)
	}
	return errors.Join(errs...)
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
