package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"tradefinance-backend/internal/metrics"
)

// Processor runs one job. A returned error consumes an attempt.
type Processor func(ctx context.Context, job Job) error

// DeferError asks the worker to reschedule the job at Until without
// consuming an attempt.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// ShutdownTimeout bounds how long running jobs get to finish on stop.
	ShutdownTimeout time.Duration
}

type Worker struct {
	queue      *Queue
	log        *slog.Logger
	opts       WorkerOptions
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewWorker(q *Queue, opts WorkerOptions, log *slog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 8 * time.Second
	}
	return &Worker{
		queue:      q,
		log:        log.With(slog.String("queue", q.Name())),
		opts:       opts,
		processors: make(map[string]Processor),
	}
}

// Handle registers the processor for jobs with the given name.
func (w *Worker) Handle(name string, p Processor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processors[name] = p
}

func (w *Worker) processor(name string) (Processor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.processors[name]
	return p, ok
}

func (w *Worker) String() string {
	return "queue-worker:" + w.queue.Name()
}

// Serve runs an asynq server for the queue until ctx is cancelled. A
// server cannot be restarted after shutdown, so every call builds a new
// one.
func (w *Worker) Serve(ctx context.Context) error {
	srv := asynq.NewServerFromRedisClient(w.queue.rdb, asynq.Config{
		Concurrency:              w.opts.Concurrency,
		Queues:                   map[string]int{w.queue.qname: 1},
		TaskCheckInterval:        w.opts.PollInterval,
		DelayedTaskCheckInterval: w.opts.PollInterval,
		RetryDelayFunc:           w.retryDelay,
		IsFailure:                isFailure,
		ShutdownTimeout:          w.opts.ShutdownTimeout,
		Logger:                   asynqLogger{log: w.log},
		LogLevel:                 asynq.WarnLevel,
	})
	if err := srv.Start(asynq.HandlerFunc(w.ProcessTask)); err != nil {
		return fmt.Errorf("start %s worker: %w", w.queue.Name(), err)
	}
	w.log.Info("queue worker: started", slog.Int("concurrency", w.opts.Concurrency))

	<-ctx.Done()
	srv.Shutdown()
	w.log.Info("queue worker: stopped")
	return ctx.Err()
}

// ProcessTask adapts an asynq task to a Processor call.
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	job, err := w.jobFromTask(ctx, task)
	log := w.log.With(slog.String("job_id", job.ID), slog.String("job", job.Name))
	labels := []string{w.queue.Name(), job.Name}
	if err != nil {
		metrics.JobsFailed.WithLabelValues(labels...).Inc()
		log.Error("queue job: bad envelope", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}

	p, ok := w.processor(job.Name)
	if !ok {
		metrics.JobsFailed.WithLabelValues(labels...).Inc()
		log.Error("queue job: no processor")
		return fmt.Errorf("%w: no processor for job %q", asynq.SkipRetry, job.Name)
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	err = runProcessor(jobCtx, p, job)
	cancel()
	metrics.JobDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

	var deferred *DeferError
	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues(labels...).Inc()
		log.Info("queue job: completed", slog.Int("attempt", job.AttemptsMade+1))
		return nil
	case errors.As(err, &deferred):
		log.Info("queue job: deferred", slog.Time("until", deferred.Until), slog.String("reason", deferred.Reason))
		return err
	case job.AttemptsMade+1 >= job.Attempts:
		metrics.JobsFailed.WithLabelValues(labels...).Inc()
		log.Error("queue job: failed",
			slog.Int("attempts", job.AttemptsMade+1),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	default:
		metrics.JobsRetried.WithLabelValues(labels...).Inc()
		log.Warn("queue job: retrying",
			slog.Int("attempt", job.AttemptsMade+1),
			slog.Int("max_attempts", job.Attempts),
			slog.String("error", err.Error()),
		)
		return err
	}
}

func (w *Worker) jobFromTask(ctx context.Context, task *asynq.Task) (Job, error) {
	job := Job{Queue: w.queue.Name(), Name: task.Type()}
	job.ID, _ = asynq.GetTaskID(ctx)
	job.AttemptsMade, _ = asynq.GetRetryCount(ctx)

	var env envelope
	if err := json.Unmarshal(task.Payload(), &env); err != nil {
		return job, fmt.Errorf("decode envelope: %w", err)
	}
	job.Payload = env.Payload
	job.Attempts = env.Attempts
	job.Backoff = env.Backoff
	job.CreatedAt = env.CreatedAt
	job.State = StateActive
	if job.Attempts <= 0 {
		job.Attempts = defaultAttempts
	}
	return job, nil
}

// retryDelay schedules deferred jobs at their requested time and failed
// jobs with the backoff stored in their envelope. n counts earlier failed
// attempts.
func (w *Worker) retryDelay(n int, e error, task *asynq.Task) time.Duration {
	var deferred *DeferError
	if errors.As(e, &deferred) {
		if d := deferred.Until.Sub(w.queue.now()); d > 0 {
			return d
		}
		return 0
	}
	var env envelope
	if err := json.Unmarshal(task.Payload(), &env); err != nil {
		return asynq.DefaultRetryDelayFunc(n, e, task)
	}
	return env.Backoff.Next(n + 1)
}

// isFailure keeps deferrals from counting against the retry budget.
func isFailure(err error) bool {
	var deferred *DeferError
	return err != nil && !errors.As(err, &deferred)
}

func runProcessor(ctx context.Context, p Processor, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, job)
}

type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug("asynq: " + fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info("asynq: " + fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn("asynq: " + fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error("asynq: " + fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error("asynq: fatal: " + fmt.Sprint(args...))
	os.Exit(1)
}
