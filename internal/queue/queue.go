// Package queue runs named job queues on asynq. A Queue enqueues and
// inspects jobs; a Worker processes one queue. Every job carries its own
// attempt budget and backoff in an envelope around the caller's payload.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateRetry     = "retry"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	defaultAttempts     = 3
	defaultBackoffDelay = 30 * time.Second
	defaultRetention    = 7 * 24 * time.Hour
	listPage            = 100
)

var (
	ErrDuplicateJob = errors.New("job already pending")
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
)

type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait before the retry that follows attemptsMade failures.
func (b Backoff) Next(attemptsMade int) time.Duration {
	delay := b.Delay
	if delay <= 0 {
		delay = defaultBackoffDelay
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return delay
	}
	factor := math.Pow(2, float64(attemptsMade-1))
	return time.Duration(float64(delay) * factor)
}

type JobOptions struct {
	// JobID makes Add idempotent while a job with the same ID is pending.
	JobID    string
	Delay    time.Duration
	Attempts int
	Backoff  Backoff
}

// envelope is the task payload stored in Redis.
type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Backoff   Backoff         `json:"backoff"`
	CreatedAt time.Time       `json:"created_at"`
}

type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Backoff      Backoff         `json:"backoff"`
	CreatedAt    time.Time       `json:"created_at"`
	RunAt        *time.Time      `json:"run_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	State        string          `json:"state,omitempty"`
}

func (j Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Retry     int64 `json:"retry"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Option func(*Queue)

// WithClock sets the clock used to stamp jobs and to turn a deferral time
// into a delay.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetention sets how long completed jobs stay inspectable.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

type Queue struct {
	rdb       redis.UniversalClient
	client    *asynq.Client
	inspector *asynq.Inspector
	name      string
	qname     string
	now       func() time.Time
	retention time.Duration
}

// New returns the queue name under prefix. The Redis client stays owned by
// the caller.
func New(rdb redis.UniversalClient, prefix, name string, opts ...Option) *Queue {
	q := &Queue{
		rdb:       rdb,
		client:    asynq.NewClientFromRedisClient(rdb),
		inspector: asynq.NewInspectorFromRedisClient(rdb),
		name:      name,
		qname:     prefix + ":" + name,
		now:       time.Now,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a job to run after opts.Delay. When opts.JobID names a job
// that is still waiting, delayed, retrying or running, Add returns
// ErrDuplicateJob; a completed or failed job with that ID is replaced.
func (q *Queue) Add(ctx context.Context, name string, payload interface{}, opts JobOptions) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode payload: %w", err)
	}
	env := envelope{
		Payload:   raw,
		Attempts:  opts.Attempts,
		Backoff:   opts.Backoff,
		CreatedAt: q.now(),
	}
	if env.Attempts <= 0 {
		env.Attempts = defaultAttempts
	}
	if env.Backoff.Type == "" {
		env.Backoff.Type = BackoffExponential
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Job{}, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	task := asynq.NewTask(name, body)
	info, err := q.enqueue(ctx, task, id, env.Attempts, opts.Delay)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		replaced, rerr := q.replaceFinished(id)
		if rerr != nil {
			return Job{}, rerr
		}
		if !replaced {
			return Job{}, ErrDuplicateJob
		}
		info, err = q.enqueue(ctx, task, id, env.Attempts, opts.Delay)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return Job{}, ErrDuplicateJob
		}
	}
	if err != nil {
		return Job{}, err
	}
	return q.jobFromInfo(info), nil
}

// enqueue reserves one retry beyond the job's attempts so that a job on its
// last attempt can still be deferred; the worker archives a job itself once
// its attempts are spent.
func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, id string, attempts int, delay time.Duration) (*asynq.TaskInfo, error) {
	opts := []asynq.Option{
		asynq.Queue(q.qname),
		asynq.TaskID(id),
		asynq.MaxRetry(attempts),
		asynq.Retention(q.retention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return q.client.EnqueueContext(ctx, task, opts...)
}

func (q *Queue) replaceFinished(id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.qname, id)
	if isNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if info.State != asynq.TaskStateCompleted && info.State != asynq.TaskStateArchived {
		return false, nil
	}
	if err := q.inspector.DeleteTask(q.qname, id); err != nil && !isNotFound(err) {
		return false, err
	}
	return true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	info, err := q.inspector.GetTaskInfo(q.qname, id)
	if isNotFound(err) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return q.jobFromInfo(info), nil
}

// List returns up to limit jobs in state. asynq pages by page number, so
// offset is rounded down to a multiple of limit.
func (q *Queue) List(ctx context.Context, state string, offset, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	list, err := q.lister(state)
	if err != nil {
		return nil, err
	}
	page := int(offset/limit) + 1
	infos, err := list(q.qname, asynq.PageSize(int(limit)), asynq.Page(page))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return []Job{}, nil
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(infos))
	for _, info := range infos {
		jobs = append(jobs, q.jobFromInfo(info))
	}
	return jobs, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (q *Queue) lister(state string) (listFunc, error) {
	switch state {
	case StateWaiting:
		return q.inspector.ListPendingTasks, nil
	case StateDelayed:
		return q.inspector.ListScheduledTasks, nil
	case StateRetry:
		return q.inspector.ListRetryTasks, nil
	case StateActive:
		return q.inspector.ListActiveTasks, nil
	case StateCompleted:
		return q.inspector.ListCompletedTasks, nil
	case StateFailed:
		return q.inspector.ListArchivedTasks, nil
	default:
		return nil, ErrInvalidState
	}
}

// Stats reports zero counts for a queue nothing has been added to yet.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	// GetQueueInfo does not wrap ErrQueueNotFound, so check registration
	// first.
	names, err := q.inspector.Queues()
	if err != nil {
		return Stats{}, err
	}
	if !slices.Contains(names, q.qname) {
		return Stats{}, nil
	}
	info, err := q.inspector.GetQueueInfo(q.qname)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   int64(info.Pending),
		Delayed:   int64(info.Scheduled),
		Retry:     int64(info.Retry),
		Active:    int64(info.Active),
		Completed: int64(info.Completed),
		Failed:    int64(info.Archived),
	}, nil
}

// Remove deletes a job that is not currently running. It reports whether a
// job was removed.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.qname, id)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.State == asynq.TaskStateActive {
		return false, nil
	}
	err = q.inspector.DeleteTask(q.qname, id)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// RunNow moves a delayed, retrying or failed job to the front of the
// queue without touching its attempt count.
func (q *Queue) RunNow(ctx context.Context, id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.qname, id)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStatePending:
		return true, nil
	case asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateArchived:
	default:
		return false, nil
	}
	err = q.inspector.RunTask(q.qname, id)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Retry re-enqueues a failed job under the same ID with a fresh attempt
// budget.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.qname, id)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.State != asynq.TaskStateArchived {
		return false, nil
	}
	if err := q.inspector.DeleteTask(q.qname, id); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(info.Type, info.Payload),
		asynq.Queue(q.qname),
		asynq.TaskID(info.ID),
		asynq.MaxRetry(info.MaxRetry),
		asynq.Retention(q.retention),
	)
	if err != nil {
		return false, fmt.Errorf("re-enqueue %s: %w", id, err)
	}
	return true, nil
}

// RetryFailed retries every failed job.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	retried := 0
	for ctx.Err() == nil {
		infos, err := q.inspector.ListArchivedTasks(q.qname, asynq.PageSize(listPage), asynq.Page(1))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return retried, nil
		}
		if err != nil {
			return retried, err
		}
		progress := 0
		for _, info := range infos {
			ok, err := q.Retry(ctx, info.ID)
			if err != nil {
				return retried, err
			}
			if ok {
				progress++
			}
		}
		retried += progress
		if len(infos) < listPage || progress == 0 {
			return retried, nil
		}
	}
	return retried, ctx.Err()
}

// Clean removes completed or failed jobs that finished more than olderThan
// ago.
func (q *Queue) Clean(ctx context.Context, state string, olderThan time.Duration) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, ErrInvalidState
	}
	list, _ := q.lister(state)
	cutoff := q.now().Add(-olderThan)

	var ids []string
	for page := 1; ctx.Err() == nil; page++ {
		infos, err := list(q.qname, asynq.PageSize(listPage), asynq.Page(page))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			break
		}
		if err != nil {
			return 0, err
		}
		for _, info := range infos {
			finished := info.CompletedAt
			if state == StateFailed {
				finished = info.LastFailedAt
			}
			if !finished.IsZero() && finished.Before(cutoff) {
				ids = append(ids, info.ID)
			}
		}
		if len(infos) < listPage {
			break
		}
	}

	removed := 0
	for _, id := range ids {
		err := q.inspector.DeleteTask(q.qname, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, ctx.Err()
}

func (q *Queue) jobFromInfo(info *asynq.TaskInfo) Job {
	job := Job{
		ID:           info.ID,
		Queue:        q.name,
		Name:         info.Type,
		AttemptsMade: info.Retried,
		FailedReason: info.LastErr,
		State:        stateName(info.State),
	}
	var env envelope
	if err := json.Unmarshal(info.Payload, &env); err == nil {
		job.Payload = env.Payload
		job.Attempts = env.Attempts
		job.Backoff = env.Backoff
		job.CreatedAt = env.CreatedAt
	} else {
		job.Payload = info.Payload
		job.Attempts = info.MaxRetry
	}
	if !info.NextProcessAt.IsZero() {
		at := info.NextProcessAt
		job.RunAt = &at
	}
	switch {
	case !info.CompletedAt.IsZero():
		at := info.CompletedAt
		job.FinishedAt = &at
	case info.State == asynq.TaskStateArchived && !info.LastFailedAt.IsZero():
		at := info.LastFailedAt
		job.FinishedAt = &at
	}
	return job
}

func stateName(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStatePending:
		return StateWaiting
	case asynq.TaskStateScheduled:
		return StateDelayed
	case asynq.TaskStateRetry:
		return StateRetry
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateFailed
	default:
		return s.String()
	}
}
