// Package queue is a durable job queue on Redis.
//
// Jobs live in a hash per job and move between a wait list, an active list
// and a delayed sorted set. A worker leases a job by moving it from wait to
// active and holding a lock key that it renews while the handler runs; a
// job whose lock expires is considered stalled and put back on the wait
// list. Failed attempts are retried with exponential backoff through the
// delayed set until the attempt budget is spent, unless the failure is
// classified as non-retryable. Lifecycle events are published on a pub/sub
// channel per queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes a queue. Zero fields take the defaults from DefaultOptions.
type Options struct {
	// Prefix namespaces every key of the queue
	Prefix string

	// Attempts is the number of times a job is tried before it fails
	Attempts int

	// Backoff is the delay before the first retry; it doubles per attempt
	Backoff time.Duration

	// LockDuration is how long a worker's lease lasts without renewal
	LockDuration time.Duration

	// StalledInterval is how often active jobs are checked for lost leases
	StalledInterval time.Duration

	// MaxStalledCount is how many times a job may stall before it fails
	MaxStalledCount int

	// CompletedRetention is how long completed jobs are kept; 0 keeps them
	CompletedRetention time.Duration

	// PromoteInterval is how often due delayed jobs are moved to wait
	PromoteInterval time.Duration
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		Prefix:             "gdq",
		Attempts:           3,
		Backoff:            2 * time.Second,
		LockDuration:       5 * time.Minute,
		StalledInterval:    30 * time.Second,
		MaxStalledCount:    5,
		CompletedRetention: time.Hour,
		PromoteInterval:    time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Prefix == "" {
		o.Prefix = d.Prefix
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.LockDuration <= 0 {
		o.LockDuration = d.LockDuration
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = d.StalledInterval
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = d.MaxStalledCount
	}
	if o.CompletedRetention < 0 {
		o.CompletedRetention = 0
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = d.PromoteInterval
	}
	return o
}

type keys struct {
	wait, active, delayed, stalled, events, jobPrefix, lockPrefix string
}

func newKeys(prefix, name string) keys {
	base := prefix + ":" + name + ":"
	return keys{
		wait:       base + "wait",
		active:     base + "active",
		delayed:    base + "delayed",
		stalled:    base + "stalled-check",
		events:     base + "events",
		jobPrefix:  base + "job:",
		lockPrefix: base + "lock:",
	}
}

func (k keys) job(id string) string  { return k.jobPrefix + id }
func (k keys) lock(id string) string { return k.lockPrefix + id }

// Queue is a named job queue.
type Queue struct {
	rdb    redis.UniversalClient
	name   string
	opts   Options
	keys   keys
	logger *slog.Logger
	now    func() time.Time
}

// NewClient connects to the Redis server at url (redis://host:port/db).
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// New returns the queue called name on rdb.
func New(rdb redis.UniversalClient, name string, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Queue{
		rdb:    rdb,
		name:   name,
		opts:   opts,
		keys:   newKeys(opts.Prefix, name),
		logger: logger.With("component", "queue", "queue", name),
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add submits a job with the given id. Submitting an id that already exists
// is a no-op and returns added=false, so callers may use a natural key as the
// job id to deduplicate submissions.
func (q *Queue) Add(ctx context.Context, jobID, name string, payload any) (added bool, err error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal job payload: %w", err)
	}

	n, err := addScript.Run(ctx, q.rdb, []string{q.keys.job(jobID), q.keys.wait},
		jobID, name, string(data), q.opts.Attempts, q.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("add job %s: %w", jobID, err)
	}
	if n == 0 {
		q.logger.Info("Job already exists, submission ignored", "job_id", jobID)
		return false, nil
	}

	q.logger.Info("Job added", "job_id", jobID, "name", name)
	q.publish(ctx, Event{Type: EventWaiting, JobID: jobID})
	return true, nil
}

// Get loads a job. It returns nil and no error when the job does not exist.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(q, h), nil
}

// Remove deletes a job that has not started yet. Active and finished jobs
// are left alone and reported as not removed.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, []string{q.keys.job(jobID), q.keys.wait, q.keys.delayed}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", jobID, err)
	}
	switch n {
	case 1:
		q.logger.Info("Job removed", "job_id", jobID)
		q.publish(ctx, Event{Type: EventRemoved, JobID: jobID})
		return true, nil
	case 0:
		q.logger.Info("Job already started, not removed", "job_id", jobID)
	default:
		q.logger.Warn("Job not found", "job_id", jobID)
	}
	return false, nil
}

// Status reports the state and progress of a job, or StateNotFound.
func (q *Queue) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return JobStatus{JobID: jobID}, err
	}
	if job == nil {
		return JobStatus{JobID: jobID, State: StateNotFound}, nil
	}
	progress := job.Progress
	return JobStatus{JobID: jobID, State: job.State, Progress: &progress}, nil
}

// UpdateProgress stores a progress percentage for a job and publishes it.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	n, err := progressScript.Run(ctx, q.rdb, []string{q.keys.job(jobID)}, progress).Int()
	if err != nil {
		return fmt.Errorf("update progress of job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	q.publish(ctx, Event{Type: EventProgress, JobID: jobID, Progress: progress})
	return nil
}

// Counts returns the number of jobs waiting, active and delayed.
func (q *Queue) Counts(ctx context.Context) (map[JobState]int64, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait)
	active := pipe.LLen(ctx, q.keys.active)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return map[JobState]int64{
		StateWaiting: wait.Val(),
		StateActive:  active.Val(),
		StateDelayed: delayed.Val(),
	}, nil
}

// PromoteDelayed moves delayed jobs whose retry time has come to the wait
// list and returns how many were moved.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.keys.delayed, q.keys.wait},
		q.now().UnixMilli(), q.keys.jobPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	if n > 0 {
		q.logger.Debug("Promoted delayed jobs", "count", n)
	}
	return n, nil
}

// CheckStalled re-queues active jobs whose lease has expired. A job must be
// seen without a lock on two consecutive checks before it is moved, which
// leaves room for a worker that has popped a job but not yet locked it.
// Jobs that stall more than MaxStalledCount times fail.
func (q *Queue) CheckStalled(ctx context.Context) error {
	active, err := q.rdb.LRange(ctx, q.keys.active, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	previous, err := q.rdb.SMembers(ctx, q.keys.stalled).Result()
	if err != nil {
		return fmt.Errorf("read stalled candidates: %w", err)
	}
	if err := q.rdb.Del(ctx, q.keys.stalled).Err(); err != nil {
		return fmt.Errorf("reset stalled candidates: %w", err)
	}

	seen := make(map[string]bool, len(previous))
	for _, id := range previous {
		seen[id] = true
	}

	for _, id := range active {
		locked, err := q.rdb.Exists(ctx, q.keys.lock(id)).Result()
		if err != nil {
			return fmt.Errorf("check lock of job %s: %w", id, err)
		}
		if locked == 1 {
			continue
		}
		if !seen[id] {
			q.rdb.SAdd(ctx, q.keys.stalled, id)
			continue
		}

		n, err := stalledScript.Run(ctx, q.rdb,
			[]string{q.keys.active, q.keys.lock(id), q.keys.job(id), q.keys.wait},
			id, q.opts.MaxStalledCount, q.now().UnixMilli()).Int()
		if err != nil {
			return fmt.Errorf("recover stalled job %s: %w", id, err)
		}
		switch n {
		case 1:
			q.logger.Warn("Job stalled, moved back to wait", "job_id", id)
			q.publish(ctx, Event{Type: EventStalled, JobID: id})
		case 2:
			reason := "job stalled more than allowable limit"
			q.logger.Error("Job stalled too many times, failing", "job_id", id)
			q.publish(ctx, Event{Type: EventFailed, JobID: id, FailedReason: reason})
		}
	}
	return nil
}

// backoffFor returns the delay before retrying after the given number of
// failed attempts.
func (q *Queue) backoffFor(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return q.opts.Backoff * time.Duration(1<<(attemptsMade-1))
}
