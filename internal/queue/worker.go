package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"evalgo.org/graphdeploy/internal/errdefs"
)

// Handler processes one job. A returned error fails the attempt; it is
// retried while attempts remain unless errdefs.Retryable reports false.
type Handler func(ctx context.Context, job *Job) error

// Registry maps queue names to their handlers. It is built once at startup
// and handed to RunWorkers.
type Registry map[string]Handler

// Register adds the handler for a queue, replacing any previous one.
func (r Registry) Register(queueName string, h Handler) {
	r[queueName] = h
}

// Worker consumes jobs from one queue.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewWorker creates a worker running up to concurrency jobs at once.
func NewWorker(q *Queue, h Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		handler:     h,
		concurrency: concurrency,
		pollTimeout: time.Second,
		logger:      q.logger.With("component", "worker"),
	}
}

// Run consumes jobs until ctx is cancelled, then waits for the jobs in
// flight to finish. Handlers run on a context that outlives ctx so that a
// shutdown does not fail the attempt they are working on.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.every(ctx, w.queue.opts.PromoteInterval, func() {
			if _, err := w.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Promote delayed jobs failed", "error", err)
			}
		})
	}()
	go func() {
		defer wg.Done()
		w.every(ctx, w.queue.opts.StalledInterval, func() {
			if err := w.queue.CheckStalled(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Stalled job check failed", "error", err)
			}
		})
	}()

	slots := make(chan struct{}, w.concurrency)
	jobCtx := context.WithoutCancel(ctx)

loop:
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		id, err := w.queue.rdb.BRPopLPush(ctx, w.queue.keys.wait, w.queue.keys.active, w.pollTimeout).Result()
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				break loop
			}
			if !errors.Is(err, redis.Nil) {
				w.logger.Error("Fetching next job failed", "error", err)
				sleep(ctx, time.Second)
			}
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-slots }()
			w.process(jobCtx, id)
		}(id)
	}

	wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) process(ctx context.Context, id string) {
	q := w.queue
	token := uuid.NewString()
	lockMs := q.opts.LockDuration.Milliseconds()

	started, err := startScript.Run(ctx, q.rdb, []string{q.keys.job(id), q.keys.lock(id)},
		token, lockMs, q.now().UnixMilli()).Int()
	if err != nil {
		w.logger.Error("Failed to lock job", "job_id", id, "error", err)
		return
	}
	if started == 0 {
		// removed between pop and lock
		q.rdb.LRem(ctx, q.keys.active, 0, id)
		return
	}

	job, err := q.Get(ctx, id)
	if err != nil || job == nil {
		w.logger.Error("Failed to load job", "job_id", id, "error", err)
		return
	}

	logger := w.logger.With("job_id", id, "attempt", job.AttemptsMade+1)
	logger.Info("Processing job", "name", job.Name)
	q.publish(ctx, Event{Type: EventActive, JobID: id, AttemptsMade: job.AttemptsMade})

	stopRenew := w.renewLock(ctx, id, token)
	herr := w.run(ctx, job)
	stopRenew()

	if herr == nil {
		w.complete(ctx, logger, job, token)
		return
	}
	w.fail(ctx, logger, job, token, herr)
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, job *Job, token string) {
	q := w.queue
	n, err := completeScript.Run(ctx, q.rdb, []string{q.keys.job(job.ID), q.keys.active, q.keys.lock(job.ID)},
		job.ID, token, q.now().UnixMilli(), q.opts.CompletedRetention.Milliseconds()).Int()
	if err != nil {
		logger.Error("Failed to complete job", "error", err)
		return
	}
	if n < 0 {
		logger.Warn("Lost job lock before completion")
		return
	}
	logger.Info("Job completed")
	q.publish(ctx, Event{Type: EventCompleted, JobID: job.ID, AttemptsMade: job.AttemptsMade})
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *Job, token string, herr error) {
	q := w.queue
	attemptsMade := job.AttemptsMade + 1
	reason := herr.Error()
	jobKeys := []string{q.keys.job(job.ID), q.keys.active, q.keys.lock(job.ID)}

	if errdefs.Retryable(herr) && attemptsMade < job.Attempts {
		delay := q.backoffFor(attemptsMade)
		due := q.now().Add(delay).UnixMilli()
		n, err := retryScript.Run(ctx, q.rdb, append(jobKeys, q.keys.delayed),
			job.ID, token, due, reason, attemptsMade).Int()
		if err != nil {
			logger.Error("Failed to schedule retry", "error", err)
			return
		}
		if n < 0 {
			logger.Warn("Lost job lock before retry")
			return
		}
		logger.Warn("Job attempt failed, retrying", "error", herr, "attempts_made", attemptsMade, "delay", delay)
		q.publish(ctx, Event{Type: EventRetrying, JobID: job.ID, AttemptsMade: attemptsMade, FailedReason: reason})
		return
	}

	n, err := failScript.Run(ctx, q.rdb, jobKeys, job.ID, token, q.now().UnixMilli(), reason, attemptsMade).Int()
	if err != nil {
		logger.Error("Failed to mark job failed", "error", err)
		return
	}
	if n < 0 {
		logger.Warn("Lost job lock before failure")
		return
	}
	logger.Error("Job failed", "error", herr, "attempts_made", attemptsMade, "kind", errdefs.KindOf(herr).String())
	q.publish(ctx, Event{Type: EventFailed, JobID: job.ID, AttemptsMade: attemptsMade, FailedReason: reason})
}

func (w *Worker) renewLock(ctx context.Context, id, token string) (stop func()) {
	q := w.queue
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.every(ctx, q.opts.LockDuration/2, func() {
			n, err := extendLockScript.Run(ctx, q.rdb, []string{q.keys.lock(id)}, token, q.opts.LockDuration.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Failed to renew job lock", "job_id", id, "error", err)
			} else if err == nil && n == 0 {
				w.logger.Warn("Job lock lost", "job_id", id)
			}
		})
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunWorkers starts one worker per registry entry on rdb and blocks until ctx
// is cancelled and every worker has drained.
func RunWorkers(ctx context.Context, rdb redis.UniversalClient, registry Registry, opts Options, concurrency int, logger *slog.Logger) error {
	if len(registry) == 0 {
		return errors.New("no queue handlers registered")
	}
	var wg sync.WaitGroup
	for name, h := range registry {
		w := NewWorker(New(rdb, name, opts, logger), h, concurrency)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
	return nil
}
