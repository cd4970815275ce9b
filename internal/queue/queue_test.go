package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/graphdeploy/internal/errdefs"
)

type payload struct {
	DeploymentID string `json:"deploymentId"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "deployments", opts, discardLogger()), mr
}

func fastOptions() Options {
	return Options{
		Attempts:        3,
		Backoff:         10 * time.Millisecond,
		LockDuration:    time.Minute,
		StalledInterval: time.Hour,
		PromoteInterval: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, sub *Subscription, jobID string, want EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if ev.JobID == jobID && ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event on job %s", want, jobID)
		}
	}
}

func startWorker(t *testing.T, q *Queue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(q, h, 2).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAdd_IdempotentByJobID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	added, err := q.Add(ctx, "d1", "deployments", payload{DeploymentID: "d1"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Add(ctx, "d1", "deployments", payload{DeploymentID: "d1"})
	require.NoError(t, err)
	assert.False(t, added)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateWaiting])

	job, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 3, job.Attempts)

	var p payload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "d1", p.DeploymentID)
}

func TestAdd_RequiresID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Add(context.Background(), "", "deployments", payload{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	st, err := q.Status(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, st.State)
	assert.Nil(t, st.Progress)

	_, err = q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)
	require.NoError(t, q.UpdateProgress(ctx, "d1", 40))

	st, err = q.Status(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, st.State)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 40, *st.Progress)

	assert.Error(t, q.UpdateProgress(ctx, "missing", 10))
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	t.Run("waiting job is removed", func(t *testing.T) {
		_, err := q.Add(ctx, "d1", "deployments", payload{})
		require.NoError(t, err)

		removed, err := q.Remove(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, removed)

		st, _ := q.Status(ctx, "d1")
		assert.Equal(t, StateNotFound, st.State)
		counts, _ := q.Counts(ctx)
		assert.Equal(t, int64(0), counts[StateWaiting])
	})

	t.Run("active job is left alone", func(t *testing.T) {
		_, err := q.Add(ctx, "d2", "deployments", payload{})
		require.NoError(t, err)
		require.NoError(t, q.rdb.HSet(ctx, q.keys.job("d2"), "state", string(StateActive)).Err())

		removed, err := q.Remove(ctx, "d2")
		require.NoError(t, err)
		assert.False(t, removed)

		st, _ := q.Status(ctx, "d2")
		assert.Equal(t, StateActive, st.State)
	})

	t.Run("missing job", func(t *testing.T) {
		removed, err := q.Remove(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestWorker_CompletesJob(t *testing.T) {
	q, _ := newTestQueue(t, fastOptions())
	ctx := context.Background()

	sub, err := q.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var seen atomic.Value
	startWorker(t, q, func(ctx context.Context, job *Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		seen.Store(p.DeploymentID)
		return job.UpdateProgress(ctx, 100)
	})

	_, err = q.Add(ctx, "d1", "deployments", payload{DeploymentID: "d1"})
	require.NoError(t, err)

	waitFor(t, sub, "d1", EventCompleted)
	assert.Equal(t, "d1", seen.Load())

	job, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, job, "completed job is retained")
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.FinishedOn)

	counts, _ := q.Counts(ctx)
	assert.Equal(t, int64(0), counts[StateActive])
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	q, _ := newTestQueue(t, fastOptions())
	ctx := context.Background()

	sub, err := q.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var calls atomic.Int32
	startWorker(t, q, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("agent rejected deployment")
	})

	_, err = q.Add(ctx, "d1", "deployments", payload{DeploymentID: "d1"})
	require.NoError(t, err)

	retry := waitFor(t, sub, "d1", EventRetrying)
	assert.Equal(t, 1, retry.AttemptsMade)

	failed := waitFor(t, sub, "d1", EventFailed)
	assert.Equal(t, 3, failed.AttemptsMade)
	assert.Equal(t, "agent rejected deployment", failed.FailedReason)
	assert.Equal(t, int32(3), calls.Load())

	job, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.AttemptsMade)
}

func TestWorker_ValidationFailureIsNotRetried(t *testing.T) {
	q, _ := newTestQueue(t, fastOptions())
	ctx := context.Background()

	sub, err := q.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var calls atomic.Int32
	startWorker(t, q, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errdefs.Validationf("deployment has no target")
	})

	_, err = q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)

	failed := waitFor(t, sub, "d1", EventFailed)
	assert.Equal(t, 1, failed.AttemptsMade)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_RecoversFromHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t, Options{Attempts: 1})
	ctx := context.Background()

	sub, err := q.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	startWorker(t, q, func(ctx context.Context, job *Job) error {
		panic("boom")
	})

	_, err = q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)

	failed := waitFor(t, sub, "d1", EventFailed)
	assert.Contains(t, failed.FailedReason, "boom")
}

func TestPromoteDelayed(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)
	require.NoError(t, q.rdb.LRem(ctx, q.keys.wait, 0, "d1").Err())
	require.NoError(t, q.rdb.HSet(ctx, q.keys.job("d1"), "state", string(StateDelayed)).Err())
	require.NoError(t, q.rdb.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(now.Add(time.Second).UnixMilli()), Member: "d1"}).Err())

	n, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	now = now.Add(2 * time.Second)
	n, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, _ := q.Status(ctx, "d1")
	assert.Equal(t, StateWaiting, st.State)
	counts, _ := q.Counts(ctx)
	assert.Equal(t, int64(1), counts[StateWaiting])
	assert.Equal(t, int64(0), counts[StateDelayed])
}

func TestCheckStalled(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxStalledCount: 1})
	ctx := context.Background()

	_, err := q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)

	// a worker that popped the job and died before finishing it
	crash := func() {
		require.NoError(t, q.rdb.RPopLPush(ctx, q.keys.wait, q.keys.active).Err())
		require.NoError(t, q.rdb.HSet(ctx, q.keys.job("d1"), "state", string(StateActive)).Err())
	}
	crash()

	require.NoError(t, q.CheckStalled(ctx))
	st, _ := q.Status(ctx, "d1")
	assert.Equal(t, StateActive, st.State, "first sighting only marks the job")

	require.NoError(t, q.CheckStalled(ctx))
	st, _ = q.Status(ctx, "d1")
	assert.Equal(t, StateWaiting, st.State)

	crash()
	require.NoError(t, q.CheckStalled(ctx))
	require.NoError(t, q.CheckStalled(ctx))

	job, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "job stalled more than allowable limit", job.FailedReason)
}

func TestCheckStalled_LockedJobIsKept(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "d1", "deployments", payload{})
	require.NoError(t, err)
	require.NoError(t, q.rdb.RPopLPush(ctx, q.keys.wait, q.keys.active).Err())
	require.NoError(t, q.rdb.Set(ctx, q.keys.lock("d1"), "token", time.Minute).Err())

	require.NoError(t, q.CheckStalled(ctx))
	require.NoError(t, q.CheckStalled(ctx))

	counts, _ := q.Counts(ctx)
	assert.Equal(t, int64(1), counts[StateActive])
}

func TestBackoffFor(t *testing.T) {
	q, _ := newTestQueue(t, Options{Backoff: 2 * time.Second})
	assert.Equal(t, 2*time.Second, q.backoffFor(1))
	assert.Equal(t, 4*time.Second, q.backoffFor(2))
	assert.Equal(t, 8*time.Second, q.backoffFor(3))
}

func TestRegistry(t *testing.T) {
	r := Registry{}
	r.Register("deployments", func(context.Context, *Job) error { return nil })
	assert.Len(t, r, 1)
	assert.Error(t, RunWorkers(context.Background(), nil, Registry{}, Options{}, 1, discardLogger()))
}
