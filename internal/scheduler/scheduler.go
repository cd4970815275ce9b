// Package scheduler periodically reports deployments that have stayed
// pending or in progress for too long, together with the queue depth.
// It only reports; records are never changed.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/models"
)

// Deployments lists deployments a worker may still drive.
type Deployments interface {
	FindActiveDeployments(ctx context.Context) ([]*models.Deployment, error)
}

// QueueCounter reports the number of jobs per state.
type QueueCounter interface {
	Counts(ctx context.Context) (map[queue.JobState]int64, error)
}

// Stale is a deployment that has not finished within the threshold.
type Stale struct {
	DeploymentID string
	ProjectID    string
	Status       models.DeploymentStatus
	Age          time.Duration
}

// Scheduler runs the stale deployment report on a ticker.
type Scheduler struct {
	deployments Deployments
	counter     QueueCounter
	interval    time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New creates a scheduler. counter may be nil.
func New(deployments Deployments, counter QueueCounter, interval, staleAfter time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Scheduler{
		deployments: deployments,
		counter:     counter,
		interval:    interval,
		staleAfter:  staleAfter,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
	}
}

// Start begins the report loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("Scheduler started", "interval", s.interval, "stale_after", s.staleAfter)

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Evaluate(ctx)
		for {
			select {
			case <-ticker.C:
				s.Evaluate(ctx)
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}(s.stop, s.done)
}

// Stop halts the loop and waits for a running evaluation to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Scheduler stopped")
}

// Evaluate logs and returns the deployments older than the stale threshold.
func (s *Scheduler) Evaluate(ctx context.Context) []Stale {
	if s.counter != nil {
		counts, err := s.counter.Counts(ctx)
		if err != nil {
			s.logger.Warn("Failed to read queue counts", "error", err)
		} else {
			s.logger.Debug("Queue depth",
				"waiting", counts[queue.StateWaiting],
				"active", counts[queue.StateActive],
				"delayed", counts[queue.StateDelayed],
				"failed", counts[queue.StateFailed])
		}
	}

	active, err := s.deployments.FindActiveDeployments(ctx)
	if err != nil {
		s.logger.Error("Failed to list active deployments", "error", err)
		return nil
	}

	now := s.now()
	var stale []Stale
	for _, d := range active {
		since := d.CreatedAt
		if d.StartedAt != nil {
			since = *d.StartedAt
		}
		age := now.Sub(since)
		if age < s.staleAfter {
			continue
		}
		stale = append(stale, Stale{DeploymentID: d.ID, ProjectID: d.ProjectID, Status: d.Status, Age: age})
		s.logger.Warn("Deployment has not finished",
			"deployment_id", d.ID,
			"project_id", d.ProjectID,
			"status", d.Status,
			"age", age.Round(time.Second))
	}
	if len(stale) > 0 {
		s.logger.Info("Stale deployment report", "stale", len(stale), "active", len(active))
	}
	return stale
}
