// Package reconcile corrects deployment records from queue lifecycle events.
//
// The worker writes a deployment's final status itself. The listener covers
// the cases where that write never happens: a worker that dies between
// catching an error and recording it, or a job that finishes while the
// record is still in progress because the agent could not report status.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/storage"
	"evalgo.org/graphdeploy/models"
)

// Jobs looks up queue jobs and streams their lifecycle events.
type Jobs interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Subscribe(ctx context.Context) (*queue.Subscription, error)
}

// Repository is the slice of the deployment store the listener uses.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Deployment, error)
	Patch(ctx context.Context, id string, patch storage.DeploymentPatch) (*models.Deployment, error)
}

// Listener applies failed and completed job events to deployment records.
type Listener struct {
	jobs   Jobs
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewListener creates a listener.
func NewListener(jobs Jobs, repo Repository, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		jobs:   jobs,
		repo:   repo,
		logger: logger.With("component", "reconcile"),
		now:    time.Now,
	}
}

// Run subscribes to the queue and handles events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.jobs.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	l.logger.Info("Deployment queue events listener started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Deployment queue events listener stopped")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			l.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one event. Events other than failed and completed are
// ignored.
func (l *Listener) HandleEvent(ctx context.Context, ev queue.Event) {
	switch ev.Type {
	case queue.EventFailed:
		l.handleFailed(ctx, ev.JobID, ev.FailedReason)
	case queue.EventCompleted:
		l.handleCompleted(ctx, ev.JobID)
	}
}

func (l *Listener) deploymentID(ctx context.Context, jobID string) (string, bool) {
	job, err := l.jobs.Get(ctx, jobID)
	if err != nil {
		l.logger.Error("Failed to load job", "job_id", jobID, "error", err)
		return "", false
	}
	if job == nil {
		return "", false
	}
	var payload models.DeploymentJob
	if err := job.Decode(&payload); err != nil {
		l.logger.Error("Failed to decode job payload", "job_id", jobID, "error", err)
		return "", false
	}
	if payload.DeploymentID == "" {
		return jobID, true
	}
	return payload.DeploymentID, true
}

func (l *Listener) handleFailed(ctx context.Context, jobID, reason string) {
	deploymentID, ok := l.deploymentID(ctx, jobID)
	if !ok {
		return
	}

	completed := l.now().UTC()
	_, err := l.repo.Patch(ctx, deploymentID, storage.StatusPatch(models.DeploymentStatusFailed, &completed))
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			l.logger.Error("Failed to handle deployment job failure", "job_id", jobID, "deployment_id", deploymentID, "error", err)
		}
		return
	}

	if reason == "" {
		reason = "unknown"
	}
	l.logger.Warn("Deployment job failed", "job_id", jobID, "deployment_id", deploymentID, "reason", reason)
}

func (l *Listener) handleCompleted(ctx context.Context, jobID string) {
	deploymentID, ok := l.deploymentID(ctx, jobID)
	if !ok {
		return
	}

	d, err := l.repo.Get(ctx, deploymentID)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			l.logger.Error("Failed to handle deployment job completion", "job_id", jobID, "deployment_id", deploymentID, "error", err)
		}
		return
	}

	if d.Status.IsActive() {
		completed := l.now().UTC()
		if _, err := l.repo.Patch(ctx, deploymentID, storage.StatusPatch(models.DeploymentStatusSuccess, &completed)); err != nil {
			l.logger.Error("Failed to mark deployment successful", "job_id", jobID, "deployment_id", deploymentID, "error", err)
			return
		}
	}

	l.logger.Info("Deployment job completed", "job_id", jobID, "deployment_id", deploymentID, "status", d.Status)
}
