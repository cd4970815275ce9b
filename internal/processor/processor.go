// Package processor runs deployment jobs: it hands the manifest to the
// remote agent and follows the agent's status reports until the deployment
// finishes or the polling deadline passes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"evalgo.org/graphdeploy/internal/agents"
	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/storage"
	"evalgo.org/graphdeploy/models"
)

// Repository is the slice of the deployment store the processor writes.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Deployment, error)
	Patch(ctx context.Context, id string, patch storage.DeploymentPatch) (*models.Deployment, error)
}

// ProgressReporter records job progress in the queue.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, progress int) error
}

// PollOptions is the status polling schedule.
type PollOptions struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Timeout    time.Duration
}

// DefaultPollOptions polls after 2s, growing by half each time up to 15s,
// for at most five minutes.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Initial:    2 * time.Second,
		Multiplier: 1.5,
		Max:        15 * time.Second,
		Timeout:    5 * time.Minute,
	}
}

// Processor executes deployment jobs.
type Processor struct {
	repo   Repository
	agents agents.Client
	poll   PollOptions
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a processor.
func New(repo Repository, client agents.Client, poll PollOptions, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultPollOptions()
	if poll.Initial <= 0 {
		poll.Initial = d.Initial
	}
	if poll.Multiplier < 1 {
		poll.Multiplier = d.Multiplier
	}
	if poll.Max <= 0 {
		poll.Max = d.Max
	}
	if poll.Timeout <= 0 {
		poll.Timeout = d.Timeout
	}
	return &Processor{
		repo:   repo,
		agents: client,
		poll:   poll,
		logger: logger.With("component", "processor"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Handle is the queue handler for deployment jobs.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload models.DeploymentJob
	if err := job.Decode(&payload); err != nil {
		return errdefs.Validation(err)
	}
	if payload.DeploymentID == "" {
		payload.DeploymentID = job.ID
	}
	return p.Process(ctx, payload, job)
}

// Process runs one attempt of a deployment job. Any failure after the
// deployment has been marked in progress also marks it failed before the
// error is returned, so the queue can decide whether to try again.
func (p *Processor) Process(ctx context.Context, job models.DeploymentJob, progress ProgressReporter) error {
	logger := p.logger.With("deployment_id", job.DeploymentID)
	logger.Info("Processing deployment", "project_id", job.ProjectID)

	started := p.now().UTC()
	inProgress := models.DeploymentStatusInProgress
	if _, err := p.repo.Patch(ctx, job.DeploymentID, storage.DeploymentPatch{Status: &inProgress, StartedAt: &started}); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return errdefs.Validation(fmt.Errorf("deployment %s no longer exists: %w", job.DeploymentID, err))
		}
		return fmt.Errorf("mark deployment in progress: %w", err)
	}

	if err := p.deploy(ctx, logger, job, progress); err != nil {
		logger.Error("Deployment failed", "error", err, "kind", errdefs.KindOf(err).String())
		completed := p.now().UTC()
		if _, perr := p.repo.Patch(ctx, job.DeploymentID, storage.StatusPatch(models.DeploymentStatusFailed, &completed)); perr != nil {
			logger.Error("Failed to mark deployment failed", "error", perr)
		}
		return err
	}
	return nil
}

func (p *Processor) deploy(ctx context.Context, logger *slog.Logger, job models.DeploymentJob, progress ProgressReporter) error {
	agentID := job.AgentID()
	if agentID == "" {
		return errdefs.Validationf("deployment %s has neither a server nor a cluster", job.DeploymentID)
	}
	logger = logger.With("agent_id", agentID)

	resp, err := p.agents.DeployProject(ctx, agents.DeployCommand{
		AgentID:         agentID,
		DeploymentID:    job.DeploymentID,
		ProjectID:       job.ProjectID,
		ManifestContent: job.ManifestContent,
		EnvVars:         job.EnvVars,
		ForceRedeploy:   false,
	})
	if err != nil {
		return fmt.Errorf("send deploy command: %w", err)
	}
	if resp == nil {
		return errdefs.Transient(fmt.Errorf("agent %s returned no response for deployment %s", agentID, job.DeploymentID))
	}
	if !resp.Accepted {
		return errdefs.Transient(fmt.Errorf("agent %s did not accept deployment %s: %s", agentID, job.DeploymentID, resp.Message))
	}
	logger.Info("Deploy command accepted", "message", resp.Message)

	status, err := p.agents.GetDeploymentStatus(ctx, agentID, job.DeploymentID)
	if err != nil {
		return fmt.Errorf("probe deployment status: %w", err)
	}
	if status == nil {
		// Left in progress; the reconciliation listener or an operator moves it on.
		logger.Warn("Agent has no status capability, leaving deployment in progress")
		return nil
	}
	done, err := p.apply(ctx, logger, job, status, progress)
	if err != nil || done {
		return err
	}

	return p.pollUntilDone(ctx, logger, job, agentID, progress)
}

func (p *Processor) pollUntilDone(ctx context.Context, logger *slog.Logger, job models.DeploymentJob, agentID string, progress ProgressReporter) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.poll.Initial
	b.Multiplier = p.poll.Multiplier
	b.MaxInterval = p.poll.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	deadline := p.now().Add(p.poll.Timeout)
	samples := 1

	for {
		delay := b.NextBackOff()
		if p.now().Add(delay).After(deadline) {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}

		current, err := p.repo.Get(ctx, job.DeploymentID)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				logger.Warn("Deployment disappeared while polling")
				return nil
			}
			logger.Warn("Failed to re-read deployment", "error", err)
			continue
		}
		if current.Status.IsTerminal() {
			logger.Info("Deployment already finished, stopping poll", "status", current.Status)
			return nil
		}

		samples++
		status, err := p.agents.GetDeploymentStatus(ctx, agentID, job.DeploymentID)
		if err != nil {
			logger.Warn("Status query failed", "sample", samples, "error", err)
			continue
		}
		if status == nil {
			logger.Warn("Agent returned no status", "sample", samples)
			continue
		}

		done, err := p.apply(ctx, logger, job, status, progress)
		if err != nil || done {
			return err
		}
	}

	logger.Warn("Status polling deadline reached, deployment left in progress",
		"timeout", p.poll.Timeout, "samples", samples)
	return nil
}

// apply folds one agent status sample into the record and reports whether
// the deployment has finished.
func (p *Processor) apply(ctx context.Context, logger *slog.Logger, job models.DeploymentJob, st *agents.DeploymentStatus, progress ProgressReporter) (bool, error) {
	if st.ProgressPercent != nil {
		p.report(ctx, logger, progress, *st.ProgressPercent)
	}
	if len(st.ServiceStatuses) > 0 {
		patch := storage.DeploymentPatch{ServiceStatuses: agents.ToServiceStatuses(st.ServiceStatuses)}
		if _, err := p.repo.Patch(ctx, job.DeploymentID, patch); err != nil {
			return false, fmt.Errorf("store service statuses: %w", err)
		}
	}

	switch st.Status {
	case models.DeploymentStatusSuccess, models.DeploymentStatusFailed:
	default:
		return false, nil
	}

	completed := p.now().UTC()
	if _, err := p.repo.Patch(ctx, job.DeploymentID, storage.StatusPatch(st.Status, &completed)); err != nil {
		return false, fmt.Errorf("store final status: %w", err)
	}
	logger.Info("Deployment finished", "status", st.Status)

	if st.Status == models.DeploymentStatusSuccess {
		p.report(ctx, logger, progress, 100)
		if job.RollbackOf != "" {
			p.finishRollback(ctx, logger, job.RollbackOf)
		}
	}
	return true, nil
}

func (p *Processor) finishRollback(ctx context.Context, logger *slog.Logger, supersededID string) {
	old, err := p.repo.Get(ctx, supersededID)
	if err != nil {
		logger.Warn("Failed to load rolled back deployment", "rollback_of", supersededID, "error", err)
		return
	}
	if old.Status != models.DeploymentStatusRollingBack {
		return
	}
	completed := p.now().UTC()
	if _, err := p.repo.Patch(ctx, supersededID, storage.StatusPatch(models.DeploymentStatusRolledBack, &completed)); err != nil {
		logger.Warn("Failed to mark deployment rolled back", "rollback_of", supersededID, "error", err)
		return
	}
	logger.Info("Superseded deployment rolled back", "rollback_of", supersededID)
}

func (p *Processor) report(ctx context.Context, logger *slog.Logger, progress ProgressReporter, value int) {
	if progress == nil {
		return
	}
	if err := progress.UpdateProgress(ctx, value); err != nil {
		logger.Warn("Failed to report progress", "progress", value, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
