// Package deployment is the entry point for deployment operations. It
// validates requests, materializes manifests, persists records and hands
// work to the queue; the processor and reconcile packages take it from there.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"evalgo.org/graphdeploy/internal/agents"
	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/manifest"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/storage"
	"evalgo.org/graphdeploy/models"
)

// ManifestGenerator builds the manifest of a project.
type ManifestGenerator interface {
	Generate(ctx context.Context, projectID string, results []models.GenerationResult, envVars map[string]string) (*manifest.Result, error)
}

// GenerationProvider returns the generated services of a project.
type GenerationProvider interface {
	GetGenerationResults(ctx context.Context, projectID string) ([]models.GenerationResult, error)
}

// Queue is the job queue the service submits to.
type Queue interface {
	Add(ctx context.Context, jobID, name string, payload any) (bool, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	Status(ctx context.Context, jobID string) (queue.JobStatus, error)
}

// Options tunes the service.
type Options struct {
	// JobName is the registered handler name deployment jobs are submitted under
	JobName string

	// MaxPerProject caps the number of deployment records per project; 0 is unlimited
	MaxPerProject int
}

// Service implements create, get, list, status, cancel, rollback and history.
type Service struct {
	deployments storage.DeploymentRepository
	history     storage.HistoryRepository
	queue       Queue
	generator   ManifestGenerator
	codegen     GenerationProvider
	agents      agents.Client
	opts        Options
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

// Config wires a Service. Codegen may be nil when results always arrive with
// the request.
type Config struct {
	Deployments storage.DeploymentRepository
	History     storage.HistoryRepository
	Queue       Queue
	Generator   ManifestGenerator
	Codegen     GenerationProvider
	Agents      agents.Client
	Options     Options
	Logger      *slog.Logger
}

// NewService creates a deployment service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options
	if opts.JobName == "" {
		opts.JobName = "deployments"
	}
	return &Service{
		deployments: cfg.Deployments,
		history:     cfg.History,
		queue:       cfg.Queue,
		generator:   cfg.Generator,
		codegen:     cfg.Codegen,
		agents:      cfg.Agents,
		opts:        opts,
		logger:      logger.With("component", "deployment"),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// CreateRequest starts a deployment of a project to one server or cluster.
type CreateRequest struct {
	ProjectID string            `json:"projectId" validate:"required"`
	ServerID  string            `json:"serverId,omitempty"`
	ClusterID string            `json:"clusterId,omitempty"`
	EnvVars   map[string]string `json:"envVars,omitempty"`

	// Results overrides the generation provider when non-empty
	Results []models.GenerationResult `json:"generationResults,omitempty" validate:"omitempty,dive"`
}

// Create generates the project's manifest, stores a pending deployment and
// queues it. A queue failure is logged and leaves the record pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Deployment, error) {
	if req.ProjectID == "" {
		return nil, errdefs.Validationf("projectId is required")
	}
	if err := checkTarget(req.ServerID, req.ClusterID); err != nil {
		return nil, err
	}

	if s.opts.MaxPerProject > 0 {
		n, err := s.deployments.CountByProjectID(ctx, req.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("count deployments: %w", err)
		}
		if n >= s.opts.MaxPerProject {
			return nil, errdefs.Validationf("project %s reached the limit of %d deployments", req.ProjectID, s.opts.MaxPerProject)
		}
	}

	results, err := s.generationResults(ctx, req)
	if err != nil {
		return nil, err
	}

	gen, err := s.generator.Generate(ctx, req.ProjectID, results, req.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("generate manifest: %w", err)
	}

	d := &models.Deployment{
		ID:              s.newID(),
		ProjectID:       req.ProjectID,
		ServerID:        req.ServerID,
		ClusterID:       req.ClusterID,
		Status:          models.DeploymentStatusPending,
		ServiceStatuses: []models.ServiceDeploymentStatus{},
		EnvVars:         req.EnvVars,
		Config: &models.DeploymentConfig{
			Manifest:            gen.Content,
			Dockerfiles:         gen.Dockerfiles,
			ServiceDependencies: gen.ServiceDependencies,
		},
	}
	if err := s.submit(ctx, d, ""); err != nil {
		return nil, err
	}

	s.logger.Info("Deployment created",
		"deployment_id", d.ID,
		"project_id", d.ProjectID,
		"agent_id", d.AgentID(),
		"services", len(gen.Manifest.Services),
		"warnings", len(gen.Warnings))
	return d, nil
}

func checkTarget(serverID, clusterID string) error {
	switch {
	case serverID == "" && clusterID == "":
		return errdefs.Validationf("either serverId or clusterId is required")
	case serverID != "" && clusterID != "":
		return errdefs.Validationf("only one of serverId or clusterId may be set")
	}
	return nil
}

func (s *Service) generationResults(ctx context.Context, req CreateRequest) ([]models.GenerationResult, error) {
	if len(req.Results) > 0 {
		return req.Results, nil
	}
	if s.codegen == nil {
		return nil, errdefs.Unavailablef("codegen service client not available")
	}
	results, err := s.codegen.GetGenerationResults(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch generation results: %w", err)
	}
	if len(results) == 0 {
		return nil, errdefs.Validationf("project %s has no generated services, generate code before deploying", req.ProjectID)
	}
	return results, nil
}

// submit persists a new pending deployment, queues it and records its history
// snapshot.
func (s *Service) submit(ctx context.Context, d *models.Deployment, rollbackOf string) error {
	if err := s.deployments.Create(ctx, d); err != nil {
		return fmt.Errorf("store deployment: %w", err)
	}
	logger := s.logger.With("deployment_id", d.ID)

	var manifestContent string
	if d.Config != nil {
		manifestContent = d.Config.Manifest
	}
	job := models.DeploymentJob{
		DeploymentID:    d.ID,
		ProjectID:       d.ProjectID,
		ServerID:        d.ServerID,
		ClusterID:       d.ClusterID,
		ManifestContent: manifestContent,
		EnvVars:         d.EnvVars,
		RollbackOf:      rollbackOf,
	}
	if _, err := s.queue.Add(ctx, d.ID, s.opts.JobName, job); err != nil {
		logger.Error("Failed to enqueue deployment job", "error", err)
	} else {
		updated, err := s.deployments.Patch(ctx, d.ID, storage.DeploymentPatch{JobID: &d.ID})
		if err != nil {
			logger.Warn("Failed to store job id", "error", err)
		} else {
			*d = *updated
		}
	}

	entry := &models.DeploymentHistory{
		ID:           s.newID(),
		DeploymentID: d.ID,
		Snapshot:     *d,
		Version:      d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.history.Create(ctx, entry); err != nil {
		logger.Warn("Failed to record deployment history", "error", err)
	}
	return nil
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, id string) (*models.Deployment, error) {
	return s.deployments.Get(ctx, id)
}

// List returns a page of a project's deployments, newest first, with the
// total number of matches.
func (s *Service) List(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, int, error) {
	if filter.ProjectID == "" {
		return nil, 0, errdefs.Validationf("projectId is required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, errdefs.Validationf("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, errdefs.Validationf("limit and offset must not be negative")
	}
	return s.deployments.FindByProjectID(ctx, filter)
}

// Status is the live view of a deployment.
type Status struct {
	DeploymentID    string                           `json:"deploymentId"`
	Status          models.DeploymentStatus          `json:"status"`
	ServiceStatuses []models.ServiceDeploymentStatus `json:"serviceStatuses"`
	ProgressPercent int                              `json:"progressPercent"`
	CurrentStage    string                           `json:"currentStage,omitempty"`
	ErrorMessage    string                           `json:"errorMessage,omitempty"`

	// Source is "agent" when the remote agent answered, "record" otherwise
	Source string `json:"source"`
}

// GetStatus asks the remote agent for the deployment's state and falls back
// to the stored record when the agent cannot answer.
func (s *Service) GetStatus(ctx context.Context, id string) (*Status, error) {
	d, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if agentID := d.AgentID(); agentID != "" {
		st, err := s.agents.GetDeploymentStatus(ctx, agentID, id)
		if err != nil {
			s.logger.Warn("Failed to get deployment status from agent", "deployment_id", id, "agent_id", agentID, "error", err)
		}
		if err == nil && st != nil {
			out := &Status{
				DeploymentID:    id,
				Status:          st.Status,
				ServiceStatuses: agents.ToServiceStatuses(st.ServiceStatuses),
				CurrentStage:    st.CurrentStage,
				ErrorMessage:    st.ErrorMessage,
				Source:          "agent",
			}
			if st.ProgressPercent != nil {
				out.ProgressPercent = *st.ProgressPercent
			}
			return out, nil
		}
	}

	services := d.ServiceStatuses
	if services == nil {
		services = []models.ServiceDeploymentStatus{}
	}
	return &Status{
		DeploymentID:    id,
		Status:          d.Status,
		ServiceStatuses: services,
		Source:          "record",
	}, nil
}

// Cancel removes the deployment's job if it has not started yet, asks the
// agent to stop and marks the deployment failed. A job already being
// processed keeps running. Finished deployments cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return nil, errdefs.Validationf("deployment %s is already %s", id, d.Status)
	}
	logger := s.logger.With("deployment_id", id)

	if d.JobID != "" {
		removed, err := s.queue.Remove(ctx, d.JobID)
		if err != nil {
			logger.Warn("Failed to cancel deployment job in queue", "job_id", d.JobID, "error", err)
		} else if !removed {
			logger.Info("Deployment job not removable, it is running or finished", "job_id", d.JobID)
		}
	}

	if agentID := d.AgentID(); agentID != "" {
		if err := s.agents.CancelDeployment(ctx, agentID, id); err != nil {
			logger.Warn("Failed to send cancel command to agent", "agent_id", agentID, "error", err)
		}
	}

	completed := s.now().UTC()
	updated, err := s.deployments.Patch(ctx, id, storage.StatusPatch(models.DeploymentStatusFailed, &completed))
	if err != nil {
		return nil, err
	}
	logger.Info("Deployment cancelled")
	return updated, nil
}

// RollbackRequest selects what a deployment is rolled back to.
type RollbackRequest struct {
	// TargetDeploymentID is an explicit deployment to restore; when empty the
	// latest history snapshot of the deployment is used
	TargetDeploymentID string `json:"targetDeploymentId,omitempty"`
}

// RollbackResult pairs the superseded deployment with its replacement.
type RollbackResult struct {
	Deployment *models.Deployment `json:"deployment"`
	Rollback   *models.Deployment `json:"rollback"`
}

// Rollback starts a new deployment from a snapshot and marks the current one
// rolling back. The processor moves it to rolled back once the replacement
// succeeds.
func (s *Service) Rollback(ctx context.Context, id string, req RollbackRequest) (*RollbackResult, error) {
	current, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.DeploymentStatusRollingBack || current.Status == models.DeploymentStatusRolledBack {
		return nil, errdefs.Validationf("deployment %s is already %s", id, current.Status)
	}

	var (
		snapshot models.Deployment
		entry    *models.DeploymentHistory
	)
	if req.TargetDeploymentID != "" {
		target, err := s.deployments.Get(ctx, req.TargetDeploymentID)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return nil, fmt.Errorf("target %w", err)
			}
			return nil, err
		}
		if target.ProjectID != current.ProjectID {
			return nil, errdefs.Validationf("target deployment %s belongs to another project", target.ID)
		}
		snapshot = *target
	} else {
		entry, err = s.history.FindLatestByDeploymentID(ctx, id)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return nil, errdefs.Validationf("no previous deployment found for rollback")
			}
			return nil, fmt.Errorf("find rollback snapshot: %w", err)
		}
		snapshot = entry.Snapshot
	}
	if snapshot.ProjectID == "" {
		return nil, errdefs.Validationf("deployment snapshot is missing in history entry")
	}

	services := snapshot.ServiceStatuses
	if services == nil {
		services = []models.ServiceDeploymentStatus{}
	}
	replacement := &models.Deployment{
		ID:              s.newID(),
		ProjectID:       snapshot.ProjectID,
		ServerID:        snapshot.ServerID,
		ClusterID:       snapshot.ClusterID,
		Status:          models.DeploymentStatusPending,
		ServiceStatuses: services,
		EnvVars:         snapshot.EnvVars,
		Config:          snapshot.Config,
	}
	logger := s.logger.With("deployment_id", id, "rollback_id", replacement.ID)

	// The replacement may finish before submit returns, so the superseded
	// deployment has to be rolling back before its job is queued.
	rollingBack := models.DeploymentStatusRollingBack
	updated, err := s.deployments.Patch(ctx, id, storage.DeploymentPatch{Status: &rollingBack})
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, replacement, id); err != nil {
		prior := current.Status
		if _, rerr := s.deployments.Patch(ctx, id, storage.DeploymentPatch{Status: &prior}); rerr != nil {
			logger.Error("Failed to restore deployment status", "status", prior, "error", rerr)
		}
		return nil, err
	}

	if agentID := replacement.AgentID(); agentID != "" {
		if err := s.agents.RollbackDeployment(ctx, agentID, id, replacement.ID); err != nil {
			logger.Warn("Failed to send rollback command to agent", "agent_id", agentID, "error", err)
		}
	}
	if latest, err := s.deployments.Get(ctx, id); err == nil {
		updated = latest
	}

	if entry != nil {
		if err := s.history.MarkRolledBack(ctx, entry.ID); err != nil {
			logger.Warn("Failed to mark history entry rolled back", "history_id", entry.ID, "error", err)
		}
	}

	logger.Info("Deployment rollback started")
	return &RollbackResult{Deployment: updated, Rollback: replacement}, nil
}

// History lists the snapshots recorded for a deployment, newest first.
func (s *Service) History(ctx context.Context, id string) ([]*models.DeploymentHistory, error) {
	if _, err := s.deployments.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.history.ListByDeploymentID(ctx, id)
}

// JobStatus reports the queue state of a job.
func (s *Service) JobStatus(ctx context.Context, jobID string) (queue.JobStatus, error) {
	st, err := s.queue.Status(ctx, jobID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if st.State == queue.StateNotFound {
		return st, fmt.Errorf("job %q: %w", jobID, errdefs.ErrNotFound)
	}
	return st, nil
}
