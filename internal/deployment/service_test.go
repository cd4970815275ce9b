package deployment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/graphdeploy/internal/agents"
	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/manifest"
	"evalgo.org/graphdeploy/internal/processor"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/storage"
	"evalgo.org/graphdeploy/models"
)

// MockGraphs is a test implementation of manifest.GraphProvider
type MockGraphs struct{}

func (MockGraphs) GetGraph(ctx context.Context, projectID string) (*models.Graph, error) {
	return &models.Graph{Nodes: []models.Node{
		{ID: "n1", Kind: models.NodeKindService, Data: models.NodeData{ServiceName: "api"}},
	}}, nil
}

// MockCodegen is a test implementation of GenerationProvider
type MockCodegen struct {
	results []models.GenerationResult
	err     error
	calls   int
}

func (m *MockCodegen) GetGenerationResults(ctx context.Context, projectID string) ([]models.GenerationResult, error) {
	m.calls++
	return m.results, m.err
}

// MockAgent is a test implementation of agents.Client
type MockAgent struct {
	status    *agents.DeploymentStatus
	statusErr error
	cancelErr error

	cancelled []string
	rollbacks [][3]string
}

func (m *MockAgent) DeployProject(ctx context.Context, cmd agents.DeployCommand) (*agents.DeployResponse, error) {
	return &agents.DeployResponse{DeploymentID: cmd.DeploymentID, Accepted: true}, nil
}

func (m *MockAgent) GetDeploymentStatus(ctx context.Context, agentID, deploymentID string) (*agents.DeploymentStatus, error) {
	return m.status, m.statusErr
}

func (m *MockAgent) CancelDeployment(ctx context.Context, agentID, deploymentID string) error {
	m.cancelled = append(m.cancelled, agentID+"/"+deploymentID)
	return m.cancelErr
}

func (m *MockAgent) RollbackDeployment(ctx context.Context, agentID, deploymentID, targetDeploymentID string) error {
	m.rollbacks = append(m.rollbacks, [3]string{agentID, deploymentID, targetDeploymentID})
	return nil
}

// failingQueue rejects every submission.
type failingQueue struct {
	*queue.Queue
}

func (failingQueue) Add(ctx context.Context, jobID, name string, payload any) (bool, error) {
	return false, errors.New("redis unavailable")
}

// inlineQueue runs every submitted deployment job to completion inside Add,
// the way a fast idle worker would.
type inlineQueue struct {
	*queue.Queue
	proc *processor.Processor
}

func (q inlineQueue) Add(ctx context.Context, jobID, name string, payload any) (bool, error) {
	ok, err := q.Queue.Add(ctx, jobID, name, payload)
	if err != nil {
		return ok, err
	}
	if job, isJob := payload.(models.DeploymentJob); isJob {
		_ = q.proc.Process(ctx, job, nil)
	}
	return ok, nil
}

type fixture struct {
	store   *storage.Storage
	q       *queue.Queue
	codegen *MockCodegen
	agent   *MockAgent
	svc     *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:   storage.OpenTestDB(t),
		q:       queue.New(rdb, "deployments", queue.Options{}, logger),
		codegen: &MockCodegen{results: []models.GenerationResult{{NodeID: "n1", ServiceName: "api"}}},
		agent:   &MockAgent{},
	}
	f.svc = NewService(Config{
		Deployments: f.store.Deployments(),
		History:     f.store.History(),
		Queue:       f.q,
		Generator:   manifest.NewGenerator(MockGraphs{}, logger),
		Codegen:     f.codegen,
		Agents:      f.agent,
		Options:     opts,
		Logger:      logger,
	})
	return f
}

func (f *fixture) create(t *testing.T, env map[string]string) *models.Deployment {
	t.Helper()
	d, err := f.svc.Create(context.Background(), CreateRequest{ProjectID: "p1", ServerID: "srv-1", EnvVars: env})
	require.NoError(t, err)
	return d
}

func (f *fixture) job(t *testing.T, id string) models.DeploymentJob {
	t.Helper()
	job, err := f.q.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job, "job %s not queued", id)
	var payload models.DeploymentJob
	require.NoError(t, job.Decode(&payload))
	return payload
}

func TestCreate_PersistsQueuesAndRecordsHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	d := f.create(t, map[string]string{"LOG_LEVEL": "debug"})

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, models.DeploymentStatusPending, d.Status)
	assert.Equal(t, d.ID, d.JobID)
	require.NotNil(t, d.Config)
	assert.Contains(t, d.Config.Manifest, "api")
	assert.Equal(t, []string{"api"}, d.Config.ServiceDependencies)
	assert.Equal(t, 1, f.codegen.calls)

	stored, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.JobID)

	payload := f.job(t, d.ID)
	assert.Equal(t, d.ID, payload.DeploymentID)
	assert.Equal(t, "srv-1", payload.ServerID)
	assert.Equal(t, d.Config.Manifest, payload.ManifestContent)
	assert.Equal(t, "debug", payload.EnvVars["LOG_LEVEL"])
	assert.Empty(t, payload.RollbackOf)

	history, err := f.svc.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, d.CreatedAt.UTC().Format(time.RFC3339Nano), history[0].Version)
	assert.False(t, history[0].RolledBack)
	assert.Equal(t, d.ProjectID, history[0].Snapshot.ProjectID)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing project", CreateRequest{ServerID: "srv-1"}},
		{"missing target", CreateRequest{ProjectID: "p1"}},
		{"both targets", CreateRequest{ProjectID: "p1", ServerID: "srv-1", ClusterID: "c-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			_, err := f.svc.Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

			n, err := f.store.Deployments().CountByProjectID(context.Background(), "p1")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCreate_RequestResultsSkipCodegen(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.codegen = nil

	d, err := f.svc.Create(context.Background(), CreateRequest{
		ProjectID: "p1",
		ClusterID: "c-1",
		Results:   []models.GenerationResult{{NodeID: "n1", ServiceName: "api", GeneratedCodePath: "services/api"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", d.ClusterID)
	assert.Contains(t, d.Config.Dockerfiles, "api")
}

func TestCreate_CodegenUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.codegen = nil

	_, err := f.svc.Create(context.Background(), CreateRequest{ProjectID: "p1", ServerID: "srv-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnavailable, errdefs.KindOf(err))
}

func TestCreate_NoGeneratedServices(t *testing.T) {
	f := newFixture(t, Options{})
	f.codegen.results = nil

	_, err := f.svc.Create(context.Background(), CreateRequest{ProjectID: "p1", ServerID: "srv-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestCreate_LimitPerProject(t *testing.T) {
	f := newFixture(t, Options{MaxPerProject: 1})
	f.create(t, nil)

	_, err := f.svc.Create(context.Background(), CreateRequest{ProjectID: "p1", ServerID: "srv-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "limit")

	_, err = f.svc.Create(context.Background(), CreateRequest{ProjectID: "p2", ServerID: "srv-1"})
	assert.NoError(t, err)
}

func TestCreate_EnqueueFailureKeepsPendingRecord(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.queue = failingQueue{f.q}

	d := f.create(t, nil)
	assert.Empty(t, d.JobID)

	stored, err := f.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusPending, stored.Status)
	assert.Empty(t, stored.JobID)
}

func TestList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t, nil)
	}

	page, total, err := f.svc.List(ctx, models.DeploymentFilter{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	_, _, err = f.svc.List(ctx, models.DeploymentFilter{})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	_, _, err = f.svc.List(ctx, models.DeploymentFilter{ProjectID: "p1", Status: "bogus"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestGetStatus_PrefersAgent(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.create(t, nil)

	progress := 40
	f.agent.status = &agents.DeploymentStatus{
		DeploymentID:    d.ID,
		Status:          models.DeploymentStatusInProgress,
		ProgressPercent: &progress,
		CurrentStage:    "starting",
		ServiceStatuses: []agents.ServiceStatus{{ServiceID: "svc-1", ServiceName: "api"}},
	}

	st, err := f.svc.GetStatus(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent", st.Source)
	assert.Equal(t, models.DeploymentStatusInProgress, st.Status)
	assert.Equal(t, 40, st.ProgressPercent)
	assert.Equal(t, "starting", st.CurrentStage)
	require.Len(t, st.ServiceStatuses, 1)
	assert.Equal(t, "svc-1", st.ServiceStatuses[0].NodeID)
	assert.Equal(t, "unknown", st.ServiceStatuses[0].Status)
}

func TestGetStatus_FallsBackToRecord(t *testing.T) {
	for name, agent := range map[string]*MockAgent{
		"no status":   {},
		"agent error": {statusErr: errors.New("connection refused")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.svc.agents = agent
			d := f.create(t, nil)

			st, err := f.svc.GetStatus(context.Background(), d.ID)
			require.NoError(t, err)
			assert.Equal(t, "record", st.Source)
			assert.Equal(t, models.DeploymentStatusPending, st.Status)
			assert.NotNil(t, st.ServiceStatuses)
			assert.Zero(t, st.ProgressPercent)
		})
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestCancel_RemovesWaitingJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.agent.cancelErr = errors.New("agent offline")
	d := f.create(t, nil)

	cancelled, err := f.svc.Cancel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusFailed, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, []string{"srv-1/" + d.ID}, f.agent.cancelled)

	job, err := f.q.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancel_FinishedDeploymentRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, status := range []models.DeploymentStatus{
		models.DeploymentStatusSuccess,
		models.DeploymentStatusFailed,
		models.DeploymentStatusRolledBack,
	} {
		t.Run(string(status), func(t *testing.T) {
			d := f.create(t, nil)
			_, err := f.store.Deployments().Patch(ctx, d.ID, storage.StatusPatch(status, nil))
			require.NoError(t, err)

			_, err = f.svc.Cancel(ctx, d.ID)
			require.Error(t, err)
			assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

			after, err := f.store.Deployments().Get(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, status, after.Status)
			assert.Nil(t, after.CompletedAt)
		})
	}
	assert.Empty(t, f.agent.cancelled)
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Empty(t, f.agent.cancelled)
}

func TestRollback_FromHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	d := f.create(t, map[string]string{"VERSION": "1"})

	res, err := f.svc.Rollback(ctx, d.ID, RollbackRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.DeploymentStatusRollingBack, res.Deployment.Status)
	assert.NotEqual(t, d.ID, res.Rollback.ID)
	assert.Equal(t, models.DeploymentStatusPending, res.Rollback.Status)
	assert.Equal(t, d.Config.Manifest, res.Rollback.Config.Manifest)
	assert.Equal(t, "1", res.Rollback.EnvVars["VERSION"])
	assert.Equal(t, [][3]string{{"srv-1", d.ID, res.Rollback.ID}}, f.agent.rollbacks)

	payload := f.job(t, res.Rollback.ID)
	assert.Equal(t, d.ID, payload.RollbackOf)

	history, err := f.svc.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].RolledBack)

	_, err = f.svc.Rollback(ctx, d.ID, RollbackRequest{})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestRollback_ReplacementFinishingDuringSubmit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	d := f.create(t, nil)

	f.agent.status = &agents.DeploymentStatus{Status: models.DeploymentStatusSuccess}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc.queue = inlineQueue{Queue: f.q, proc: processor.New(f.store.Deployments(), f.agent, processor.PollOptions{}, logger)}

	res, err := f.svc.Rollback(ctx, d.ID, RollbackRequest{})
	require.NoError(t, err)

	replacement, err := f.store.Deployments().Get(ctx, res.Rollback.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusSuccess, replacement.Status)

	superseded, err := f.store.Deployments().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusRolledBack, superseded.Status)
	assert.NotNil(t, superseded.CompletedAt)
	assert.Equal(t, models.DeploymentStatusRolledBack, res.Deployment.Status)
}

func TestRollback_SubmitFailureRestoresStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	d := f.create(t, nil)

	f.svc.newID = func() string { return d.ID }
	_, err := f.svc.Rollback(ctx, d.ID, RollbackRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	after, err := f.store.Deployments().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusPending, after.Status)
	assert.Empty(t, f.agent.rollbacks)

	history, err := f.svc.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].RolledBack)
}

func TestRollback_ToTargetDeployment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	first := f.create(t, map[string]string{"VERSION": "1"})
	second := f.create(t, map[string]string{"VERSION": "2"})

	res, err := f.svc.Rollback(ctx, second.ID, RollbackRequest{TargetDeploymentID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, "1", res.Rollback.EnvVars["VERSION"])
	assert.Equal(t, first.Config.Manifest, res.Rollback.Config.Manifest)

	history, err := f.svc.History(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].RolledBack)
}

func TestRollback_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	d := f.create(t, nil)

	_, err := f.svc.Rollback(ctx, d.ID, RollbackRequest{TargetDeploymentID: "missing"})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = f.svc.Rollback(ctx, "missing", RollbackRequest{})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	bare := &models.Deployment{ID: "bare", ProjectID: "p1", ServerID: "srv-1"}
	require.NoError(t, f.store.Deployments().Create(ctx, bare))
	_, err = f.svc.Rollback(ctx, "bare", RollbackRequest{})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "no previous deployment")

	other := &models.Deployment{ID: "other", ProjectID: "p2", ServerID: "srv-1"}
	require.NoError(t, f.store.Deployments().Create(ctx, other))
	_, err = f.svc.Rollback(ctx, d.ID, RollbackRequest{TargetDeploymentID: "other"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestJobStatus(t *testing.T) {
	f := newFixture(t, Options{})
	d := f.create(t, nil)

	st, err := f.svc.JobStatus(context.Background(), d.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, st.State)

	_, err = f.svc.JobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
