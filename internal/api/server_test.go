package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/graphdeploy/internal/auth"
	"evalgo.org/graphdeploy/internal/config"
	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/models"
)

const testID = "6b0f3c1e-0000-4000-8000-000000000001"

// MockDeploymentService is a test implementation of DeploymentService
type MockDeploymentService struct {
	deployments map[string]*models.Deployment
	history     []*models.DeploymentHistory
	createErr   error

	created    []deployment.CreateRequest
	lastFilter models.DeploymentFilter
	rollbacks  []deployment.RollbackRequest
}

func newMockService() *MockDeploymentService {
	return &MockDeploymentService{deployments: map[string]*models.Deployment{
		testID: {ID: testID, ProjectID: "p1", ServerID: "srv-1", Status: models.DeploymentStatusPending, JobID: testID},
	}}
}

func (m *MockDeploymentService) Create(ctx context.Context, req deployment.CreateRequest) (*models.Deployment, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, req)
	return &models.Deployment{ID: "new-deployment", ProjectID: req.ProjectID, ServerID: req.ServerID, Status: models.DeploymentStatusPending}, nil
}

func (m *MockDeploymentService) Get(ctx context.Context, id string) (*models.Deployment, error) {
	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %q: %w", id, errdefs.ErrNotFound)
	}
	return d, nil
}

func (m *MockDeploymentService) List(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, int, error) {
	m.lastFilter = filter
	return []*models.Deployment{m.deployments[testID]}, 3, nil
}

func (m *MockDeploymentService) GetStatus(ctx context.Context, id string) (*deployment.Status, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return &deployment.Status{DeploymentID: id, Status: models.DeploymentStatusInProgress, ProgressPercent: 50, Source: "agent"}, nil
}

func (m *MockDeploymentService) Cancel(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Status = models.DeploymentStatusFailed
	return d, nil
}

func (m *MockDeploymentService) Rollback(ctx context.Context, id string, req deployment.RollbackRequest) (*deployment.RollbackResult, error) {
	m.rollbacks = append(m.rollbacks, req)
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(m.history) == 0 && req.TargetDeploymentID == "" {
		return nil, errdefs.Validationf("no previous deployment found for rollback")
	}
	return &deployment.RollbackResult{Deployment: d, Rollback: &models.Deployment{ID: "rb", Status: models.DeploymentStatusPending}}, nil
}

func (m *MockDeploymentService) History(ctx context.Context, id string) ([]*models.DeploymentHistory, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.history, nil
}

func (m *MockDeploymentService) JobStatus(ctx context.Context, jobID string) (queue.JobStatus, error) {
	if jobID != testID {
		return queue.JobStatus{}, fmt.Errorf("job %q: %w", jobID, errdefs.ErrNotFound)
	}
	progress := 40
	return queue.JobStatus{JobID: jobID, State: queue.StateActive, Progress: &progress}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 3005},
		Security: config.SecurityConfig{JWTSecret: "test-secret"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts Options) *Server {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, opts)
	s.echo.Logger.SetOutput(io.Discard)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, s *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateDeployment(t *testing.T) {
	svc := newMockService()
	s := newTestServer(t, testConfig(), Options{Deployments: svc})

	rec := do(t, s, http.MethodPost, "/api/v1/deployments",
		`{"projectId":"p1","serverId":"srv-1","envVars":{"A":"1"},"generationResults":[{"nodeId":"n1","serviceName":"api"}]}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[models.Deployment](t, rec)
	assert.Equal(t, "new-deployment", d.ID)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "1", svc.created[0].EnvVars["A"])
	assert.Len(t, svc.created[0].Results, 1)
}

func TestCreateDeployment_Invalid(t *testing.T) {
	svc := newMockService()
	s := newTestServer(t, testConfig(), Options{Deployments: svc})

	rec := do(t, s, http.MethodPost, "/api/v1/deployments", `{"serverId":"srv-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Contains(t, apiErr.FieldError, "CreateRequest.ProjectID")

	rec = do(t, s, http.MethodPost, "/api/v1/deployments", `{"projectId":"p1","generationResults":[{"nodeId":"n1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/deployments", `{"projectId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/deployments", `{"projectId":"p1"}`, "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, svc.created)
}

func TestCreateDeployment_ServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errdefs.Validationf("either serverId or clusterId is required"), http.StatusBadRequest},
		{errdefs.Unavailablef("graph service client not available"), http.StatusServiceUnavailable},
		{errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.want), func(t *testing.T) {
			svc := newMockService()
			svc.createErr = tt.err
			s := newTestServer(t, testConfig(), Options{Deployments: svc})

			rec := do(t, s, http.MethodPost, "/api/v1/deployments", `{"projectId":"p1"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListDeployments(t *testing.T) {
	svc := newMockService()
	s := newTestServer(t, testConfig(), Options{Deployments: svc})

	rec := do(t, s, http.MethodGet, "/api/v1/deployments?projectId=p1&status=pending&limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[DeploymentsResponse](t, rec)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.True(t, resp.Pagination.HasMore)
	assert.Equal(t, models.DeploymentFilter{ProjectID: "p1", Status: models.DeploymentStatusPending, Limit: 1, Offset: 1}, svc.lastFilter)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/deployments", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/deployments?projectId=p1&status=running", "").Code)
}

func TestGetDeployment(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{Deployments: newMockService()})

	rec := do(t, s, http.MethodGet, "/api/v1/deployments/"+testID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testID, decode[models.Deployment](t, rec).ID)

	rec = do(t, s, http.MethodGet, "/api/v1/deployments/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/deployments/ab", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentStatusAndJob(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{Deployments: newMockService()})

	rec := do(t, s, http.MethodGet, "/api/v1/deployments/"+testID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[deployment.Status](t, rec)
	assert.Equal(t, 50, st.ProgressPercent)
	assert.Equal(t, "agent", st.Source)

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/"+testID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobId":"`+testID+`","status":"active","progress":40}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/unknown-job", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelDeployment(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{Deployments: newMockService()})

	rec := do(t, s, http.MethodPost, "/api/v1/deployments/"+testID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.DeploymentStatusFailed, decode[models.Deployment](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/api/v1/deployments/unknown-id/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackDeployment(t *testing.T) {
	svc := newMockService()
	s := newTestServer(t, testConfig(), Options{Deployments: svc})

	rec := do(t, s, http.MethodPost, "/api/v1/deployments/"+testID+"/rollback", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/deployments/"+testID+"/rollback", `{"targetDeploymentId":"older"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[deployment.RollbackResult](t, rec)
	assert.Equal(t, "rb", res.Rollback.ID)
	require.Len(t, svc.rollbacks, 2)
	assert.Equal(t, "older", svc.rollbacks[1].TargetDeploymentID)
}

func TestDeploymentHistory(t *testing.T) {
	svc := newMockService()
	for i := 0; i < 3; i++ {
		svc.history = append(svc.history, &models.DeploymentHistory{ID: fmt.Sprintf("h%d", i), DeploymentID: testID})
	}
	s := newTestServer(t, testConfig(), Options{Deployments: svc})

	rec := do(t, s, http.MethodGet, "/api/v1/deployments/"+testID+"/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoryResponse](t, rec)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "h0", resp.History[0].ID)
	assert.Equal(t, 3, resp.Pagination.Total)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{
		Deployments: newMockService(),
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	})
	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])

	s = newTestServer(t, testConfig(), Options{
		Deployments: newMockService(),
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"])
}

func TestAuthEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Security.AuthEnabled = true
	s := newTestServer(t, cfg, Options{Deployments: newMockService()})

	jwtSvc := auth.NewJWTService(cfg.Security.JWTSecret)
	reader, err := jwtSvc.GenerateToken("viewer", []auth.Role{auth.RoleReader}, time.Hour)
	require.NoError(t, err)
	deployer, err := jwtSvc.GenerateToken("ci", []auth.Role{auth.RoleDeployer}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/v1/deployments/"+testID, "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/deployments/"+testID, "", "Authorization", "Bearer "+reader).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodPost, "/api/v1/deployments/"+testID+"/cancel", "", "Authorization", "Bearer "+reader).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/deployments/"+testID+"/cancel", "", "Authorization", "Bearer "+deployer).Code)
}

func TestDeploymentEventsWebSocket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, "deployments", queue.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s := newTestServer(t, testConfig(), Options{Deployments: newMockService(), Events: q})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	require.Eventually(t, func() bool { return len(mr.PubSubChannels("")) > 0 }, 5*time.Second, 10*time.Millisecond)

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/deployments/events"
	conn, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer conn.Close()

	const otherID = "6b0f3c1e-0000-4000-8000-000000000002"
	filtered, _, err := websocket.DefaultDialer.Dial(base+"?jobId="+otherID+"&types=waiting", nil)
	require.NoError(t, err)
	defer filtered.Close()
	require.Eventually(t, func() bool { return s.wsHub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	_, err = q.Add(context.Background(), testID, "deployments", models.DeploymentJob{DeploymentID: testID})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), otherID, "deployments", models.DeploymentJob{DeploymentID: otherID})
	require.NoError(t, err)

	read := func(c *websocket.Conn) DeploymentEvent {
		t.Helper()
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		var ev DeploymentEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	ev := read(conn)
	assert.Equal(t, queue.EventWaiting, ev.Type)
	assert.Equal(t, testID, ev.Data.JobID)

	ev = read(filtered)
	assert.Equal(t, otherID, ev.Data.JobID)
}

func TestDeploymentEventsWebSocket_BadFilter(t *testing.T) {
	s := newTestServer(t, testConfig(), Options{Deployments: newMockService()})

	rec := do(t, s, http.MethodGet, "/api/v1/deployments/events?types=running", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/deployments/events?jobId=a/b", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
