package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/models"
)

const testManifest = `version: "3.8"
services:
  api:
    image: api:latest
  db:
    image: postgres:16-alpine
networks:
  default:
    driver: bridge
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimulatedClient(t *testing.T, opts SimulatorOptions) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(NewSimulator(opts, quietLogger()).Router())
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, 5*time.Second, quietLogger())
}

func deployCmd(id string) DeployCommand {
	return DeployCommand{AgentID: "srv-1", DeploymentID: id, ProjectID: "p1", ManifestContent: testManifest}
}

func TestHTTPClient_DeployAndPollToSuccess(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{Samples: 3})
	ctx := context.Background()

	resp, err := c.DeployProject(ctx, deployCmd("d1"))
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "d1", resp.DeploymentID)

	var last *DeploymentStatus
	for i := 0; i < 3; i++ {
		last, err = c.GetDeploymentStatus(ctx, "srv-1", "d1")
		require.NoError(t, err)
		require.NotNil(t, last)
	}
	assert.Equal(t, models.DeploymentStatusSuccess, last.Status)
	require.NotNil(t, last.ProgressPercent)
	assert.Equal(t, 100, *last.ProgressPercent)
	require.Len(t, last.ServiceStatuses, 2)
	assert.Equal(t, "api", last.ServiceStatuses[0].ServiceID)
	assert.Equal(t, "running", last.ServiceStatuses[0].Status)
}

func TestHTTPClient_IntermediateStatus(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{Samples: 4})
	ctx := context.Background()

	_, err := c.DeployProject(ctx, deployCmd("d1"))
	require.NoError(t, err)

	st, err := c.GetDeploymentStatus(ctx, "srv-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusInProgress, st.Status)
	assert.Equal(t, 25, *st.ProgressPercent)
}

func TestHTTPClient_Rejected(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{Reject: true})
	resp, err := c.DeployProject(context.Background(), deployCmd("d1"))
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
}

func TestHTTPClient_InvalidManifestIsNotAccepted(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{})
	cmd := deployCmd("d1")
	cmd.ManifestContent = "services: ["
	resp, err := c.DeployProject(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
}

func TestHTTPClient_NoStatusCapability(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{NoStatus: true})
	ctx := context.Background()
	_, err := c.DeployProject(ctx, deployCmd("d1"))
	require.NoError(t, err)

	st, err := c.GetDeploymentStatus(ctx, "srv-1", "d1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestHTTPClient_UnknownDeployment(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{})
	_, err := c.GetDeploymentStatus(context.Background(), "srv-1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	err = c.CancelDeployment(context.Background(), "srv-1", "missing")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestHTTPClient_CancelAndRollback(t *testing.T) {
	c := newSimulatedClient(t, SimulatorOptions{Samples: 10})
	ctx := context.Background()
	_, err := c.DeployProject(ctx, deployCmd("d1"))
	require.NoError(t, err)

	require.NoError(t, c.CancelDeployment(ctx, "srv-1", "d1"))
	st, err := c.GetDeploymentStatus(ctx, "srv-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusFailed, st.Status)

	require.NoError(t, c.RollbackDeployment(ctx, "srv-1", "d1", "d0"))
	st, err = c.GetDeploymentStatus(ctx, "srv-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusRolledBack, st.Status)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", time.Second, quietLogger())
	_, err := c.DeployProject(context.Background(), deployCmd("d1"))
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
}

func TestStubClient(t *testing.T) {
	c := NewStubClient(quietLogger())
	ctx := context.Background()

	resp, err := c.DeployProject(ctx, deployCmd("d1"))
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "d1", resp.DeploymentID)

	st, err := c.GetDeploymentStatus(ctx, "srv-1", "d1")
	assert.NoError(t, err)
	assert.Nil(t, st)

	assert.NoError(t, c.CancelDeployment(ctx, "srv-1", "d1"))
	assert.NoError(t, c.RollbackDeployment(ctx, "srv-1", "d1", "d0"))
}

func TestToServiceStatuses(t *testing.T) {
	out := ToServiceStatuses([]ServiceStatus{
		{ServiceID: "api", ServiceName: "api", Status: "running", DeployedAt: 42},
		{ServiceID: "db", ServiceName: "db"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, models.ServiceDeploymentStatus{
		ServiceID: "api", NodeID: "api", ServiceName: "api", Status: "running", DeployedAt: 42,
	}, out[0])
	assert.Equal(t, "unknown", out[1].Status)
	assert.Equal(t, "", out[1].ServerID)

	assert.Empty(t, ToServiceStatuses(nil))
	assert.NotNil(t, ToServiceStatuses(nil))
}
