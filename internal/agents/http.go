package agents

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/version"
)

// HTTPClient reaches agents through an agent gateway over HTTP.
//
//	POST /agents/{agentId}/deployments
//	GET  /agents/{agentId}/deployments/{deploymentId}
//	POST /agents/{agentId}/deployments/{deploymentId}/cancel
//	POST /agents/{agentId}/deployments/{deploymentId}/rollback
//
// A 501 from the status endpoint means the agent cannot report status.
type HTTPClient struct {
	rc     *resty.Client
	logger *slog.Logger
}

// NewHTTPClient returns a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	return &HTTPClient{rc: rc, logger: logger.With("component", "agents", "binding", "http")}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) DeployProject(ctx context.Context, cmd DeployCommand) (*DeployResponse, error) {
	var out DeployResponse
	var apiErr apiError
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("agentId", cmd.AgentID).
		SetBody(cmd).
		SetResult(&out).
		SetError(&apiErr).
		Post("/agents/{agentId}/deployments")
	if err != nil {
		return nil, fmt.Errorf("send deploy command to agent %s: %w", cmd.AgentID, err)
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr, "deploy project")
	}

	c.logger.Info("Deploy command sent", "agent_id", cmd.AgentID, "deployment_id", cmd.DeploymentID, "accepted", out.Accepted)
	return &out, nil
}

func (c *HTTPClient) GetDeploymentStatus(ctx context.Context, agentID, deploymentID string) (*DeploymentStatus, error) {
	var out DeploymentStatus
	var apiErr apiError
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"agentId": agentID, "deploymentId": deploymentID}).
		SetResult(&out).
		SetError(&apiErr).
		Get("/agents/{agentId}/deployments/{deploymentId}")
	if err != nil {
		return nil, fmt.Errorf("get deployment status from agent %s: %w", agentID, err)
	}
	if resp.StatusCode() == http.StatusNotImplemented {
		return nil, nil
	}
	if resp.IsError() {
		return nil, statusError(resp, apiErr, "get deployment status")
	}
	return &out, nil
}

func (c *HTTPClient) CancelDeployment(ctx context.Context, agentID, deploymentID string) error {
	return c.post(ctx, "/agents/{agentId}/deployments/{deploymentId}/cancel", agentID, deploymentID, nil, "cancel deployment")
}

func (c *HTTPClient) RollbackDeployment(ctx context.Context, agentID, deploymentID, targetDeploymentID string) error {
	body := map[string]string{"targetDeploymentId": targetDeploymentID}
	return c.post(ctx, "/agents/{agentId}/deployments/{deploymentId}/rollback", agentID, deploymentID, body, "rollback deployment")
}

func (c *HTTPClient) post(ctx context.Context, path, agentID, deploymentID string, body any, op string) error {
	var apiErr apiError
	req := c.rc.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"agentId": agentID, "deploymentId": deploymentID}).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("%s on agent %s: %w", op, agentID, err)
	}
	if resp.IsError() {
		return statusError(resp, apiErr, op)
	}
	c.logger.Info("Agent command sent", "op", op, "agent_id", agentID, "deployment_id", deploymentID)
	return nil
}

func statusError(resp *resty.Response, apiErr apiError, op string) error {
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = resp.Status()
	}
	err := fmt.Errorf("%s: agent returned %d: %s", op, resp.StatusCode(), msg)
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", err, errdefs.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errdefs.Validation(err)
	}
	return err
}
