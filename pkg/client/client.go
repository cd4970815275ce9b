// Package client is a Go client for the graphdeploy REST API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"evalgo.org/graphdeploy/internal/api"
	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/version"
	"evalgo.org/graphdeploy/models"
)

// Client calls a graphdeploy API server.
type Client struct {
	rc *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.rc.SetAuthToken(token) }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// New returns a client for the server at baseURL (for example http://localhost:3005).
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	c := &Client{rc: resty.New().
		SetBaseURL(baseURL+"/api/v1").
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Query filters a deployment listing.
type Query struct {
	ProjectID string
	Status    models.DeploymentStatus
	Limit     int
	Offset    int
}

// Error is a non-2xx answer from the server.
type Error struct {
	StatusCode int
	Message    string
	Details    string
	Fields     map[string]string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("graphdeploy: %d %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("graphdeploy: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// CreateDeployment queues a new deployment.
func (c *Client) CreateDeployment(ctx context.Context, req deployment.CreateRequest) (*models.Deployment, error) {
	var out models.Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeployment returns one deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var out models.Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeployments returns one page of a project's deployments.
func (c *Client) ListDeployments(ctx context.Context, q Query) (*api.DeploymentsResponse, error) {
	params := map[string]string{"projectId": q.ProjectID}
	if q.Status != "" {
		params["status"] = string(q.Status)
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		params["offset"] = strconv.Itoa(q.Offset)
	}

	var out api.DeploymentsResponse
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, &out, params); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus returns the live status of a deployment.
func (c *Client) GetStatus(ctx context.Context, id string) (*deployment.Status, error) {
	var out deployment.Status
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id+"/status", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelDeployment cancels a deployment.
func (c *Client) CancelDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var out models.Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/"+id+"/cancel", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// RollbackDeployment rolls a deployment back to targetID, or to its latest
// snapshot when targetID is empty.
func (c *Client) RollbackDeployment(ctx context.Context, id, targetID string) (*deployment.RollbackResult, error) {
	var body any
	if targetID != "" {
		body = deployment.RollbackRequest{TargetDeploymentID: targetID}
	}
	var out deployment.RollbackResult
	if err := c.do(ctx, http.MethodPost, "/deployments/"+id+"/rollback", body, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the rollback snapshots of a deployment.
func (c *Client) History(ctx context.Context, id string) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/deployments/"+id+"/history", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job returns the queue state of a deployment job.
func (c *Client) Job(ctx context.Context, id string) (*queue.JobStatus, error) {
	var out queue.JobStatus
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, params map[string]string) error {
	var apiErr api.APIError
	req := c.rc.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if params != nil {
		req.SetQueryParams(params)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		e := &Error{StatusCode: resp.StatusCode(), Message: apiErr.Message, Details: apiErr.Details, Fields: apiErr.FieldError}
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode())
		}
		return e
	}
	return nil
}
