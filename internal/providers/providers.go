// Package providers holds HTTP clients for the services the deployment
// engine reads from: the graph service and the code generation service.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/version"
	"evalgo.org/graphdeploy/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newResty(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())
}

func responseError(resp *resty.Response, body errorBody, what string) error {
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = resp.Status()
	}
	err := fmt.Errorf("%s: %d: %s", what, resp.StatusCode(), msg)
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", err, errdefs.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errdefs.Validation(err)
	case http.StatusServiceUnavailable:
		return errdefs.Unavailable(err)
	}
	return err
}

// GraphClient fetches project graphs from the graph service.
type GraphClient struct {
	rc *resty.Client
}

// NewGraphClient returns a client for the graph service at baseURL, or nil
// when baseURL is empty.
func NewGraphClient(baseURL string, timeout time.Duration) *GraphClient {
	if baseURL == "" {
		return nil
	}
	return &GraphClient{rc: newResty(baseURL, timeout)}
}

// GetGraph returns the current graph of a project.
func (c *GraphClient) GetGraph(ctx context.Context, projectID string) (*models.Graph, error) {
	var g models.Graph
	var eb errorBody
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("projectId", projectID).
		SetResult(&g).
		SetError(&eb).
		Get("/projects/{projectId}/graph")
	if err != nil {
		return nil, fmt.Errorf("fetch graph of project %s: %w", projectID, err)
	}
	if resp.IsError() {
		return nil, responseError(resp, eb, "fetch graph")
	}
	return &g, nil
}

// CodegenClient fetches generation results from the code generation service.
type CodegenClient struct {
	rc *resty.Client
}

// NewCodegenClient returns a client for the codegen service at baseURL, or
// nil when baseURL is empty.
func NewCodegenClient(baseURL string, timeout time.Duration) *CodegenClient {
	if baseURL == "" {
		return nil
	}
	return &CodegenClient{rc: newResty(baseURL, timeout)}
}

type generateRequest struct {
	ForceRegenerate bool `json:"forceRegenerate"`
}

type generateResponse struct {
	Results []models.GenerationResult `json:"results"`
}

// GetGenerationResults returns one result per generated service node.
// Existing code is reused; nothing is regenerated.
func (c *CodegenClient) GetGenerationResults(ctx context.Context, projectID string) ([]models.GenerationResult, error) {
	var out generateResponse
	var eb errorBody
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("projectId", projectID).
		SetHeader("Content-Type", "application/json").
		SetBody(generateRequest{ForceRegenerate: false}).
		SetResult(&out).
		SetError(&eb).
		Post("/projects/{projectId}/generate")
	if err != nil {
		return nil, fmt.Errorf("fetch generation results of project %s: %w", projectID, err)
	}
	if resp.IsError() {
		return nil, responseError(resp, eb, "fetch generation results")
	}
	return out.Results, nil
}
