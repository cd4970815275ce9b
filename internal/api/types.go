package api

import (
	"evalgo.org/graphdeploy/models"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// DeploymentsResponse is one page of a project's deployments.
type DeploymentsResponse struct {
	Count       int                  `json:"count"`
	Deployments []*models.Deployment `json:"deployments"`
	Pagination  Pagination           `json:"pagination"`
}

// HistoryResponse is one page of a deployment's snapshots.
type HistoryResponse struct {
	Count      int                         `json:"count"`
	History    []*models.DeploymentHistory `json:"history"`
	Pagination Pagination                  `json:"pagination"`
}

// HealthResponse reports the state of the service and its backends.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}
