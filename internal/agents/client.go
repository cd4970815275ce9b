// Package agents talks to the remote agents that run manifests on servers
// and clusters.
package agents

import (
	"context"

	"evalgo.org/graphdeploy/models"
)

// DeployCommand asks an agent to bring up a manifest.
type DeployCommand struct {
	AgentID         string            `json:"agentId"`
	DeploymentID    string            `json:"deploymentId"`
	ProjectID       string            `json:"projectId"`
	ManifestContent string            `json:"manifestContent"`
	EnvVars         map[string]string `json:"envVars,omitempty"`
	ForceRedeploy   bool              `json:"forceRedeploy"`
}

// DeployResponse is the agent's answer to a DeployCommand.
type DeployResponse struct {
	DeploymentID string `json:"deploymentId"`
	Accepted     bool   `json:"accepted"`
	Message      string `json:"message"`
}

// ServiceStatus is one service as reported by an agent.
type ServiceStatus struct {
	ServiceID       string `json:"serviceId"`
	ServiceName     string `json:"serviceName"`
	Status          string `json:"status"`
	Replicas        int    `json:"replicas"`
	HealthyReplicas int    `json:"healthyReplicas"`
	ErrorMessage    string `json:"errorMessage"`
	DeployedAt      int64  `json:"deployedAt"`
}

// DeploymentStatus is an agent's view of a deployment.
type DeploymentStatus struct {
	DeploymentID    string                  `json:"deploymentId"`
	Status          models.DeploymentStatus `json:"status"`
	ServiceStatuses []ServiceStatus         `json:"serviceStatuses"`
	ProgressPercent *int                    `json:"progressPercent,omitempty"`
	CurrentStage    string                  `json:"currentStage,omitempty"`
	ErrorMessage    string                  `json:"errorMessage,omitempty"`
}

// Client is the remote agent contract.
//
// GetDeploymentStatus returns nil and no error when the agent binding has no
// way to report status.
type Client interface {
	DeployProject(ctx context.Context, cmd DeployCommand) (*DeployResponse, error)
	GetDeploymentStatus(ctx context.Context, agentID, deploymentID string) (*DeploymentStatus, error)
	CancelDeployment(ctx context.Context, agentID, deploymentID string) error
	RollbackDeployment(ctx context.Context, agentID, deploymentID, targetDeploymentID string) error
}

// ToServiceStatuses maps agent service statuses onto the stored shape. Agents
// do not report node or server ids, so the service id stands in for the node
// and the server is left empty.
func ToServiceStatuses(in []ServiceStatus) []models.ServiceDeploymentStatus {
	out := make([]models.ServiceDeploymentStatus, 0, len(in))
	for _, s := range in {
		status := s.Status
		if status == "" {
			status = "unknown"
		}
		out = append(out, models.ServiceDeploymentStatus{
			ServiceID:    s.ServiceID,
			NodeID:       s.ServiceID,
			ServiceName:  s.ServiceName,
			ServerID:     "",
			Status:       status,
			ErrorMessage: s.ErrorMessage,
			DeployedAt:   s.DeployedAt,
		})
	}
	return out
}
