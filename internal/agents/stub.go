package agents

import (
	"context"
	"log/slog"
)

// StubClient stands in when no agent transport is configured. It accepts
// every deployment and has no status capability.
type StubClient struct {
	logger *slog.Logger
}

// NewStubClient returns a StubClient.
func NewStubClient(logger *slog.Logger) *StubClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubClient{logger: logger.With("component", "agents", "binding", "stub")}
}

func (c *StubClient) DeployProject(_ context.Context, cmd DeployCommand) (*DeployResponse, error) {
	c.logger.Warn("Agent client not available, returning stub response",
		"agent_id", cmd.AgentID, "deployment_id", cmd.DeploymentID)
	return &DeployResponse{
		DeploymentID: cmd.DeploymentID,
		Accepted:     true,
		Message:      "Deployment command accepted (stub)",
	}, nil
}

func (c *StubClient) GetDeploymentStatus(_ context.Context, agentID, deploymentID string) (*DeploymentStatus, error) {
	c.logger.Debug("Agent client not available, no deployment status",
		"agent_id", agentID, "deployment_id", deploymentID)
	return nil, nil
}

func (c *StubClient) CancelDeployment(_ context.Context, agentID, deploymentID string) error {
	c.logger.Warn("Agent client not available, skipping cancel", "agent_id", agentID, "deployment_id", deploymentID)
	return nil
}

func (c *StubClient) RollbackDeployment(_ context.Context, agentID, deploymentID, targetDeploymentID string) error {
	c.logger.Warn("Agent client not available, skipping rollback",
		"agent_id", agentID, "deployment_id", deploymentID, "target_deployment_id", targetDeploymentID)
	return nil
}
