package models

// DeploymentJob is the payload of a deployment queue job.
type DeploymentJob struct {
	DeploymentID    string            `json:"deploymentId"`
	ProjectID       string            `json:"projectId"`
	ServerID        string            `json:"serverId,omitempty"`
	ClusterID       string            `json:"clusterId,omitempty"`
	ManifestContent string            `json:"manifestContent"`
	EnvVars         map[string]string `json:"envVars,omitempty"`

	// RollbackOf is the deployment superseded by this one, set for rollbacks
	RollbackOf string `json:"rollbackOf,omitempty"`
}

// AgentID returns the remote agent addressed by the job.
func (j DeploymentJob) AgentID() string {
	if j.ServerID != "" {
		return j.ServerID
	}
	return j.ClusterID
}
