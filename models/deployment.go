package models

import "time"

// DeploymentStatus is the persisted state of a deployment.
//
// Transitions:
//
//	pending -> in_progress -> success | failed
//	any -> rolling_back -> rolled_back   (explicit rollback request)
//
// success, failed and rolled_back are terminal for a job attempt. A retry
// or a rollback creates a new deployment; records are never restarted in place.
type DeploymentStatus string

const (
	DeploymentStatusPending     DeploymentStatus = "pending"
	DeploymentStatusInProgress  DeploymentStatus = "in_progress"
	DeploymentStatusSuccess     DeploymentStatus = "success"
	DeploymentStatusFailed      DeploymentStatus = "failed"
	DeploymentStatusRollingBack DeploymentStatus = "rolling_back"
	DeploymentStatusRolledBack  DeploymentStatus = "rolled_back"
)

// IsTerminal reports whether no further automated transition is expected.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusRolledBack:
		return true
	}
	return false
}

// IsActive reports whether a worker may still drive the deployment.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusPending || s == DeploymentStatusInProgress
}

// Valid reports whether s is one of the known statuses.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusInProgress, DeploymentStatusSuccess,
		DeploymentStatusFailed, DeploymentStatusRollingBack, DeploymentStatusRolledBack:
		return true
	}
	return false
}

// Deployment is one attempt to bring a project's generated services up on a
// single server or cluster.
type Deployment struct {
	// ID is the deployment identifier, also used as the queue job id
	ID string `json:"id"`

	// ProjectID is the project whose graph was deployed
	ProjectID string `json:"projectId"`

	// ClusterID is the target cluster (exclusive with ServerID)
	ClusterID string `json:"clusterId,omitempty"`

	// ServerID is the target server (exclusive with ClusterID)
	ServerID string `json:"serverId,omitempty"`

	// Status is the authoritative deployment state
	Status DeploymentStatus `json:"status"`

	// ServiceStatuses are replaced wholesale on every agent status sample
	ServiceStatuses []ServiceDeploymentStatus `json:"serviceStatuses"`

	// EnvVars are caller supplied variables merged into every service
	EnvVars map[string]string `json:"envVars"`

	// Config holds the materialized manifest and build files
	Config *DeploymentConfig `json:"config,omitempty"`

	// JobID is the queue job driving this deployment
	JobID string `json:"jobId,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AgentID returns the remote agent that owns the deployment target.
func (d *Deployment) AgentID() string {
	if d.ServerID != "" {
		return d.ServerID
	}
	return d.ClusterID
}

// DeploymentConfig is the artifact set shipped to the remote agent.
type DeploymentConfig struct {
	// Manifest is the serialized manifest text (compose YAML)
	Manifest string `json:"manifest"`

	// Dockerfiles maps service name to a rendered Dockerfile
	Dockerfiles map[string]string `json:"dockerfiles,omitempty"`

	// ServiceDependencies lists every service name referenced as a dependency
	ServiceDependencies []string `json:"serviceDependencies,omitempty"`
}

// ServiceDeploymentStatus is the per-service state reported by the agent.
type ServiceDeploymentStatus struct {
	ServiceID    string `json:"serviceId"`
	NodeID       string `json:"nodeId"`
	ServiceName  string `json:"serviceName"`
	ServerID     string `json:"serverId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	DeployedAt   int64  `json:"deployedAt"`
}

// DeploymentHistory is an immutable snapshot of a deployment used for rollback.
// Only RolledBack changes after creation.
type DeploymentHistory struct {
	ID           string     `json:"id"`
	DeploymentID string     `json:"deploymentId"`
	Snapshot     Deployment `json:"snapshot"`
	Version      string     `json:"version"`
	RolledBack   bool       `json:"rolledBack"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// DeploymentFilter narrows project listings.
type DeploymentFilter struct {
	ProjectID string
	Status    DeploymentStatus
	Limit     int
	Offset    int
}
