package models

import "sort"

// ConditionHealthy is the start condition used for every generated dependency.
const ConditionHealthy = "service_healthy"

// ManifestVersion is the compose format version of generated manifests.
const ManifestVersion = "3.8"

// Manifest is the deployable artifact produced from a project graph. It
// serializes to a compose file understood by the remote agent.
//
// Example:
//
//	version: "3.8"
//	services:
//	  orders-db:
//	    image: postgres:16-alpine
//	    ...
//	  orders:
//	    build: {context: ., dockerfile: Dockerfile.orders}
//	    depends_on:
//	      orders-db: {condition: service_healthy}
//	networks:
//	  default: {driver: bridge}
type Manifest struct {
	// Version is the compose file format version
	Version string `yaml:"version" validate:"required,eq=3.8"`

	// Services are the named components keyed by component name
	Services map[string]*Component `yaml:"services" validate:"required,min=1,dive,required"`

	// Networks are named network declarations; "default" is always present
	Networks map[string]Network `yaml:"networks" validate:"required,min=1,dive"`

	// Volumes are named volume declarations, omitted when empty
	Volumes map[string]Volume `yaml:"volumes,omitempty"`
}

// Component is one named unit of a manifest. A stateful component sets
// Image; a built component sets Build.
type Component struct {
	// Image is the container image of a stateful component
	Image string `yaml:"image,omitempty" validate:"required_without=Build"`

	// Build describes how a built component's image is produced
	Build *BuildSpec `yaml:"build,omitempty" validate:"required_without=Image"`

	// ContainerName pins the container name on the target
	ContainerName string `yaml:"container_name" validate:"required"`

	// Environment holds the container environment
	Environment map[string]string `yaml:"environment,omitempty"`

	// Ports publishes container ports
	Ports []string `yaml:"ports,omitempty"`

	// Volumes mounts named volumes ("name:/path")
	Volumes []string `yaml:"volumes,omitempty"`

	// Networks attaches the component to named networks
	Networks []string `yaml:"networks" validate:"required,min=1"`

	// HealthCheck is the liveness probe
	HealthCheck *HealthCheck `yaml:"healthcheck" validate:"required"`

	// Restart is the restart policy
	Restart string `yaml:"restart" validate:"required,oneof=no always on-failure unless-stopped"`

	// DependsOn maps dependency component names to their start condition
	DependsOn map[string]DependsOnCondition `yaml:"depends_on,omitempty" validate:"omitempty,dive"`
}

// IsStateful reports whether the component runs a prebuilt image.
func (c *Component) IsStateful() bool {
	return c.Build == nil
}

// Dependencies returns the sorted names from DependsOn.
func (c *Component) Dependencies() []string {
	deps := make([]string, 0, len(c.DependsOn))
	for name := range c.DependsOn {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}

// BuildSpec is the image build definition of a built component.
type BuildSpec struct {
	Context    string `yaml:"context" validate:"required"`
	Dockerfile string `yaml:"dockerfile" validate:"required"`
}

// HealthCheck is a compose health check.
type HealthCheck struct {
	Test        []string `yaml:"test" validate:"required,min=1"`
	Interval    string   `yaml:"interval,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	Retries     int      `yaml:"retries,omitempty" validate:"gte=0"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

// DependsOnCondition is the start condition for one dependency.
type DependsOnCondition struct {
	Condition string `yaml:"condition" validate:"required,oneof=service_started service_healthy service_completed_successfully"`
}

// Network is a named network declaration.
type Network struct {
	Driver string `yaml:"driver" validate:"required"`
}

// Volume is a named volume declaration.
type Volume struct {
	Driver string `yaml:"driver,omitempty"`
}
