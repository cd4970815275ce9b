// Package manifest turns a project graph and its generation results into a
// validated deployment manifest.
//
// Generation is a pure transformation once the graph is fetched:
//
//  1. every supported DATABASE node becomes a stateful component with a volume
//  2. every generation result whose node exists becomes a built component that
//     depends on its upstream services and databases
//  3. the manifest is validated (shape, references, cycles) and serialized
//
// Unsupported database engines and results without a node are skipped with a
// warning; everything else that is wrong aborts generation with a validation
// error.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/graph"
	"evalgo.org/graphdeploy/models"
)

// GraphProvider returns the current service graph of a project.
type GraphProvider interface {
	GetGraph(ctx context.Context, projectID string) (*models.Graph, error)
}

// Result is the outcome of one generation call.
type Result struct {
	// Manifest is the validated manifest
	Manifest *models.Manifest

	// Content is the serialized manifest
	Content string

	// Dockerfiles maps service name to Dockerfile text for results with a code path
	Dockerfiles map[string]string

	// ServiceDependencies lists the services taking part in a service dependency,
	// or every component name when there is none
	ServiceDependencies []string

	// Warnings describes skipped inputs
	Warnings []string
}

// Generator produces manifests. The zero value has no graph provider.
type Generator struct {
	graphs GraphProvider
	logger *slog.Logger
}

// NewGenerator creates a generator. graphs may be nil when the graph service
// is not configured; Generate then fails as unavailable.
func NewGenerator(graphs GraphProvider, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{graphs: graphs, logger: logger.With("component", "manifest")}
}

// Generate fetches the project graph and builds its manifest.
func (g *Generator) Generate(ctx context.Context, projectID string, results []models.GenerationResult, envVars map[string]string) (*Result, error) {
	if g.graphs == nil {
		return nil, errdefs.Unavailablef("graph service client not available")
	}

	gr, err := g.graphs.GetGraph(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetch graph for project %s: %w", projectID, err)
	}
	if gr == nil {
		return nil, errdefs.Validationf("graph for project %s is empty", projectID)
	}

	return g.Build(projectID, gr, results, envVars)
}

// Build generates the manifest for an already fetched graph.
func (g *Generator) Build(projectID string, gr *models.Graph, results []models.GenerationResult, envVars map[string]string) (*Result, error) {
	resolver := graph.NewResolver(gr)

	if len(resolver.ServiceNodes()) == 0 {
		return nil, errdefs.Validationf("no service nodes found in graph")
	}
	if len(results) == 0 {
		return nil, errdefs.Validationf("no generation results provided")
	}

	out := &Result{Dockerfiles: map[string]string{}}
	warn := func(msg string, args ...any) {
		text := fmt.Sprintf(msg, args...)
		out.Warnings = append(out.Warnings, text)
		g.logger.Warn(text, "project_id", projectID)
	}

	m := &models.Manifest{
		Version:  models.ManifestVersion,
		Services: map[string]*models.Component{},
		Networks: map[string]models.Network{defaultNetwork: {Driver: "bridge"}},
	}
	volumes := map[string]models.Volume{}

	databases := map[string]DatabaseSettings{}
	for _, node := range resolver.DatabaseNodes() {
		settings, err := ResolveDatabaseSettings(node, projectID)
		if err != nil {
			warn("skipping database node %s: %v", node.ID, err)
			continue
		}
		if _, dup := databases[settings.ConnectionName]; dup {
			warn("database connection name %s is used by more than one node; node %s wins", settings.ConnectionName, node.ID)
		}
		databases[settings.ConnectionName] = settings
		m.Services[settings.ConnectionName] = DatabaseComponent(settings)
		volumes[settings.VolumeName()] = models.Volume{}
	}

	serviceDeps := resolver.ServiceDependencies()
	serviceNodes := map[string]string{}
	for _, result := range results {
		node := resolver.Node(result.NodeID)
		if node == nil || node.Kind != models.NodeKindService {
			warn("node %s not found in graph, skipping service %s", result.NodeID, result.ServiceName)
			continue
		}
		if _, isDB := databases[result.ServiceName]; isDB {
			return nil, errdefs.Validationf("service %s (node %s) has the same name as a database connection", result.ServiceName, node.ID)
		}
		if prev, dup := serviceNodes[result.ServiceName]; dup {
			return nil, errdefs.Validationf("service name %s is used by nodes %s and %s", result.ServiceName, prev, node.ID)
		}
		serviceNodes[result.ServiceName] = node.ID

		var dbDeps []string
		var dbSettings []DatabaseSettings
		for _, name := range resolver.DatabaseDependencies(node.ID) {
			settings, ok := databases[name]
			if !ok {
				warn("service %s depends on skipped database %s", result.ServiceName, name)
				continue
			}
			dbDeps = append(dbDeps, name)
			dbSettings = append(dbSettings, settings)
		}

		deps := mergeDependencies(serviceDeps[result.ServiceName], dbDeps)
		m.Services[result.ServiceName] = ServiceComponent(result, projectID, envVars, deps, dbSettings)

		if result.GeneratedCodePath != "" {
			dockerfile, err := RenderDockerfile(result)
			if err != nil {
				return nil, fmt.Errorf("render dockerfile for %s: %w", result.ServiceName, err)
			}
			out.Dockerfiles[result.ServiceName] = dockerfile
		}
	}

	if len(volumes) > 0 {
		m.Volumes = volumes
	}

	if err := Validate(m); err != nil {
		return nil, errdefs.Validation(fmt.Errorf("invalid manifest: %w", err))
	}

	content, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize manifest: %w", err)
	}

	out.Manifest = m
	out.Content = content
	out.ServiceDependencies = resolver.InvolvedServices()
	if len(out.ServiceDependencies) == 0 {
		for name := range m.Services {
			out.ServiceDependencies = append(out.ServiceDependencies, name)
		}
		sort.Strings(out.ServiceDependencies)
	}

	g.logger.Info("generated manifest",
		"project_id", projectID,
		"components", len(m.Services),
		"databases", len(databases),
		"warnings", len(out.Warnings))

	return out, nil
}
