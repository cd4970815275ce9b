package manifest

import (
	"evalgo.org/graphdeploy/models"
)

const (
	defaultNetwork = "default"
	buildContext   = "."
)

// ServiceComponent builds the component of one generated service.
//
// dependencies is the already merged, deduplicated dependency list; databases
// holds the settings of the databases among them, which become
// DATABASE_URL_<NAME> variables. Caller env vars are applied first, then the
// database URLs, then the standard variables, so the standard ones win.
func ServiceComponent(result models.GenerationResult, projectID string, envVars map[string]string, dependencies []string, databases []DatabaseSettings) *models.Component {
	env := make(map[string]string, len(envVars)+len(databases)+3)
	for k, v := range envVars {
		env[k] = v
	}
	for _, db := range databases {
		env[db.EnvName()] = db.URL()
	}
	env["NODE_ENV"] = "production"
	env["SERVICE_NAME"] = result.ServiceName
	env["PROJECT_ID"] = projectID

	c := &models.Component{
		Build: &models.BuildSpec{
			Context:    buildContext,
			Dockerfile: "Dockerfile." + result.ServiceName,
		},
		ContainerName: result.ServiceName + "-container",
		Environment:   env,
		Networks:      []string{defaultNetwork},
		Restart:       "unless-stopped",
		HealthCheck: &models.HealthCheck{
			Test:        []string{"CMD", "curl", "-f", "http://localhost:3000/health"},
			Interval:    "30s",
			Timeout:     "10s",
			Retries:     3,
			StartPeriod: "40s",
		},
	}

	if len(dependencies) > 0 {
		c.DependsOn = make(map[string]models.DependsOnCondition, len(dependencies))
		for _, dep := range dependencies {
			c.DependsOn[dep] = models.DependsOnCondition{Condition: models.ConditionHealthy}
		}
	}
	return c
}

// mergeDependencies returns the union of both lists in first-seen order.
func mergeDependencies(serviceDeps, databaseDeps []string) []string {
	seen := make(map[string]bool, len(serviceDeps)+len(databaseDeps))
	var out []string
	for _, list := range [][]string{serviceDeps, databaseDeps} {
		for _, dep := range list {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}
