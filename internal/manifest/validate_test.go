package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/graphdeploy/models"
)

func validManifest() *models.Manifest {
	settings := DatabaseSettings{Kind: DatabasePostgres, ConnectionName: "store", Database: "app", User: "app", Password: "pw"}
	return &models.Manifest{
		Version: models.ManifestVersion,
		Services: map[string]*models.Component{
			"store": DatabaseComponent(settings),
			"api": ServiceComponent(models.GenerationResult{NodeID: "n", ServiceName: "api"}, "p1", nil,
				[]string{"store"}, []DatabaseSettings{settings}),
		},
		Networks: map[string]models.Network{"default": {Driver: "bridge"}},
		Volumes:  map[string]models.Volume{"store_data": {}},
	}
}

func TestValidate_Valid(t *testing.T) {
	require.NoError(t, Validate(validManifest()))
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidate_SchemaViolations(t *testing.T) {
	m := validManifest()
	m.Version = "2"
	m.Services["api"].HealthCheck = nil
	m.Services["api"].Build = nil

	err := Validate(m)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "Manifest.Version")
	assert.Contains(t, fields, "Manifest.Services[api].HealthCheck")
	assert.Contains(t, fields, "Manifest.Services[api].Image")
}

func TestValidate_ReferenceViolations(t *testing.T) {
	m := validManifest()
	m.Volumes = nil
	m.Services["api"].Networks = []string{"backend"}

	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared volume "store_data"`)
	assert.Contains(t, err.Error(), `undeclared network "backend"`)
}

func TestValidate_SelfDependency(t *testing.T) {
	m := validManifest()
	m.Services["api"].DependsOn["api"] = models.DependsOnCondition{Condition: models.ConditionHealthy}

	err := Validate(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency detected")
}

func TestParse_GeneratedContent(t *testing.T) {
	content, err := Marshal(validManifest())
	require.NoError(t, err)
	assert.Contains(t, content, `version: "3.8"`)
	assert.Contains(t, content, "condition: service_healthy")

	m, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, m.Services["api"].Dependencies())
	assert.Equal(t, "postgres:16-alpine", m.Services["store"].Image)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("version: [")
	assert.Error(t, err)

	_, err = Parse("version: \"3.8\"\nservices: {}\nnetworks:\n  default: {driver: bridge}\n")
	assert.Error(t, err)
}
