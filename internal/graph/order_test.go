package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOrder_Waves(t *testing.T) {
	components := []string{"web", "api", "db", "cache"}
	deps := map[string][]string{
		"web": {"api"},
		"api": {"db", "cache"},
	}

	waves, err := StartOrder(components, deps)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cache", "db"}, {"api"}, {"web"}}, waves)
}

func TestStartOrder_UnknownDependency(t *testing.T) {
	_, err := StartOrder([]string{"api"}, map[string][]string{"api": {"ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent component ghost")
}

func TestStartOrder_Cycle(t *testing.T) {
	components := []string{"a", "b", "c", "d"}
	deps := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}

	_, err := StartOrder(components, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency detected")
	assert.Contains(t, err.Error(), "[a b c]")
}

func TestStartOrder_Empty(t *testing.T) {
	waves, err := StartOrder(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, waves)
}
