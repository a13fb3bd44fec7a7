package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryDoc = `{
  "agents": {
    "planner": {
      "domains": ["plan"],
      "selection_criteria": ["architecture", "estimation"],
      "priority": 5
    },
    "reviewer": {
      "domains": ["review"],
      "selection_criteria": ["security", "correctness"],
      "priority": 5
    },
    "senior-reviewer": {
      "domains": ["review", "plan"],
      "selection_criteria": ["security", "correctness", "architecture"],
      "priority": 9
    },
    "generalist": {
      "domains": ["plan", "review", "implement"],
      "selection_criteria": [],
      "priority": 1
    }
  },
  "selectionCriteria": {
    "security": "security analysis",
    "correctness": "logic validation",
    "architecture": "system design",
    "estimation": "effort estimation"
  },
  "taskDomains": {
    "plan": "planning work",
    "review": "review work",
    "implement": "implementation work"
  }
}`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte(registryDoc), 0o644))

	reg := NewRegistry()
	require.NoError(t, reg.Load(path))
	return reg
}

func TestRegistry_QueryBeforeLoadFails(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.FindBestAgent("review", nil)
	assert.ErrorIs(t, err, ErrNotInitialised)

	_, err = reg.Get("reviewer")
	assert.ErrorIs(t, err, ErrNotInitialised)
}

func TestRegistry_FindBestAgentRanksByCriteriaThenPriority(t *testing.T) {
	reg := loadedRegistry(t)

	// Both reviewers match "security"; senior-reviewer also matches
	// "architecture" and has higher priority.
	role, err := reg.FindBestAgent("review", []string{"security", "architecture"})
	require.NoError(t, err)
	assert.Equal(t, "senior-reviewer", role)

	// With no criteria, ties on match count break by priority.
	role, err = reg.FindBestAgent("review", nil)
	require.NoError(t, err)
	assert.Equal(t, "senior-reviewer", role)
}

func TestRegistry_FindBestAgentNoDomainMatch(t *testing.T) {
	reg := loadedRegistry(t)

	role, err := reg.FindBestAgent("deploy", nil)
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestRegistry_FindBestAgentFiltersDomainFirst(t *testing.T) {
	reg := loadedRegistry(t)

	// planner matches both criteria but only covers "plan"; for "implement"
	// only the generalist qualifies despite zero criteria matches.
	role, err := reg.FindBestAgent("implement", []string{"architecture", "estimation"})
	require.NoError(t, err)
	assert.Equal(t, "generalist", role)
}

func TestRegistry_FindEscalationAgent(t *testing.T) {
	reg := loadedRegistry(t)

	// From reviewer (priority 5), only senior-reviewer (9) is stronger.
	role, err := reg.FindEscalationAgent("review", "reviewer", nil)
	require.NoError(t, err)
	assert.Equal(t, "senior-reviewer", role)

	// From the top there is nowhere to go.
	role, err = reg.FindEscalationAgent("review", "senior-reviewer", nil)
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestRegistry_GetAndRoles(t *testing.T) {
	reg := loadedRegistry(t)

	cap, err := reg.Get("planner")
	require.NoError(t, err)
	assert.Equal(t, "planner", cap.Role)
	assert.True(t, cap.HasDomain("plan"))
	assert.False(t, cap.HasDomain("review"))

	_, err = reg.Get("nobody")
	assert.Error(t, err)

	assert.Equal(t, []string{"generalist", "planner", "reviewer", "senior-reviewer"}, reg.Roles())
}

func TestRegistry_LoadMissingFileFails(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Load(filepath.Join(t.TempDir(), "absent.json")))
}
