package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devflowYAML = `system:
  sessions_dir: /var/lib/devflow/sessions
  retention:
    session_retention_days: 30
runtime:
  max_concurrency: 8
  context_warn_percent: 60
  context_stop_percent: 80
defaults:
  provider: anthropic
  model: claude-sonnet
session_store:
  backend: file
mcp_servers:
  filesystem:
    description: Local file access
    transport:
      type: stdio
      command: mcp-fs
      args: ["--root", "/workspace"]
  search:
    disabled: true
    transport:
      type: http
      url: http://localhost:9200/mcp
`

const providersYAML = `llm_providers:
  anthropic:
    type: anthropic
    api_key_env: ANTHROPIC_API_KEY
models:
  claude-sonnet:
    provider: anthropic
    context_window: 200000
    max_output_tokens: 8192
    escalation_target: claude-opus
  claude-opus:
    provider: anthropic
    context_window: 1000000
    max_output_tokens: 8192
`

func writeConfigDir(t *testing.T, devflow, providers string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devflow.yaml"), []byte(devflow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm-providers.yaml"), []byte(providers), 0o644))
	return dir
}

func TestInitialize_LoadsAndValidates(t *testing.T) {
	dir := writeConfigDir(t, devflowYAML, providersYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/devflow/sessions", cfg.System.SessionsDir)
	assert.Equal(t, 30, cfg.System.Retention.SessionRetentionDays)
	assert.Equal(t, DefaultRetentionConfig().CleanupInterval, cfg.System.Retention.CleanupInterval)

	assert.Equal(t, 8, cfg.Runtime.MaxConcurrency)
	assert.Equal(t, 60.0, cfg.Runtime.ContextWarnPercent)
	assert.Equal(t, DefaultQueueWorkerCount, cfg.Runtime.Queue.WorkerCount, "unset queue keeps defaults")

	assert.Equal(t, "claude-sonnet", cfg.Defaults.Model)

	fs, err := cfg.MCPServerRegistry.Get("filesystem")
	require.NoError(t, err)
	assert.Equal(t, TransportTypeStdio, fs.Transport.Type)
	assert.Equal(t, "mcp-fs", fs.Transport.Command)

	search, err := cfg.MCPServerRegistry.Get("search")
	require.NoError(t, err)
	assert.True(t, search.Disabled)

	model, err := cfg.ModelRegistry.Get("claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, 200_000, model.ContextWindow)
	assert.Equal(t, "claude-opus", model.EscalationTarget)

	stats := cfg.Stats()
	assert.Equal(t, 2, stats.MCPServers)
	assert.Equal(t, 1, stats.Providers)
	assert.Equal(t, 2, stats.Models)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_SESSIONS_DIR", "/tmp/devflow-test")
	devflow := `system:
  sessions_dir: ${TEST_SESSIONS_DIR}/sessions
`
	dir := writeConfigDir(t, devflow, providersYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/devflow-test/sessions", cfg.System.SessionsDir)
}

func TestInitialize_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfigDir(t, "system: [unbalanced", providersYAML)
	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidator_RejectsBadReferences(t *testing.T) {
	providers := `llm_providers:
  anthropic:
    type: anthropic
    api_key_env: ANTHROPIC_API_KEY
models:
  claude-sonnet:
    provider: missing-provider
    context_window: 200000
    max_output_tokens: 8192
`
	dir := writeConfigDir(t, "", providers)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestValidator_RejectsStdioWithoutCommand(t *testing.T) {
	devflow := `mcp_servers:
  broken:
    transport:
      type: stdio
`
	dir := writeConfigDir(t, devflow, providersYAML)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestValidator_RejectsBadThresholds(t *testing.T) {
	devflow := `runtime:
  context_warn_percent: 90
  context_stop_percent: 80
`
	dir := writeConfigDir(t, devflow, providersYAML)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidator_RejectsRedisWithoutAddr(t *testing.T) {
	devflow := `session_store:
  backend: redis
`
	dir := writeConfigDir(t, devflow, providersYAML)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestValidator_RejectsUnknownProviderType(t *testing.T) {
	providers := `llm_providers:
  weird:
    type: telepathy
models: {}
`
	dir := writeConfigDir(t, "", providers)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestModelRegistry_LargestWindow(t *testing.T) {
	reg := NewModelRegistry(map[string]*ModelConfig{
		"small":  {Provider: "a", ContextWindow: 100},
		"medium": {Provider: "a", ContextWindow: 500},
		"big":    {Provider: "a", ContextWindow: 1000},
		"other":  {Provider: "b", ContextWindow: 9999},
	})

	assert.Equal(t, "big", reg.LargestWindow("small"))
	assert.Equal(t, "big", reg.LargestWindow("medium"))
	assert.Empty(t, reg.LargestWindow("big"), "no larger same-provider model")
	assert.Empty(t, reg.LargestWindow("ghost"))
}
