// Package config loads and validates the devflow configuration documents:
// devflow.yaml (system paths, runtime tuning, MCP servers, session store)
// and llm-providers.yaml (providers and models). Loading is one-shot at
// startup; the resulting Config is immutable.
package config

import "time"

// Config is the fully loaded and validated configuration.
type Config struct {
	configDir string

	System       *SystemConfig
	Runtime      *RuntimeConfig
	Defaults     *Defaults
	SessionStore *SessionStoreConfig

	MCPServerRegistry *MCPServerRegistry
	ProviderRegistry  *ProviderRegistry
	ModelRegistry     *ModelRegistry
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarises loaded configuration for the health endpoint.
type Stats struct {
	MCPServers int
	Providers  int
	Models     int
}

// Stats returns counts of loaded configuration components.
func (c *Config) Stats() Stats {
	return Stats{
		MCPServers: c.MCPServerRegistry.Len(),
		Providers:  c.ProviderRegistry.Len(),
		Models:     c.ModelRegistry.Len(),
	}
}

// SystemConfig groups filesystem layout and retention settings.
type SystemConfig struct {
	SessionsDir   string           `yaml:"sessions_dir"`   // session log directory
	PromptsDir    string           `yaml:"prompts_dir"`    // prompt descriptor tree
	AgentsFile    string           `yaml:"agents_file"`    // agent registry JSON document
	CommandsFile  string           `yaml:"commands_file"`  // command definitions YAML
	ApprovalsFile string           `yaml:"approvals_file"` // persistent MCP approval cache
	Retention     *RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls the cleanup scheduler cadence. The retention
// implementation itself is external; only the hook cadence lives here.
type RetentionConfig struct {
	SessionRetentionDays int           `yaml:"session_retention_days"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// RuntimeConfig tunes the pipeline engine.
type RuntimeConfig struct {
	// MaxConcurrency bounds the number of stages executing at once within a
	// parallel cohort. Default 4.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ContextWarnPercent is the context-window utilisation at which a
	// StageProgress warning is emitted. Default 70.
	ContextWarnPercent float64 `yaml:"context_warn_percent"`

	// ContextStopPercent is the utilisation at which further dispatches for
	// the session are refused. Default 85.
	ContextStopPercent float64 `yaml:"context_stop_percent"`

	Queue *QueueConfig `yaml:"queue"`
}

// QueueConfig tunes the asynchronous run queue.
type QueueConfig struct {
	WorkerCount       int `yaml:"worker_count"`
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// Defaults holds fallback choices applied when a command does not specify them.
type Defaults struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// SessionStoreBackend selects the session persistence medium.
type SessionStoreBackend string

const (
	SessionStoreFile  SessionStoreBackend = "file"
	SessionStoreRedis SessionStoreBackend = "redis"
)

// SessionStoreConfig selects and configures the session store backend.
type SessionStoreConfig struct {
	Backend   SessionStoreBackend `yaml:"backend"`
	RedisAddr string              `yaml:"redis_addr"`
	RedisDB   int                 `yaml:"redis_db"`
}

// TransportType identifies how an MCP server is reached.
type TransportType string

const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// TransportConfig describes the connection to an MCP server.
type TransportConfig struct {
	Type    TransportType     `yaml:"type"`
	Command string            `yaml:"command,omitempty"` // stdio
	Args    []string          `yaml:"args,omitempty"`    // stdio
	Env     map[string]string `yaml:"env,omitempty"`     // stdio
	URL     string            `yaml:"url,omitempty"`     // http / sse
	Timeout int               `yaml:"timeout,omitempty"` // seconds, http / sse
}

// MCPServerConfig describes one configured external tool server.
type MCPServerConfig struct {
	Description string          `yaml:"description,omitempty"`
	Disabled    bool            `yaml:"disabled,omitempty"`
	Transport   TransportConfig `yaml:"transport"`
}

// ProviderType identifies an LLM provider implementation.
type ProviderType string

const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeMock      ProviderType = "mock" // tests and dry runs
)

// ProviderConfig describes an LLM provider endpoint.
type ProviderConfig struct {
	Type      ProviderType `yaml:"type"`
	APIKeyEnv string       `yaml:"api_key_env,omitempty"`
	BaseURL   string       `yaml:"base_url,omitempty"`
}

// ModelConfig describes a single model's limits and routing.
type ModelConfig struct {
	Provider          string `yaml:"provider"`            // → ProviderConfig key
	ContextWindow     int    `yaml:"context_window"`      // tokens
	MaxOutputTokens   int    `yaml:"max_output_tokens"`   // reserved output budget
	SerializeRequests bool   `yaml:"serialize_requests"`  // one in-flight request per model
	EscalationTarget  string `yaml:"escalation_target,omitempty"` // higher-context model for escalations
}
