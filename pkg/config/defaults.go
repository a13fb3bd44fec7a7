package config

import "time"

// Built-in default values applied when the YAML documents leave them unset.
const (
	DefaultSessionsDir   = ".ai/sessions"
	DefaultPromptsDir    = "prompts"
	DefaultAgentsFile    = "agents.json"
	DefaultCommandsFile  = "commands.yaml"
	DefaultApprovalsFile = ".mcp-approvals.json"

	DefaultMaxConcurrency     = 4
	DefaultContextWarnPercent = 70.0
	DefaultContextStopPercent = 85.0

	DefaultQueueWorkerCount       = 2
	DefaultQueueMaxConcurrentRuns = 4
)

// DefaultRetentionConfig returns the built-in retention cadence.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 90,
		CleanupInterval:      6 * time.Hour,
	}
}

// DefaultRuntimeConfig returns the built-in runtime tuning.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrency:     DefaultMaxConcurrency,
		ContextWarnPercent: DefaultContextWarnPercent,
		ContextStopPercent: DefaultContextStopPercent,
		Queue: &QueueConfig{
			WorkerCount:       DefaultQueueWorkerCount,
			MaxConcurrentRuns: DefaultQueueMaxConcurrentRuns,
		},
	}
}

// DefaultSessionStoreConfig returns the built-in file-backed store selection.
func DefaultSessionStoreConfig() *SessionStoreConfig {
	return &SessionStoreConfig{
		Backend: SessionStoreFile,
	}
}
