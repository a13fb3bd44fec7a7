// Package command defines the declarative command descriptors the pipeline
// engine executes: an ordered DAG of prompt stages with dependencies,
// parallel groups, retry and escalation policies.
package command

// RetryPolicy controls dispatcher retries for one stage.
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffMS         int     `yaml:"backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterMS          int     `yaml:"jitter_ms"`
}

// EscalationAction enumerates what happens when a stage's retries are exhausted.
type EscalationAction string

const (
	EscalateToAgent EscalationAction = "escalate-to-agent"
	FallbackPrompt  EscalationAction = "fallback-prompt"
	Abort           EscalationAction = "abort"
)

// EscalationTrigger declares when escalation fires. Either or both fields
// may be set; an empty trigger fires on any permanent failure.
type EscalationTrigger struct {
	// ConfidenceBelow fires when the stage's parsed "confidence" output is
	// below this value.
	ConfidenceBelow *float64 `yaml:"confidence_below,omitempty"`

	// ErrorKinds fires when the dispatch failure kind is in this set.
	ErrorKinds []string `yaml:"error_kinds,omitempty"`
}

// Escalation declares a stage's last-resort recovery.
type Escalation struct {
	Trigger EscalationTrigger `yaml:"trigger"`
	Action  EscalationAction  `yaml:"action"`

	// FallbackPromptID is required when Action is fallback-prompt.
	FallbackPromptID string `yaml:"fallback_prompt,omitempty"`
}

// Stage is one node in a command's DAG, wrapping a single prompt dispatch.
type Stage struct {
	Name          string            `yaml:"name"`
	PromptID      string            `yaml:"prompt"`
	Agent         string            `yaml:"agent"`
	Model         string            `yaml:"model,omitempty"` // overrides the command model
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	ParallelGroup string            `yaml:"parallel_group,omitempty"`
	Retry         RetryPolicy       `yaml:"retry,omitempty"`
	Escalation    *Escalation       `yaml:"escalation,omitempty"`
	TimeoutMS     int               `yaml:"timeout_ms"`
	InputsMap     map[string]string `yaml:"inputs,omitempty"`
	Optional      bool              `yaml:"optional,omitempty"` // not in the required output set

	// MCPServers lists the external tool servers this stage uses. Approval
	// and availability are enforced before the stage dispatches.
	MCPServers []string `yaml:"mcp_servers,omitempty"`
}

// Command is an ordered DAG of stages plus run-level policy.
type Command struct {
	Name        string  `yaml:"-"`
	Description string  `yaml:"description,omitempty"`
	Model       string  `yaml:"model"`
	Stages      []Stage `yaml:"stages"`

	// RequiredStages lists the stage names whose outputs are mandatory for
	// the run to count as a success. Empty means every non-optional stage
	// is required.
	RequiredStages []string `yaml:"required_stages,omitempty"`

	// MaxConcurrency bounds parallel cohort execution. Zero means the
	// runtime default.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
}

// Stage returns the named stage, or nil.
func (c *Command) Stage(name string) *Stage {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i]
		}
	}
	return nil
}

// Required returns the effective required stage name set.
func (c *Command) Required() map[string]bool {
	required := make(map[string]bool)
	if len(c.RequiredStages) > 0 {
		for _, name := range c.RequiredStages {
			required[name] = true
		}
		return required
	}
	for _, st := range c.Stages {
		if !st.Optional {
			required[st.Name] = true
		}
	}
	return required
}

// DefaultRetryPolicy supplies the values EffectiveRetry fills in for unset
// MaxAttempts, BackoffMS and BackoffMultiplier. Its JitterMS is not applied:
// a stage without a jitter setting retries with no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffMS:         1000,
		BackoffMultiplier: 2,
		JitterMS:          100,
	}
}

// EffectiveRetry returns the stage's retry policy with defaults applied.
func (s *Stage) EffectiveRetry() RetryPolicy {
	p := s.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if p.BackoffMS <= 0 {
		p.BackoffMS = DefaultRetryPolicy().BackoffMS
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = DefaultRetryPolicy().BackoffMultiplier
	}
	return p
}
