// Package events defines the typed pipeline event variants and the
// in-process publish/subscribe bus observers attach to.
//
// Every step of a pipeline run — stage scheduling, LLM dispatch, tool hooks,
// escalations — is described by exactly one event variant. Events flow
// synchronously through the Bus in publish order and are appended verbatim
// to the session log, so the session log and what observers saw are always
// the same sequence.
package events

import "time"

// Kind discriminates the event variants.
type Kind string

const (
	KindPipelineStart    Kind = "pipeline.start"
	KindPipelineComplete Kind = "pipeline.complete"
	KindPipelineError    Kind = "pipeline.error"

	KindStageStart    Kind = "stage.start"
	KindStageProgress Kind = "stage.progress"
	KindStageComplete Kind = "stage.complete"
	KindStageError    Kind = "stage.error"

	KindLLMRequest    Kind = "llm.request"
	KindLLMResponse   Kind = "llm.response"
	KindAgentThinking Kind = "agent.thinking"

	KindEscalationTriggered Kind = "escalation.triggered"
	KindEscalationResolved  Kind = "escalation.resolved"
	KindEscalationAborted   Kind = "escalation.aborted"

	KindToolHookTriggered Kind = "tool_hook.triggered"
	KindToolHookBlocked   Kind = "tool_hook.blocked"
	KindToolHookPost      Kind = "tool_hook.post"
)

// Meta carries the fields common to every event.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage,omitempty"`
}

// Event is the interface satisfied by all pipeline event variants.
type Event interface {
	EventKind() Kind
	EventMeta() Meta
}

// Progress levels used in StageProgress.Level.
const (
	ProgressLevelInfo    = "info"
	ProgressLevelWarning = "warning"
)

// Pipeline outcome values used in PipelineComplete.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Pipeline error reasons used in PipelineError.Reason.
const (
	ReasonCancelled = "cancelled"
	ReasonInternal  = "internal"
)

// PipelineStart announces a new or resumed run.
type PipelineStart struct {
	Meta      Meta              `json:"meta"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
	IsResumed bool              `json:"is_resumed"`
}

func (e *PipelineStart) EventKind() Kind { return KindPipelineStart }
func (e *PipelineStart) EventMeta() Meta { return e.Meta }

// PipelineComplete announces the terminal outcome of a run.
type PipelineComplete struct {
	Meta         Meta     `json:"meta"`
	Outcome      string   `json:"outcome"` // success | partial | failure
	FailedStages []string `json:"failed_stages,omitempty"`
	PromptTokens int      `json:"prompt_tokens"`
	OutputTokens int      `json:"output_tokens"`
	DurationMS   int64    `json:"duration_ms"`
}

func (e *PipelineComplete) EventKind() Kind { return KindPipelineComplete }
func (e *PipelineComplete) EventMeta() Meta { return e.Meta }

// PipelineError announces an abnormal run termination.
type PipelineError struct {
	Meta    Meta   `json:"meta"`
	Reason  string `json:"reason"` // cancelled | internal
	Message string `json:"message,omitempty"`
}

func (e *PipelineError) EventKind() Kind { return KindPipelineError }
func (e *PipelineError) EventMeta() Meta { return e.Meta }

// StageStart announces a stage attempt beginning.
type StageStart struct {
	Meta       Meta   `json:"meta"`
	PromptID   string `json:"prompt_id"`
	Agent      string `json:"agent"`
	Model      string `json:"model"`
	Attempt    int    `json:"attempt"`
	IsParallel bool   `json:"is_parallel"`
	Worktree   string `json:"worktree,omitempty"` // caller-supplied metadata
	Branch     string `json:"branch,omitempty"`   // caller-supplied metadata
}

func (e *StageStart) EventKind() Kind { return KindStageStart }
func (e *StageStart) EventMeta() Meta { return e.Meta }

// StageProgress carries intermediate narrative or warnings from a stage.
type StageProgress struct {
	Meta               Meta    `json:"meta"`
	Level              string  `json:"level"` // info | warning
	Message            string  `json:"message"`
	UtilisationPercent float64 `json:"utilisation_percent,omitempty"`
}

func (e *StageProgress) EventKind() Kind { return KindStageProgress }
func (e *StageProgress) EventMeta() Meta { return e.Meta }

// StageComplete is the success terminal for a stage.
type StageComplete struct {
	Meta       Meta           `json:"meta"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMS int64          `json:"duration_ms"`
}

func (e *StageComplete) EventKind() Kind { return KindStageComplete }
func (e *StageComplete) EventMeta() Meta { return e.Meta }

// StageError is the failure terminal for a stage.
type StageError struct {
	Meta     Meta   `json:"meta"`
	ErrKind  string `json:"err_kind"` // machine-readable llm.ErrorKind string
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
	Skipped  bool   `json:"skipped,omitempty"` // true when the stage never ran (upstream failure)
}

func (e *StageError) EventKind() Kind { return KindStageError }
func (e *StageError) EventMeta() Meta { return e.Meta }

// LLMRequest is emitted immediately before a provider call.
type LLMRequest struct {
	Meta                  Meta   `json:"meta"`
	Model                 string `json:"model"`
	PromptID              string `json:"prompt_id"`
	Attempt               int    `json:"attempt"`
	EstimatedPromptTokens int    `json:"estimated_prompt_tokens"`
	ReservedOutputTokens  int    `json:"reserved_output_tokens"`
}

func (e *LLMRequest) EventKind() Kind { return KindLLMRequest }
func (e *LLMRequest) EventMeta() Meta { return e.Meta }

// LLMResponse is emitted after a successful provider call.
// Text carries the full response body so an interrupted run can replay
// output parsing on resume without re-dispatching to the provider.
type LLMResponse struct {
	Meta         Meta   `json:"meta"`
	Model        string `json:"model"`
	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
	DurationMS   int64  `json:"duration_ms"`
	Text         string `json:"text,omitempty"`
}

func (e *LLMResponse) EventKind() Kind { return KindLLMResponse }
func (e *LLMResponse) EventMeta() Meta { return e.Meta }

// AgentThinking carries streamed intermediate model narrative.
type AgentThinking struct {
	Meta  Meta   `json:"meta"`
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

func (e *AgentThinking) EventKind() Kind { return KindAgentThinking }
func (e *AgentThinking) EventMeta() Meta { return e.Meta }

// EscalationTriggered announces that a stage's escalation policy fired.
type EscalationTriggered struct {
	Meta      Meta   `json:"meta"`
	Trigger   string `json:"trigger"` // e.g. "confidence<0.7", "error-kind:response_invalid"
	Action    string `json:"action"`  // escalate-to-agent | fallback-prompt | abort
	FromAgent string `json:"from_agent,omitempty"`
	FromModel string `json:"from_model,omitempty"`
}

func (e *EscalationTriggered) EventKind() Kind { return KindEscalationTriggered }
func (e *EscalationTriggered) EventMeta() Meta { return e.Meta }

// EscalationResolved announces a successful post-escalation attempt.
type EscalationResolved struct {
	Meta    Meta   `json:"meta"`
	ToAgent string `json:"to_agent,omitempty"`
	ToModel string `json:"to_model,omitempty"`
	Prompt  string `json:"prompt,omitempty"` // set for fallback-prompt escalations
}

func (e *EscalationResolved) EventKind() Kind { return KindEscalationResolved }
func (e *EscalationResolved) EventMeta() Meta { return e.Meta }

// EscalationAborted announces that escalation could not rescue the stage.
type EscalationAborted struct {
	Meta    Meta   `json:"meta"`
	Reason  string `json:"reason"`
	ErrKind string `json:"err_kind,omitempty"`
}

func (e *EscalationAborted) EventKind() Kind { return KindEscalationAborted }
func (e *EscalationAborted) EventMeta() Meta { return e.Meta }

// ToolHookTriggered announces an MCP tool invocation attempt.
type ToolHookTriggered struct {
	Meta          Meta   `json:"meta"`
	ServerID      string `json:"server_id"`
	Tool          string `json:"tool,omitempty"`
	NeedsApproval bool   `json:"needs_approval"`
}

func (e *ToolHookTriggered) EventKind() Kind { return KindToolHookTriggered }
func (e *ToolHookTriggered) EventMeta() Meta { return e.Meta }

// ToolHookBlocked announces an MCP call that was denied or unavailable.
type ToolHookBlocked struct {
	Meta     Meta   `json:"meta"`
	ServerID string `json:"server_id"`
	Tool     string `json:"tool,omitempty"`
	Reason   string `json:"reason"` // approval_denied | not_configured | unavailable | mcp_mode
}

func (e *ToolHookBlocked) EventKind() Kind { return KindToolHookBlocked }
func (e *ToolHookBlocked) EventMeta() Meta { return e.Meta }

// ToolHookPost announces a successful MCP tool call.
type ToolHookPost struct {
	Meta       Meta   `json:"meta"`
	ServerID   string `json:"server_id"`
	Tool       string `json:"tool"`
	DurationMS int64  `json:"duration_ms"`
}

func (e *ToolHookPost) EventKind() Kind { return KindToolHookPost }
func (e *ToolHookPost) EventMeta() Meta { return e.Meta }
