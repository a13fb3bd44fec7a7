// Package session holds the resumable per-run event log: an append-only
// sequence of pipeline events plus a rolled-up summary (state, stage
// records, token counters) derived from them.
//
// The rollup is a pure function of the event sequence — stores persist
// events as the source of truth and maintain the summary as a sidecar that
// may lag but never loses events.
package session

import (
	"time"

	"github.com/devflow-ai/devflow/pkg/events"
)

// State is the session lifecycle state.
type State string

const (
	StateLive      State = "live"
	StateAborting  State = "aborting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Terminal reports whether the state admits no further appends.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// StageState is the per-stage lifecycle state within a session.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// StageRecord captures one stage's execution within a session.
type StageRecord struct {
	Name        string         `json:"name"`
	State       StageState     `json:"state"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Outputs     map[string]any `json:"outputs,omitempty"`

	// ResponseText buffers the last raw LLM response so an interrupted run
	// can replay output parsing on resume without re-dispatching.
	ResponseText string `json:"response_text,omitempty"`

	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
	ErrKind      string `json:"err_kind,omitempty"`
	ErrMessage   string `json:"err_message,omitempty"`
}

// TokenUsage accumulates per-session token counters.
type TokenUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Session is the rolled-up view of one command invocation.
type Session struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	State     State             `json:"state"`
	Tokens    TokenUsage        `json:"tokens"`

	// Stages maps stage name → record, built from the event log.
	Stages map[string]*StageRecord `json:"stages,omitempty"`

	// Events is the ordered event log. Populated by Store.Get; summaries
	// returned by Search/ListRecent leave it empty.
	Events []events.Event `json:"-"`
}

// Summary is the lightweight listing/search view of a session.
type Summary struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	EventCount int        `json:"event_count"`
	Tokens     TokenUsage `json:"tokens"`
}

// stageRecord returns the record for a stage, creating it if needed.
func (s *Session) stageRecord(name string) *StageRecord {
	if s.Stages == nil {
		s.Stages = make(map[string]*StageRecord)
	}
	rec, ok := s.Stages[name]
	if !ok {
		rec = &StageRecord{Name: name, State: StagePending}
		s.Stages[name] = rec
	}
	return rec
}

// ApplyEvent folds one event into the session summary. Stores call this on
// every append; Get calls it while replaying a log to reconstruct the
// summary from scratch.
func (s *Session) ApplyEvent(ev events.Event) {
	meta := ev.EventMeta()
	if !meta.Timestamp.IsZero() {
		s.UpdatedAt = meta.Timestamp
	}

	switch e := ev.(type) {
	case *events.PipelineStart:
		s.Command = e.Command
		if len(e.Args) > 0 {
			s.Args = e.Args
		}
		s.State = StateLive

	case *events.PipelineComplete:
		switch e.Outcome {
		case events.OutcomeFailure:
			s.State = StateFailed
		default:
			s.State = StateCompleted
		}

	case *events.PipelineError:
		if e.Reason == events.ReasonCancelled {
			s.State = StateAborted
		} else {
			s.State = StateFailed
		}

	case *events.StageStart:
		rec := s.stageRecord(meta.Stage)
		rec.State = StageRunning
		rec.Attempts = e.Attempt
		if rec.StartedAt.IsZero() {
			rec.StartedAt = meta.Timestamp
		}

	case *events.StageComplete:
		rec := s.stageRecord(meta.Stage)
		rec.State = StageCompleted
		rec.Outputs = e.Outputs
		rec.Attempts = e.Attempts
		rec.CompletedAt = meta.Timestamp
		rec.ErrKind = ""
		rec.ErrMessage = ""

	case *events.StageError:
		rec := s.stageRecord(meta.Stage)
		if e.Skipped {
			rec.State = StageSkipped
		} else {
			rec.State = StageFailed
		}
		rec.Attempts = e.Attempts
		rec.CompletedAt = meta.Timestamp
		rec.ErrKind = e.ErrKind
		rec.ErrMessage = e.Message

	case *events.LLMResponse:
		s.Tokens.PromptTokens += e.PromptTokens
		s.Tokens.OutputTokens += e.OutputTokens
		if meta.Stage != "" {
			rec := s.stageRecord(meta.Stage)
			rec.PromptTokens += e.PromptTokens
			rec.OutputTokens += e.OutputTokens
			rec.ResponseText = e.Text
		}
	}
}

// Summary returns the listing view of the session.
func (s *Session) Summary() Summary {
	return Summary{
		ID:         s.ID,
		Command:    s.Command,
		State:      s.State,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		EventCount: len(s.Events),
		Tokens:     s.Tokens,
	}
}

// CompletedStages returns the names of stages with a completed record.
func (s *Session) CompletedStages() map[string]bool {
	done := make(map[string]bool)
	for name, rec := range s.Stages {
		if rec.State == StageCompleted {
			done[name] = true
		}
	}
	return done
}
