package events

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an event in the session log: one JSON object
// per line, discriminated by kind. The session log format is an internal
// contract — external consumers must go through the session store API.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// factories maps each kind to a constructor for decoding.
var factories = map[Kind]func() Event{
	KindPipelineStart:       func() Event { return &PipelineStart{} },
	KindPipelineComplete:    func() Event { return &PipelineComplete{} },
	KindPipelineError:       func() Event { return &PipelineError{} },
	KindStageStart:          func() Event { return &StageStart{} },
	KindStageProgress:       func() Event { return &StageProgress{} },
	KindStageComplete:       func() Event { return &StageComplete{} },
	KindStageError:          func() Event { return &StageError{} },
	KindLLMRequest:          func() Event { return &LLMRequest{} },
	KindLLMResponse:         func() Event { return &LLMResponse{} },
	KindAgentThinking:       func() Event { return &AgentThinking{} },
	KindEscalationTriggered: func() Event { return &EscalationTriggered{} },
	KindEscalationResolved:  func() Event { return &EscalationResolved{} },
	KindEscalationAborted:   func() Event { return &EscalationAborted{} },
	KindToolHookTriggered:   func() Event { return &ToolHookTriggered{} },
	KindToolHookBlocked:     func() Event { return &ToolHookBlocked{} },
	KindToolHookPost:        func() Event { return &ToolHookPost{} },
}

// Marshal encodes an event into its envelope form.
func Marshal(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.EventKind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.EventKind(), Payload: payload})
}

// Unmarshal decodes an envelope line back into a typed event.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	factory, ok := factories[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	ev := factory()
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return ev, nil
}
