package pipeline

import (
	"fmt"
	"strings"

	"github.com/devflow-ai/devflow/pkg/session"
)

// Input reference prefixes understood by a stage's inputs map.
//
//	stages.<stage>.<field> — output field of an upstream stage
//	args.<name>            — command argument
//	session.<key>          — session context (id, command)
//
// Anything else is taken as a literal value.
const (
	refStages  = "stages."
	refArgs    = "args."
	refSession = "session."
)

// resolveInputs assembles a stage's prompt inputs from upstream stage
// outputs, command arguments and session context per the declared map.
func resolveInputs(inputsMap map[string]string, args map[string]string, sess *session.Session) (map[string]any, error) {
	if len(inputsMap) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(inputsMap))
	for name, ref := range inputsMap {
		value, err := resolveRef(ref, args, sess)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func resolveRef(ref string, args map[string]string, sess *session.Session) (any, error) {
	switch {
	case strings.HasPrefix(ref, refStages):
		rest := strings.TrimPrefix(ref, refStages)
		stageName, field, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, fmt.Errorf("malformed stage reference %q (want stages.<stage>.<field>)", ref)
		}
		rec, exists := sess.Stages[stageName]
		if !exists || rec.State != session.StageCompleted {
			return nil, fmt.Errorf("upstream stage %q has no completed outputs", stageName)
		}
		value, exists := rec.Outputs[field]
		if !exists {
			return nil, fmt.Errorf("upstream stage %q produced no output %q", stageName, field)
		}
		return value, nil

	case strings.HasPrefix(ref, refArgs):
		name := strings.TrimPrefix(ref, refArgs)
		value, exists := args[name]
		if !exists {
			return nil, fmt.Errorf("command argument %q not provided", name)
		}
		return value, nil

	case strings.HasPrefix(ref, refSession):
		key := strings.TrimPrefix(ref, refSession)
		switch key {
		case "id":
			return sess.ID, nil
		case "command":
			return sess.Command, nil
		default:
			return nil, fmt.Errorf("unknown session context key %q", key)
		}

	default:
		return ref, nil // literal
	}
}
