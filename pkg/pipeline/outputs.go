package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/prompt"
)

// parseOutputs validates a model response against the prompt's declared
// output contract and returns the typed output map.
//
// The response must contain a JSON object carrying the declared fields —
// either the whole response, a fenced ```json block, or the first balanced
// object in the text. Prompts declaring no outputs get the raw text under
// the "text" key.
func parseOutputs(text string, declared []prompt.OutputField) (map[string]any, error) {
	if len(declared) == 0 {
		return map[string]any{"text": text}, nil
	}

	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, llm.NewError(llm.KindResponseInvalid, "response carries no JSON object", err)
	}

	var outputs map[string]any
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, llm.NewError(llm.KindResponseInvalid, "response JSON is not an object", err)
	}

	for _, field := range declared {
		if !field.Required {
			continue
		}
		if _, ok := outputs[field.Name]; !ok {
			return nil, llm.NewError(llm.KindResponseInvalid,
				fmt.Sprintf("response missing declared output %q", field.Name), nil)
		}
	}
	return outputs, nil
}

// extractJSONObject finds the JSON object in a response: whole text, fenced
// block, or first balanced braces.
func extractJSONObject(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if fenced, ok := extractFencedJSON(trimmed); ok {
		return fenced, nil
	}

	if balanced, ok := extractBalancedObject(trimmed); ok {
		return balanced, nil
	}

	return "", fmt.Errorf("no JSON object found in %d-byte response", len(text))
}

func extractFencedJSON(text string) (string, bool) {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") && json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// extractBalancedObject scans for the first balanced top-level JSON object.
// Tracks string/escape state so braces inside string values don't miscount.
func extractBalancedObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					return "", false
				}
			}
		}
	}
	return "", false
}

// confidenceOf extracts the conventional "confidence" output when present.
func confidenceOf(outputs map[string]any) (float64, bool) {
	v, ok := outputs["confidence"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
