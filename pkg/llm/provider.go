package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ProviderRequest is the provider-facing form of a dispatch.
type ProviderRequest struct {
	Model           string
	System          string // optional system prompt
	Prompt          string // fully assembled user prompt
	MaxOutputTokens int
}

// ProviderResponse is a provider's reply with exact token accounting.
type ProviderResponse struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// Provider sends one request to an LLM backend. Implementations return
// *StatusError (or typed net errors) on failure so the dispatcher can
// classify transient vs permanent.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
}

// BuildPrompt assembles the final prompt text from a prompt body and the
// stage's validated inputs. Inputs are rendered as a deterministic
// key-sorted block appended after the body, so identical requests produce
// identical prompts (and identical token estimates).
func BuildPrompt(body string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return body
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n\n## Inputs\n")
	for _, k := range keys {
		sb.WriteString("\n### ")
		sb.WriteString(k)
		sb.WriteString("\n")
		sb.WriteString(renderInput(inputs[k]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderInput(v any) string {
	switch value := v.(type) {
	case string:
		return value
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}
