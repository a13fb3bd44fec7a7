package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/prompt"
)

var declaredResult = []prompt.OutputField{{Name: "result", Type: "string", Required: true}}

func TestParseOutputs_WholeBodyJSON(t *testing.T) {
	outputs, err := parseOutputs(`{"result": "ok", "confidence": 0.9}`, declaredResult)
	require.NoError(t, err)
	assert.Equal(t, "ok", outputs["result"])
	assert.Equal(t, 0.9, outputs["confidence"])
}

func TestParseOutputs_FencedBlock(t *testing.T) {
	text := "Here is my answer:\n```json\n{\"result\": \"fenced\"}\n```\nDone."
	outputs, err := parseOutputs(text, declaredResult)
	require.NoError(t, err)
	assert.Equal(t, "fenced", outputs["result"])
}

func TestParseOutputs_EmbeddedObject(t *testing.T) {
	text := `After much thought, {"result": "embedded {brace} value"} is my conclusion.`
	outputs, err := parseOutputs(text, declaredResult)
	require.NoError(t, err)
	assert.Equal(t, "embedded {brace} value", outputs["result"])
}

func TestParseOutputs_MissingRequiredField(t *testing.T) {
	_, err := parseOutputs(`{"something_else": 1}`, declaredResult)
	require.Error(t, err)
	assert.Equal(t, llm.KindResponseInvalid, llm.KindOf(err))
}

func TestParseOutputs_NoJSONAtAll(t *testing.T) {
	_, err := parseOutputs("just prose, no structure", declaredResult)
	require.Error(t, err)
	assert.Equal(t, llm.KindResponseInvalid, llm.KindOf(err))
}

func TestParseOutputs_NoDeclaredOutputsReturnsText(t *testing.T) {
	outputs, err := parseOutputs("free-form analysis", nil)
	require.NoError(t, err)
	assert.Equal(t, "free-form analysis", outputs["text"])
}

func TestParseOutputs_OptionalFieldMayBeAbsent(t *testing.T) {
	declared := []prompt.OutputField{
		{Name: "result", Required: true},
		{Name: "notes", Required: false},
	}
	outputs, err := parseOutputs(`{"result": "ok"}`, declared)
	require.NoError(t, err)
	assert.NotContains(t, outputs, "notes")
}

func TestConfidenceOf(t *testing.T) {
	c, ok := confidenceOf(map[string]any{"confidence": 0.42})
	assert.True(t, ok)
	assert.Equal(t, 0.42, c)

	_, ok = confidenceOf(map[string]any{"confidence": "high"})
	assert.False(t, ok)

	_, ok = confidenceOf(map[string]any{})
	assert.False(t, ok)
}
