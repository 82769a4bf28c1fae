package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/jsonx"
)

func TestSequencerStartsAtZero(t *testing.T) {
	var seq Sequencer
	for want := int64(0); want < 5; want++ {
		assert.Equal(t, want, seq.Next())
	}
}

func TestNewStampsEnvelope(t *testing.T) {
	var seq Sequencer
	env := New(&seq, "run-1", TypeEvent, "execute", ProducerModel, map[string]any{"k": "v"})
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, int64(0), env.Sequence)
	assert.Equal(t, "execute", env.Phase)
	assert.Equal(t, ProducerModel, env.Producer)
	assert.Len(t, env.Timestamp, len(TimeFormat))

	nilPayload := New(&seq, "run-1", TypeEvent, "execute", ProducerSystem, nil)
	assert.NotNil(t, nilPayload.Payload)
}

func TestActionToolResultPairing(t *testing.T) {
	var seq Sequencer
	env, actionID := Action(&seq, "run-1", "execute", "s1", "provider", map[string]any{"a": 1})
	require.NotEmpty(t, actionID)
	assert.Equal(t, actionID, env.Payload["action_id"])
	assert.Equal(t, "s1", env.Payload["step_id"])
	assert.Equal(t, ActionKey("s1", "provider", actionID), env.Payload["idempotency_key"])

	result := ToolResult(&seq, "run-1", "execute", actionID, true, map[string]any{"detail": "x"})
	assert.Equal(t, actionID, result.Payload["action_id"])
	assert.Equal(t, true, result.Payload["ok"])
	assert.Equal(t, "x", result.Payload["detail"])
	assert.Greater(t, result.Sequence, env.Sequence)
}

func TestActionKeyDeterministic(t *testing.T) {
	a := ActionKey("s1", "shell", "act-1")
	b := ActionKey("s1", "shell", "act-1")
	c := ActionKey("s1", "shell", "act-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMarshalIsOneJSONLine(t *testing.T) {
	var seq Sequencer
	env := SystemEvent(&seq, "run-1", "intake", "info", "task accepted", nil)
	line, err := env.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	var decoded Envelope
	require.NoError(t, jsonx.Unmarshal(line, &decoded))
	assert.Equal(t, env.RunID, decoded.RunID)
	assert.Equal(t, "task accepted", decoded.Payload["message"])
}

func TestExtractUserOutputPreferenceChain(t *testing.T) {
	full := map[string]any{
		"output": "top-level",
		"error":  "oops",
		"phase_outputs": map[string]any{
			"report":  map[string]any{"message_markdown": "the report"},
			"execute": map[string]any{"summary": "the summary"},
		},
	}
	assert.Equal(t, "the report", ExtractUserOutput(full))

	delete(full["phase_outputs"].(map[string]any), "report")
	assert.Equal(t, "the summary", ExtractUserOutput(full))

	delete(full["phase_outputs"].(map[string]any), "execute")
	assert.Equal(t, "top-level", ExtractUserOutput(full))

	delete(full, "output")
	assert.Equal(t, "oops", ExtractUserOutput(full))

	serialized := ExtractUserOutput(map[string]any{"other": 1})
	assert.JSONEq(t, `{"other":1}`, serialized)
}

func TestExtractUserOutputSkipsBlankStrings(t *testing.T) {
	output := map[string]any{
		"output": "fallback",
		"phase_outputs": map[string]any{
			"report": map[string]any{"message_markdown": "   "},
		},
	}
	assert.Equal(t, "fallback", ExtractUserOutput(output))
}
