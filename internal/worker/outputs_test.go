package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObjectDirect(t *testing.T) {
	obj, err := ExtractJSONObject(`{"status":"succeeded","summary":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", obj["status"])
}

func TestExtractJSONObjectSurroundedByProse(t *testing.T) {
	obj, err := ExtractJSONObject("Here is my answer:\n{\"status\":\"failed\"}\nHope that helps.")
	require.NoError(t, err)
	assert.Equal(t, "failed", obj["status"])
}

func TestExtractJSONObjectFencedBlock(t *testing.T) {
	text := "Some preamble.\n```json\n{\"mode\": \"full\"}\n```\ntrailing text"
	obj, err := ExtractJSONObject(text)
	require.NoError(t, err)
	assert.Equal(t, "full", obj["mode"])
}

func TestExtractJSONObjectBareFence(t *testing.T) {
	text := "```\n{\"pass\": true}\n```"
	obj, err := ExtractJSONObject(text)
	require.NoError(t, err)
	assert.Equal(t, true, obj["pass"])
}

func TestExtractJSONObjectRepairsTrailingComma(t *testing.T) {
	obj, err := ExtractJSONObject(`{"status": "succeeded", "evidence": ["a", "b",],}`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", obj["status"])
}

func TestExtractJSONObjectUnwrapsStringMember(t *testing.T) {
	obj, err := ExtractJSONObject(`{"result": "{\"status\":\"succeeded\"}"}`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", obj["status"])
}

func TestExtractJSONObjectUnwrapsContentArray(t *testing.T) {
	text := `{"content": [{"type":"text","text":"{\"pass\":"},{"type":"text","text":"true}"}]}`
	obj, err := ExtractJSONObject(text)
	require.NoError(t, err)
	assert.Equal(t, true, obj["pass"])
}

func TestExtractJSONObjectKeepsPlainObject(t *testing.T) {
	// A wrapper key whose value holds no JSON leaves the object as is.
	obj, err := ExtractJSONObject(`{"status":"succeeded","output":"plain text"}`)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", obj["status"])
	assert.Equal(t, "plain text", obj["output"])
}

func TestExtractJSONObjectFailures(t *testing.T) {
	for name, text := range map[string]string{
		"empty":     "",
		"prose":     "no json here at all",
		"array":     `[1, 2, 3]`,
		"half open": `{"status": `,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractJSONObject(text)
			assert.Error(t, err)
		})
	}
}
