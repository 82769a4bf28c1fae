package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodexBuildCommand(t *testing.T) {
	a := NewCodexAdapter()

	cmd := a.BuildCommand("do the thing", "")
	assert.Equal(t, "codex", cmd.Command)
	assert.Equal(t, []string{"exec", "--json", "-"}, cmd.Args)
	assert.Equal(t, "do the thing", cmd.Stdin)

	// Codex has no schema flag; the constraint rides in the prompt.
	withSchema := a.BuildCommand("do it", "/runs/r1/execute_schema.json")
	assert.Equal(t, []string{"exec", "--json", "-"}, withSchema.Args)
	assert.Contains(t, withSchema.Stdin, "/runs/r1/execute_schema.json")
}

func TestCodexAgentMessageBecomesTerminalText(t *testing.T) {
	a := NewCodexAdapter()
	require.True(t, a.TerminalStream())

	var events []ModelEvent
	emit := func(e ModelEvent) { events = append(events, e) }

	a.HandleOutputLine(`{"type":"item.completed","item":{"type":"agent_message","text":"{\"status\":\"succeeded\"}"}}`, emit)
	a.HandleOutputLine(`{"type":"turn.completed"}`, emit)

	require.Len(t, events, 2)
	assert.Equal(t, KindAssistantMessage, events[0].ModelEventKind)
	assert.Equal(t, KindResultSuccess, events[1].ModelEventKind)
	assert.Equal(t, `{"status":"succeeded"}`, events[1].ResultMessage)
	assert.Equal(t, `{"status":"succeeded"}`, a.TerminalResultText())
}

func TestCodexCommandExecution(t *testing.T) {
	a := NewCodexAdapter()
	var events []ModelEvent
	a.HandleOutputLine(`{"type":"item.completed","item":{"type":"command_execution","command":"ls","aggregated_output":"file.txt"}}`, func(e ModelEvent) {
		events = append(events, e)
	})
	require.Len(t, events, 1)
	assert.Equal(t, KindAssistantToolResult, events[0].ModelEventKind)
	assert.Equal(t, TypeToolUse, events[0].Type)
	require.Len(t, events[0].Message, 2)
	assert.Equal(t, PartToolUse, events[0].Message[0].Type)
	assert.Equal(t, PartToolResult, events[0].Message[1].Type)
}

func TestCodexErrorLine(t *testing.T) {
	a := NewCodexAdapter()
	var events []ModelEvent
	a.HandleOutputLine(`{"type":"error","error":{"message":"rate limited"}}`, func(e ModelEvent) {
		events = append(events, e)
	})
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Level)
	assert.Equal(t, "rate limited", events[0].Summary)
}

func TestCodexReset(t *testing.T) {
	a := NewCodexAdapter()
	a.HandleOutputLine(`{"type":"item.completed","item":{"type":"agent_message","text":"x"}}`, func(ModelEvent) {})
	require.NotEmpty(t, a.TerminalResultText())
	a.Reset()
	assert.Empty(t, a.TerminalResultText())
}

func TestProviderRegistry(t *testing.T) {
	claude, err := New("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", claude.Name())

	codex, err := New("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", codex.Name())

	_, err = New("gemini")
	assert.Error(t, err)
}
