package provider

import (
	"strings"
	"sync"

	"conductor/internal/jsonx"
)

// CodexAdapter drives `codex exec --json`, which emits one JSON event per
// line and reports the final agent message as an item.completed record.
// Like claude, the usable result only exists at the end of the stream.
type CodexAdapter struct {
	mu          sync.Mutex
	lastMessage string
}

// NewCodexAdapter returns a fresh adapter for the codex CLI.
func NewCodexAdapter() *CodexAdapter {
	return &CodexAdapter{}
}

func (a *CodexAdapter) Name() string { return "codex" }

// BuildCommand reads the prompt from stdin. Codex has no schema flag; the
// schema, when present, is inlined into the prompt as a constraint.
func (a *CodexAdapter) BuildCommand(prompt string, schemaPath string) Command {
	if schemaPath != "" {
		prompt = prompt + "\n\nRespond with a single JSON object conforming to the schema in " + schemaPath + "."
	}
	return Command{Command: "codex", Args: []string{"exec", "--json", "-"}, Stdin: prompt}
}

func (a *CodexAdapter) TerminalStream() bool { return true }

func (a *CodexAdapter) TerminalResultText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMessage
}

func (a *CodexAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastMessage = ""
}

type codexLine struct {
	Type string `json:"type"`
	Item struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Command string `json:"command"`
		Output  string `json:"aggregated_output"`
	} `json:"item"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HandleOutputLine parses one codex event line into a normalized event.
func (a *CodexAdapter) HandleOutputLine(line string, emit func(ModelEvent)) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return
	}
	var record codexLine
	if err := jsonx.Unmarshal([]byte(trimmed), &record); err != nil {
		return
	}

	switch record.Type {
	case "item.completed":
		switch record.Item.Type {
		case "agent_message":
			a.mu.Lock()
			a.lastMessage = record.Item.Text
			a.mu.Unlock()
			emit(ModelEvent{
				Level:          "info",
				ModelEventKind: KindAssistantMessage,
				Type:           TypeMessage,
				Message:        []MessagePart{{Type: PartText, Content: record.Item.Text}},
				Summary:        record.Item.Text,
			})
		case "command_execution":
			emit(ModelEvent{
				Level:          "info",
				ModelEventKind: KindAssistantToolResult,
				Type:           TypeToolUse,
				Message: []MessagePart{
					{Type: PartToolUse, Content: record.Item.Command},
					{Type: PartToolResult, Content: record.Item.Output},
				},
			})
		default:
			emit(ModelEvent{
				Level:          "info",
				ModelEventKind: KindUnknown,
				Type:           TypeUnknown,
			})
		}
	case "turn.completed":
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: KindResultSuccess,
			Type:           TypeResult,
			ResultMessage:  a.TerminalResultText(),
		})
	case "error":
		emit(ModelEvent{
			Level:          "error",
			ModelEventKind: KindSystem,
			Type:           TypeUnknown,
			Summary:        record.Error.Message,
		})
	default:
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: KindSystem,
			Type:           TypeUnknown,
		})
	}
}
