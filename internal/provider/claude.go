package provider

import (
	"strings"
	"sync"

	"conductor/internal/jsonx"
)

// ClaudeAdapter drives the `claude` CLI in stream-json mode. Every line is
// a JSON record tagged with a type; the final result arrives as a
// distinguished {"type":"result"} record, so the stream is terminal.
type ClaudeAdapter struct {
	mu           sync.Mutex
	terminalText string
}

// NewClaudeAdapter returns a fresh adapter for the claude CLI.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

// BuildCommand passes the prompt on stdin and requests the stream-json
// output format. A schema file, when present, is forwarded so the CLI can
// constrain the result.
func (a *ClaudeAdapter) BuildCommand(prompt string, schemaPath string) Command {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if schemaPath != "" {
		args = append(args, "--output-schema", schemaPath)
	}
	return Command{Command: "claude", Args: args, Stdin: prompt}
}

func (a *ClaudeAdapter) TerminalStream() bool { return true }

func (a *ClaudeAdapter) TerminalResultText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminalText
}

func (a *ClaudeAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminalText = ""
}

type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	Message struct {
		Content []claudeContent `json:"content"`
	} `json:"message"`
}

type claudeContent struct {
	Type    string           `json:"type"`
	Text    string           `json:"text"`
	Name    string           `json:"name"`
	Input   jsonx.RawMessage `json:"input"`
	Content any              `json:"content"`
}

// HandleOutputLine parses one stream-json record and emits its normalized
// form. Non-JSON noise on the stream is ignored.
func (a *ClaudeAdapter) HandleOutputLine(line string, emit func(ModelEvent)) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return
	}
	var record claudeLine
	if err := jsonx.Unmarshal([]byte(trimmed), &record); err != nil {
		return
	}

	switch record.Type {
	case "assistant":
		event := ModelEvent{
			Level:          "info",
			ModelEventKind: KindAssistantMessage,
			Type:           TypeMessage,
			Message:        claudeParts(record.Message.Content),
		}
		event.Summary = firstText(event.Message)
		if hasToolUse(event.Message) {
			event.Type = TypeToolUse
		}
		emit(event)
	case "user":
		// Tool results come back on user-role records.
		parts := claudeParts(record.Message.Content)
		kind := KindUser
		if hasToolResult(parts) {
			kind = KindAssistantToolResult
		}
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: kind,
			Type:           TypeMessage,
			Message:        parts,
		})
	case "result":
		a.mu.Lock()
		a.terminalText = record.Result
		a.mu.Unlock()
		kind := KindResult
		if record.Subtype == "success" {
			kind = KindResultSuccess
		}
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: kind,
			Type:           TypeResult,
			ResultMessage:  record.Result,
		})
	case "system":
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: KindSystem,
			Type:           TypeUnknown,
		})
	default:
		emit(ModelEvent{
			Level:          "info",
			ModelEventKind: KindUnknown,
			Type:           TypeUnknown,
		})
	}
}

func claudeParts(content []claudeContent) []MessagePart {
	if len(content) == 0 {
		return nil
	}
	parts := make([]MessagePart, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "text":
			parts = append(parts, MessagePart{Type: PartText, Content: c.Text})
		case "tool_use":
			parts = append(parts, MessagePart{Type: PartToolUse, Content: map[string]any{
				"name":  c.Name,
				"input": string(c.Input),
			}})
		case "tool_result":
			parts = append(parts, MessagePart{Type: PartToolResult, Content: c.Content})
		default:
			parts = append(parts, MessagePart{Type: PartUnknown, Content: c.Text})
		}
	}
	return parts
}

func firstText(parts []MessagePart) string {
	for _, p := range parts {
		if p.Type == PartText {
			if text, ok := p.Content.(string); ok && text != "" {
				return text
			}
		}
	}
	return ""
}

func hasToolUse(parts []MessagePart) bool {
	for _, p := range parts {
		if p.Type == PartToolUse {
			return true
		}
	}
	return false
}

func hasToolResult(parts []MessagePart) bool {
	for _, p := range parts {
		if p.Type == PartToolResult {
			return true
		}
	}
	return false
}
