package provider

// Model-event kinds, the provider-agnostic classification of a stream
// record.
const (
	KindAssistantMessage    = "assistant_message"
	KindAssistantToolResult = "assistant_tool_result"
	KindResultSuccess       = "result_success"
	KindResult              = "result"
	KindSystem              = "system"
	KindUser                = "user"
	KindUnknown             = "unknown"
)

// Coarse event types.
const (
	TypeMessage = "message"
	TypeToolUse = "tool_use"
	TypeResult  = "result"
	TypeUnknown = "unknown"
)

// Message part tags.
const (
	PartText       = "text"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
	PartUnknown    = "unknown"
)

// MessagePart is one tagged element of a model message.
type MessagePart struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// ModelEvent is the normalized payload for a producer:"model" stream
// envelope. Adapters map whatever their provider emits onto this shape so
// downstream consumers stay provider-agnostic.
type ModelEvent struct {
	Level          string        `json:"level"`
	ModelEventKind string        `json:"model_event_kind"`
	Type           string        `json:"type"`
	Message        []MessagePart `json:"message"`
	Summary        string        `json:"summary,omitempty"`
	ResultMessage  string        `json:"result_message,omitempty"`
}

// Payload renders the event as the generic map carried in envelopes.
func (e ModelEvent) Payload() map[string]any {
	var message any
	if e.Message != nil {
		parts := make([]any, 0, len(e.Message))
		for _, p := range e.Message {
			parts = append(parts, map[string]any{"type": p.Type, "content": p.Content})
		}
		message = parts
	}
	payload := map[string]any{
		"level":            e.Level,
		"model_event_kind": e.ModelEventKind,
		"type":             e.Type,
		"message":          message,
	}
	if e.Summary != "" {
		payload["summary"] = e.Summary
	} else {
		payload["summary"] = nil
	}
	if e.ResultMessage != "" {
		payload["result_message"] = e.ResultMessage
	} else {
		payload["result_message"] = nil
	}
	return payload
}
