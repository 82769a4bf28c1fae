// Package envelope defines the wire records emitted on a run's stream and
// replayed by the gateway's NDJSON endpoint.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/jsonx"
)

// Envelope types.
const (
	TypeStateChange = "state_change"
	TypeEvent       = "event"
	TypeAction      = "action"
	TypeToolResult  = "tool_result"
	TypeArtifact    = "artifact"
	TypeError       = "error"
)

// Producers.
const (
	ProducerSystem = "system"
	ProducerModel  = "model"
)

// TimeFormat matches the store's fixed-width ISO-8601 UTC layout.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Envelope is one record on a run's stream. Sequence is strictly monotonic
// within one run (and rewritten per response by the streaming endpoint).
type Envelope struct {
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Phase     string         `json:"phase"`
	Producer  string         `json:"producer"`
	Payload   map[string]any `json:"payload"`
}

// Sequencer hands out strictly increasing sequence numbers starting at 0.
type Sequencer struct {
	mu   sync.Mutex
	next int64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// New builds an envelope stamped with the current time and the next
// sequence from seq.
func New(seq *Sequencer, runID, typ, phase, producer string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		RunID:     runID,
		Sequence:  seq.Next(),
		Timestamp: time.Now().UTC().Format(TimeFormat),
		Type:      typ,
		Phase:     phase,
		Producer:  producer,
		Payload:   payload,
	}
}

// StateChange builds a state_change envelope.
func StateChange(seq *Sequencer, runID, phase, from, to string) Envelope {
	return New(seq, runID, TypeStateChange, phase, ProducerSystem, map[string]any{
		"from": from,
		"to":   to,
	})
}

// SystemEvent builds an event envelope for a system-produced message.
func SystemEvent(seq *Sequencer, runID, phase, level, message string, data map[string]any) Envelope {
	payload := map[string]any{"level": level, "message": message}
	if len(data) > 0 {
		payload["data"] = data
	}
	return New(seq, runID, TypeEvent, phase, ProducerSystem, payload)
}

// ErrorEnvelope builds an error envelope with a stable code.
func ErrorEnvelope(seq *Sequencer, runID, phase, code, message string) Envelope {
	return New(seq, runID, TypeError, phase, ProducerSystem, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Artifact builds an artifact envelope.
func Artifact(seq *Sequencer, runID, phase, name, format, content string) Envelope {
	return New(seq, runID, TypeArtifact, phase, ProducerSystem, map[string]any{
		"name":    name,
		"format":  format,
		"content": content,
	})
}

// NewActionID returns a fresh unique id for an action envelope.
func NewActionID() string {
	return "act-" + uuid.NewString()
}

// ActionKey derives the deterministic idempotency key carried on an
// action envelope from its (step_id, tool, action_id) triple.
func ActionKey(stepID, tool, actionID string) string {
	sum := sha256.Sum256([]byte(stepID + "|" + tool + "|" + actionID))
	return hex.EncodeToString(sum[:])
}

// Action builds an action envelope and returns it with its action id.
func Action(seq *Sequencer, runID, phase, stepID, tool string, arguments map[string]any) (Envelope, string) {
	actionID := NewActionID()
	env := New(seq, runID, TypeAction, phase, ProducerSystem, map[string]any{
		"action_id":       actionID,
		"step_id":         stepID,
		"tool":            tool,
		"arguments":       arguments,
		"idempotency_key": ActionKey(stepID, tool, actionID),
	})
	return env, actionID
}

// ToolResult builds the single tool_result envelope paired with actionID.
func ToolResult(seq *Sequencer, runID, phase, actionID string, ok bool, detail map[string]any) Envelope {
	payload := map[string]any{"action_id": actionID, "ok": ok}
	for k, v := range detail {
		payload[k] = v
	}
	return New(seq, runID, TypeToolResult, phase, ProducerSystem, payload)
}

// Marshal renders the envelope as one NDJSON line (no trailing newline).
func (e Envelope) Marshal() ([]byte, error) {
	data, err := jsonx.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// ExtractUserOutput picks the user-visible result text out of an attempt's
// output object: report message first, then execute summary, then the
// top-level output or error, falling back to the serialized object.
func ExtractUserOutput(output map[string]any) string {
	if text, ok := lookupString(output, "phase_outputs", "report", "message_markdown"); ok {
		return text
	}
	if text, ok := lookupString(output, "phase_outputs", "execute", "summary"); ok {
		return text
	}
	if text, ok := lookupString(output, "output"); ok {
		return text
	}
	if text, ok := lookupString(output, "error"); ok {
		return text
	}
	data, err := jsonx.Marshal(output)
	if err != nil {
		return ""
	}
	return string(data)
}

func lookupString(m map[string]any, path ...string) (string, bool) {
	current := any(m)
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[key]
		if !ok {
			return "", false
		}
	}
	text, ok := current.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
