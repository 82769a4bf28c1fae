package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"conductor/internal/jsonx"
	"conductor/internal/queue"
)

// StateKeyPrefix namespaces idempotency markers in run state.
const StateKeyPrefix = "idempotency:"

// CanonicalSource builds the fixed field universe the policy phase may
// select dedup keys from.
func CanonicalSource(task *queue.Task, objective string) map[string]any {
	return map[string]any{
		"task": map[string]any{
			"id":     task.ID,
			"type":   task.Type,
			"title":  task.Title,
			"prompt": task.Prompt,
		},
		"interpret": map[string]any{
			"objective": objective,
		},
	}
}

// IdempotencyKey canonicalizes the policy-selected fields and hashes them.
// When keyFields is empty, or none of the listed paths resolve, the
// fallback identity id|type|title|prompt|objective is used instead. The
// returned key is the hex SHA-256 of the canonical string.
func IdempotencyKey(keyFields []string, source map[string]any) (key string, canonical string) {
	canonical = canonicalString(keyFields, source)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), canonical
}

func canonicalString(keyFields []string, source map[string]any) string {
	if len(keyFields) > 0 {
		resolvedAny := false
		parts := make([]string, 0, len(keyFields))
		for _, path := range keyFields {
			value, ok := resolvePath(source, path)
			encoded := "null"
			if ok {
				if data, err := jsonx.Marshal(value); err == nil {
					encoded = string(data)
				}
				resolvedAny = true
			}
			parts = append(parts, path+"="+encoded)
		}
		if resolvedAny {
			return strings.Join(parts, "|")
		}
	}

	fallback := make([]string, 0, 5)
	for _, path := range []string{"task.id", "task.type", "task.title", "task.prompt", "interpret.objective"} {
		value, _ := resolvePath(source, path)
		text, _ := value.(string)
		fallback = append(fallback, text)
	}
	return strings.Join(fallback, "|")
}

func resolvePath(source map[string]any, path string) (any, bool) {
	current := any(source)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
