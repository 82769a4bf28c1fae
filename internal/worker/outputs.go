package worker

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"conductor/internal/jsonx"
)

// wrapperKeys are the member names providers commonly nest their real
// output under, tried in order during unwrapping.
var wrapperKeys = []string{"result", "output", "text", "message", "content"}

// maxUnwrapDepth stops pathological self-referential wrapping.
const maxUnwrapDepth = 4

// ExtractJSONObject pulls the single JSON object out of a provider's
// captured output. Fenced ```json blocks win, then the first-{ to last-}
// substring, then unwrapping of string or array members named like
// wrappers. jsonrepair gets one shot at each candidate before the phase
// fails with a parse error.
func ExtractJSONObject(text string) (map[string]any, error) {
	return extractObject(text, 0)
}

func extractObject(text string, depth int) (map[string]any, error) {
	if depth > maxUnwrapDepth {
		return nil, fmt.Errorf("no JSON object found in output")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty output")
	}

	if fenced, ok := extractFenced(trimmed); ok {
		if obj, err := parseObject(fenced); err == nil {
			return obj, nil
		}
	}

	if obj, ok := directExtract(trimmed); ok {
		if unwrapped, ok := unwrap(obj, depth); ok {
			return unwrapped, nil
		}
		return obj, nil
	}

	return nil, fmt.Errorf("no JSON object found in output")
}

// directExtract takes the substring from the first '{' to the last '}'
// and parses it, repairing once if the raw parse fails.
func directExtract(text string) (map[string]any, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	obj, err := parseObject(text[start : end+1])
	if err != nil {
		return nil, false
	}
	return obj, true
}

func parseObject(candidate string) (map[string]any, error) {
	var obj map[string]any
	if err := jsonx.Unmarshal([]byte(candidate), &obj); err == nil && obj != nil {
		return obj, nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("parse object: %w", err)
	}
	if err := jsonx.Unmarshal([]byte(repaired), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("parse repaired object: %w", err)
	}
	return obj, nil
}

// unwrap looks for the real output nested under a wrapper member. A
// string member is recursed into; an array member contributes the joined
// text fields of its object elements.
func unwrap(obj map[string]any, depth int) (map[string]any, bool) {
	for _, key := range wrapperKeys {
		value, ok := obj[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if !strings.Contains(v, "{") {
				continue
			}
			if inner, err := extractObject(v, depth+1); err == nil {
				return inner, true
			}
		case []any:
			joined := joinTextFields(v)
			if joined == "" || !strings.Contains(joined, "{") {
				continue
			}
			if inner, err := extractObject(joined, depth+1); err == nil {
				return inner, true
			}
		}
	}
	return nil, false
}

func joinTextFields(items []any) string {
	var parts []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := obj["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// extractFenced returns the content of the first ```json (or bare ```)
// fence, when one exists.
func extractFenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	rest := text[start+3:]
	if newline := strings.Index(rest, "\n"); newline != -1 {
		lang := strings.TrimSpace(rest[:newline])
		if lang != "" && !strings.EqualFold(lang, "json") {
			return "", false
		}
		rest = rest[newline+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
