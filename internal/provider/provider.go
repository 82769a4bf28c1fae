// Package provider adapts external LLM command-line tools to a single
// contract: build the command for a phase prompt, observe its streaming
// output, and hand back the terminal result when the tool only emits it at
// the end of the stream.
package provider

import "fmt"

// Command is what the phase runner spawns for one provider call.
type Command struct {
	Command string
	Args    []string
	Stdin   string
}

// Adapter is the pluggable provider contract. One Adapter instance serves
// one subprocess invocation at a time; Reset clears per-call state.
type Adapter interface {
	Name() string

	// BuildCommand maps a prompt (and optional JSON schema file written
	// by the plan phase) onto a concrete process invocation.
	BuildCommand(prompt string, schemaPath string) Command

	// HandleOutputLine consumes one subprocess output line, calling emit
	// for every normalized model event it yields.
	HandleOutputLine(line string, emit func(ModelEvent))

	// TerminalStream reports whether the provider emits its result only
	// as a distinguished end-of-stream record. When true the runner
	// parses TerminalResultText instead of the raw captured output.
	TerminalStream() bool
	TerminalResultText() string

	Reset()
}

// New returns the adapter registered under name.
func New(name string) (Adapter, error) {
	switch name {
	case "claude":
		return NewClaudeAdapter(), nil
	case "codex":
		return NewCodexAdapter(), nil
	default:
		return nil, fmt.Errorf("provider: unknown adapter %q", name)
	}
}
