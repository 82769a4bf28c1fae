package queue

import "conductor/internal/jsonx"

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusLeased  TaskStatus = "leased"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusBlocked TaskStatus = "blocked"
)

// Terminal reports whether no further attempts will be made.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusLeased, TaskStatusRunning,
		TaskStatusDone, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

// AttemptStatus represents the state of one attempt row.
type AttemptStatus string

const (
	AttemptStatusRunning AttemptStatus = "running"
	AttemptStatusDone    AttemptStatus = "done"
	AttemptStatusFailed  AttemptStatus = "failed"
	AttemptStatusBlocked AttemptStatus = "blocked"
)

// Mode is the declared pipeline mode on a task request.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeLean Mode = "lean"
	ModeFull Mode = "full"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeLean || m == ModeFull
}

// Task is one unit of durable work.
type Task struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Title           string           `json:"title"`
	Prompt          string           `json:"prompt"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
	TaskRequest     jsonx.RawMessage `json:"task_request"`
	Priority        int              `json:"priority"`
	AttemptCount    int              `json:"attempt_count"`
	MaxAttempts     int              `json:"max_attempts"`
	Status          TaskStatus       `json:"status"`
	LeaseOwner      string           `json:"lease_owner,omitempty"`
	LeaseExpiresAt  string           `json:"lease_expires_at,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

// Attempt is one end-to-end execution of a task.
type Attempt struct {
	ID             int64            `json:"id"`
	TaskID         string           `json:"task_id"`
	AttemptNo      int              `json:"attempt_no"`
	Status         AttemptStatus    `json:"status"`
	LeaseOwner     string           `json:"lease_owner,omitempty"`
	LeaseExpiresAt string           `json:"lease_expires_at,omitempty"`
	Phase          string           `json:"phase"`
	OutputJSON     jsonx.RawMessage `json:"output_json"`
	StartedAt      string           `json:"started_at"`
	FinishedAt     string           `json:"finished_at,omitempty"`
}

// Event is one immutable audit entry on a task timeline. TaskID is empty
// for system-wide events.
type Event struct {
	ID        int64            `json:"id"`
	TaskID    string           `json:"task_id,omitempty"`
	AttemptID int64            `json:"attempt_id,omitempty"`
	Phase     string           `json:"phase"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	DataJSON  jsonx.RawMessage `json:"data_json"`
	CreatedAt string           `json:"created_at"`
}

// StateEntry is one durable key/value record.
type StateEntry struct {
	Key       string           `json:"key"`
	Value     jsonx.RawMessage `json:"value"`
	UpdatedAt string           `json:"updated_at"`
}

// CreateTaskInput carries the validated fields for a new task.
type CreateTaskInput struct {
	Type            string
	Title           string
	Prompt          string
	SuccessCriteria string
	Priority        int
	MaxAttempts     int
	TaskRequest     jsonx.RawMessage
}

// AttemptStart is the result of startAttempt.
type AttemptStart struct {
	AttemptNo      int    `json:"attempt_no"`
	AttemptID      int64  `json:"attempt_id"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

// CompletionResult is the worker's terminal report for an attempt.
type CompletionResult struct {
	Succeeded    bool
	Blocked      bool
	FinalPhase   string
	OutputJSON   jsonx.RawMessage
	ErrorMessage string
	FinishedAt   string
	ExitCode     *int
}

// EventInput is the insert-only payload for appendEvent.
type EventInput struct {
	TaskID    string
	AttemptID int64
	Phase     string
	Level     string
	Message   string
	Data      jsonx.RawMessage
}
