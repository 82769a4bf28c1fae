package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/internal/jsonx"
	"conductor/internal/logging"
	"conductor/internal/store"
)

// TimeFormat is the fixed-width ISO-8601 UTC layout every stored timestamp
// uses. Fixed width keeps lexicographic comparison equivalent to time
// comparison, which the lease-expiry scan relies on.
const TimeFormat = "2006-01-02T15:04:05.000Z"

const leaseExpiredMessage = "Lease expired before completion"

// Repository is the domain API over the store. Every mutating method runs
// as one transaction: the task row, attempt row, and event rows it touches
// commit together or not at all.
type Repository struct {
	store       *store.Store
	logger      logging.Logger
	maxAttempts int
	now         func() time.Time
}

// Option customizes a Repository.
type Option func(*Repository)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository builds a Repository over st. defaultMaxAttempts applies to
// tasks created without an explicit limit.
func NewRepository(st *store.Store, defaultMaxAttempts int, logger logging.Logger, opts ...Option) *Repository {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	r := &Repository{
		store:       st,
		logger:      logging.OrNop(logger),
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(TimeFormat)
}

// CreateTask inserts a queued task and its task_created event.
func (r *Repository) CreateTask(ctx context.Context, input CreateTaskInput) (*Task, error) {
	task := &Task{
		ID:              uuid.NewString(),
		Type:            input.Type,
		Title:           input.Title,
		Prompt:          input.Prompt,
		SuccessCriteria: input.SuccessCriteria,
		TaskRequest:     input.TaskRequest,
		Priority:        input.Priority,
		MaxAttempts:     input.MaxAttempts,
		Status:          TaskStatusQueued,
	}
	if task.Type == "" {
		task.Type = "generic"
	}
	if task.Title == "" {
		task.Title = "Untitled task"
	}
	if task.Priority == 0 {
		task.Priority = 3
	}
	if task.Priority < 1 {
		task.Priority = 1
	}
	if task.Priority > 5 {
		task.Priority = 5
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = r.maxAttempts
	}
	if len(task.TaskRequest) == 0 {
		task.TaskRequest = jsonx.RawMessage("{}")
	}
	now := r.timestamp()
	task.CreatedAt = now
	task.UpdatedAt = now

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, type, title, prompt, success_criteria, task_request,
                   priority, attempt_count, max_attempts, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			task.ID, task.Type, task.Title, task.Prompt,
			nullable(task.SuccessCriteria), string(task.TaskRequest),
			task.Priority, task.MaxAttempts, task.Status, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return r.insertEvent(ctx, tx, EventInput{
			TaskID:  task.ID,
			Phase:   "intake",
			Level:   "info",
			Message: "task_created",
			Data:    mustJSON(map[string]any{"title": task.Title, "priority": task.Priority}),
		}, now)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns the task or nil when it does not exist.
func (r *Repository) GetTask(ctx context.Context, id string) (*Task, error) {
	row := r.store.QueryRow(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// ListTasks returns tasks ordered by (priority asc, created_at asc),
// optionally filtered by status.
func (r *Repository) ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := taskSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := r.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListAttempts returns every attempt for a task in creation order.
func (r *Repository) ListAttempts(ctx context.Context, taskID string) ([]*Attempt, error) {
	rows, err := r.store.Query(ctx, attemptSelect+` WHERE task_id = ? ORDER BY attempt_no ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// LatestAttempt returns the newest attempt for a task, or nil.
func (r *Repository) LatestAttempt(ctx context.Context, taskID string) (*Attempt, error) {
	row := r.store.QueryRow(ctx, attemptSelect+` WHERE task_id = ? ORDER BY attempt_no DESC LIMIT 1`, taskID)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return attempt, err
}

// RecoverExpiredLeases requeues (or fails) every task whose lease ran out,
// counting the lost lease as a consumed attempt. Runs as one transaction
// over all expired tasks.
func (r *Repository) RecoverExpiredLeases(ctx context.Context) (int, error) {
	var recovered int
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := r.recoverExpiredTx(ctx, tx)
		recovered = n
		return err
	})
	return recovered, err
}

// recoverExpiredTx does the expiry sweep inside an open transaction so
// claimNextTask can share it.
func (r *Repository) recoverExpiredTx(ctx context.Context, tx *sql.Tx) (int, error) {
	now := r.timestamp()
	rows, err := tx.QueryContext(ctx, `
SELECT id, attempt_count, max_attempts
FROM tasks
WHERE status IN ('leased', 'running') AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	type expired struct {
		id           string
		attemptCount int
		maxAttempts  int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attemptCount, &e.maxAttempts); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range found {
		newCount := e.attemptCount + 1
		status := TaskStatusQueued
		if newCount >= e.maxAttempts {
			status = TaskStatusFailed
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, attempt_count = ?, lease_owner = NULL, lease_expires_at = NULL,
    last_error = ?, updated_at = ?
WHERE id = ?`, status, newCount, leaseExpiredMessage, now, e.id); err != nil {
			return 0, fmt.Errorf("recover task %s: %w", e.id, err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE task_attempts
SET status = 'failed', finished_at = ?
WHERE task_id = ? AND status = 'running'`, now, e.id); err != nil {
			return 0, fmt.Errorf("fail running attempt of %s: %w", e.id, err)
		}
		if err := r.insertEvent(ctx, tx, EventInput{
			TaskID:  e.id,
			Phase:   "runtime",
			Level:   "warn",
			Message: "lease_expired",
			Data:    mustJSON(map[string]any{"attempt_count": newCount, "status": status}),
		}, now); err != nil {
			return 0, err
		}
		r.logger.Warn("lease expired for task %s, status now %s", e.id, status)
	}
	return len(found), nil
}

// ClaimNextTask recovers expired leases, then leases the queued task
// minimizing (priority, created_at, id) for workerID. Returns nil when no
// queued task exists or the conditional update lost a race.
func (r *Repository) ClaimNextTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*Task, error) {
	var claimed *Task
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.recoverExpiredTx(ctx, tx); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
SELECT id FROM tasks
WHERE status = 'queued'
ORDER BY priority ASC, created_at ASC, id ASC
LIMIT 1`)
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("pick queued task: %w", err)
		}

		now := r.timestamp()
		expires := r.now().UTC().Add(leaseTTL).Format(TimeFormat)
		res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = 'leased', lease_owner = ?, lease_expires_at = ?, updated_at = ?
WHERE id = ? AND status = 'queued'`, workerID, expires, now, id)
		if err != nil {
			return fmt.Errorf("lease task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // lost the race, caller polls again
		}

		task, err := scanTask(tx.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StartAttempt flips a leased task to running and opens its attempt row.
// Returns nil when the task is not leased by workerID.
func (r *Repository) StartAttempt(ctx context.Context, taskID, workerID string) (*AttemptStart, error) {
	var started *AttemptStart
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := r.timestamp()
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'running', updated_at = ?
WHERE id = ? AND status = 'leased' AND lease_owner = ?`, now, taskID, workerID)
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // stale lease, caller treats as retryable no-op
		}

		var attemptCount int
		var leaseExpires sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT attempt_count, lease_expires_at FROM tasks WHERE id = ?`, taskID)
		if err := row.Scan(&attemptCount, &leaseExpires); err != nil {
			return fmt.Errorf("read attempt count: %w", err)
		}

		attemptNo := attemptCount + 1
		insert, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts (task_id, attempt_no, status, lease_owner, lease_expires_at, started_at, output_json)
VALUES (?, ?, 'running', ?, ?, ?, '{}')`,
			taskID, attemptNo, workerID, leaseExpires.String, now)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		attemptID, err := insert.LastInsertId()
		if err != nil {
			return fmt.Errorf("attempt id: %w", err)
		}

		if err := r.insertEvent(ctx, tx, EventInput{
			TaskID:    taskID,
			AttemptID: attemptID,
			Phase:     "runtime",
			Level:     "info",
			Message:   "attempt_started",
			Data:      mustJSON(map[string]any{"attempt_no": attemptNo, "worker_id": workerID}),
		}, now); err != nil {
			return err
		}

		started = &AttemptStart{
			AttemptNo:      attemptNo,
			AttemptID:      attemptID,
			LeaseExpiresAt: leaseExpires.String,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// Heartbeat extends the lease on the task and its running attempt. A stale
// heartbeat (wrong owner, terminal task) is a silent no-op: the worker
// treats losing a lease as cooperative, not exceptional.
func (r *Repository) Heartbeat(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		expires := r.now().UTC().Add(leaseTTL).Format(TimeFormat)
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET lease_expires_at = ?
WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`, expires, taskID, workerID)
		if err != nil {
			return fmt.Errorf("heartbeat task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
UPDATE task_attempts SET lease_expires_at = ?
WHERE task_id = ? AND status = 'running'`, expires, taskID)
		if err != nil {
			return fmt.Errorf("heartbeat attempt: %w", err)
		}
		return nil
	})
}

// ErrStaleLease reports a completion attempt by a worker that no longer
// owns the task.
var ErrStaleLease = errors.New("stale lease")

// CompleteAttempt finalizes the running attempt and moves the task to its
// terminal (or requeued) status. Returns the resulting task status.
func (r *Repository) CompleteAttempt(ctx context.Context, taskID, workerID string, result CompletionResult) (TaskStatus, error) {
	var finalStatus TaskStatus
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT max_attempts FROM tasks
WHERE id = ? AND lease_owner = ? AND status IN ('leased', 'running')`, taskID, workerID)
		var maxAttempts int
		if err := row.Scan(&maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStaleLease
			}
			return fmt.Errorf("load task for completion: %w", err)
		}

		var attemptID int64
		var attemptNo int
		row = tx.QueryRowContext(ctx, `
SELECT id, attempt_no FROM task_attempts
WHERE task_id = ? AND status = 'running'
ORDER BY attempt_no DESC LIMIT 1`, taskID)
		if err := row.Scan(&attemptID, &attemptNo); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStaleLease
			}
			return fmt.Errorf("load running attempt: %w", err)
		}

		attemptStatus := AttemptStatusFailed
		taskStatus := TaskStatusQueued
		switch {
		case result.Blocked:
			attemptStatus = AttemptStatusBlocked
			taskStatus = TaskStatusBlocked
		case result.Succeeded:
			attemptStatus = AttemptStatusDone
			taskStatus = TaskStatusDone
		default:
			if attemptNo >= maxAttempts {
				taskStatus = TaskStatusFailed
			}
		}

		now := r.timestamp()
		finished := result.FinishedAt
		if finished == "" {
			finished = now
		}
		output := result.OutputJSON
		if len(output) == 0 {
			output = jsonx.RawMessage("{}")
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE task_attempts
SET status = ?, phase = ?, output_json = ?, finished_at = ?
WHERE id = ?`, attemptStatus, result.FinalPhase, string(output), finished, attemptID); err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, attempt_count = ?, lease_owner = NULL, lease_expires_at = NULL,
    last_error = ?, updated_at = ?
WHERE id = ?`, taskStatus, attemptNo, nullable(result.ErrorMessage), now, taskID); err != nil {
			return fmt.Errorf("finalize task: %w", err)
		}

		message := "task_failed"
		level := "error"
		if result.Succeeded {
			message = "task_completed"
			level = "info"
		} else if result.Blocked {
			level = "warn"
		}
		data := map[string]any{
			"attempt_no": attemptNo,
			"status":     taskStatus,
		}
		if result.ErrorMessage != "" {
			data["error"] = result.ErrorMessage
		}
		if result.ExitCode != nil {
			data["worker_exit_code"] = *result.ExitCode
		}
		if err := r.insertEvent(ctx, tx, EventInput{
			TaskID:    taskID,
			AttemptID: attemptID,
			Phase:     result.FinalPhase,
			Level:     level,
			Message:   message,
			Data:      mustJSON(data),
		}, now); err != nil {
			return err
		}

		finalStatus = taskStatus
		return nil
	})
	if err != nil {
		return "", err
	}
	return finalStatus, nil
}

// AppendEvent inserts one audit event.
func (r *Repository) AppendEvent(ctx context.Context, input EventInput) (*Event, error) {
	var event *Event
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := r.timestamp()
		id, err := r.insertEventID(ctx, tx, input, now)
		if err != nil {
			return err
		}
		data := input.Data
		if len(data) == 0 {
			data = jsonx.RawMessage("{}")
		}
		level := input.Level
		if level == "" {
			level = "info"
		}
		event = &Event{
			ID:        id,
			TaskID:    input.TaskID,
			AttemptID: input.AttemptID,
			Phase:     input.Phase,
			Level:     level,
			Message:   input.Message,
			DataJSON:  data,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Repository) insertEvent(ctx context.Context, tx *sql.Tx, input EventInput, now string) error {
	_, err := r.insertEventID(ctx, tx, input, now)
	return err
}

func (r *Repository) insertEventID(ctx context.Context, tx *sql.Tx, input EventInput, now string) (int64, error) {
	data := input.Data
	if len(data) == 0 {
		data = jsonx.RawMessage("{}")
	}
	level := input.Level
	if level == "" {
		level = "info"
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO events (task_id, attempt_id, phase, level, message, data_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullable(input.TaskID), nullableID(input.AttemptID),
		input.Phase, level, input.Message, string(data), now)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ListEvents returns events newest first, bounded by limit in [1..500].
// An empty taskID lists the global timeline.
func (r *Repository) ListEvents(ctx context.Context, limit int, taskID string) ([]*Event, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	query := eventSelect
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return r.queryEvents(ctx, query, args...)
}

// ListEventsAfter returns up to limit events for a task with id greater
// than afterID, ascending. The streaming endpoint tails a task with it.
func (r *Repository) ListEventsAfter(ctx context.Context, taskID string, afterID int64, limit int) ([]*Event, error) {
	if limit < 1 || limit > 500 {
		limit = 200
	}
	return r.queryEvents(ctx,
		eventSelect+` WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		taskID, afterID, limit)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := r.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetState returns the run-state entry for key, or nil.
func (r *Repository) GetState(ctx context.Context, key string) (*StateEntry, error) {
	row := r.store.QueryRow(ctx, `SELECT key, value_json, updated_at FROM run_state WHERE key = ?`, key)
	var entry StateEntry
	var value string
	if err := row.Scan(&entry.Key, &value, &entry.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	entry.Value = jsonx.RawMessage(value)
	return &entry, nil
}

// SetState upserts the run-state entry for key.
func (r *Repository) SetState(ctx context.Context, key string, value jsonx.RawMessage) (*StateEntry, error) {
	if len(value) == 0 {
		value = jsonx.RawMessage("{}")
	}
	now := r.timestamp()
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO run_state (key, value_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
			key, string(value), now)
		if err != nil {
			return fmt.Errorf("set state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &StateEntry{Key: key, Value: value, UpdatedAt: now}, nil
}

// CountByStatus returns the number of tasks per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := r.store.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const taskSelect = `
SELECT id, type, title, prompt, success_criteria, task_request, priority,
       attempt_count, max_attempts, status, lease_owner, lease_expires_at,
       last_error, created_at, updated_at
FROM tasks`

const attemptSelect = `
SELECT id, task_id, attempt_no, status, lease_owner, lease_expires_at,
       phase, output_json, started_at, finished_at
FROM task_attempts`

const eventSelect = `
SELECT id, task_id, attempt_id, phase, level, message, data_json, created_at
FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var successCriteria, leaseOwner, leaseExpires, lastError sql.NullString
	var request string
	if err := row.Scan(&t.ID, &t.Type, &t.Title, &t.Prompt, &successCriteria,
		&request, &t.Priority, &t.AttemptCount, &t.MaxAttempts, &t.Status,
		&leaseOwner, &leaseExpires, &lastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.SuccessCriteria = successCriteria.String
	t.LeaseOwner = leaseOwner.String
	t.LeaseExpiresAt = leaseExpires.String
	t.LastError = lastError.String
	t.TaskRequest = jsonx.RawMessage(request)
	return &t, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var leaseOwner, leaseExpires, finished sql.NullString
	var output string
	if err := row.Scan(&a.ID, &a.TaskID, &a.AttemptNo, &a.Status, &leaseOwner,
		&leaseExpires, &a.Phase, &output, &a.StartedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.LeaseOwner = leaseOwner.String
	a.LeaseExpiresAt = leaseExpires.String
	a.FinishedAt = finished.String
	a.OutputJSON = jsonx.RawMessage(output)
	return &a, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var taskID sql.NullString
	var attemptID sql.NullInt64
	var data string
	if err := row.Scan(&e.ID, &taskID, &attemptID, &e.Phase, &e.Level,
		&e.Message, &data, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.TaskID = taskID.String
	e.AttemptID = attemptID.Int64
	e.DataJSON = jsonx.RawMessage(data)
	return &e, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func mustJSON(v any) jsonx.RawMessage {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return jsonx.RawMessage("{}")
	}
	return jsonx.RawMessage(data)
}
