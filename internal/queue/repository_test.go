package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/jsonx"
	"conductor/internal/store"
)

// fakeClock lets tests move the repository's wall clock without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Nudge forward so consecutive timestamps stay distinct and ordered.
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T) (*Repository, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := newFakeClock()
	return NewRepository(st, 3, nil, WithClock(clock.Now)), clock
}

func createTask(t *testing.T, repo *Repository, input CreateTaskInput) *Task {
	t.Helper()
	if input.Prompt == "" {
		input.Prompt = "say hi"
	}
	task, err := repo.CreateTask(context.Background(), input)
	require.NoError(t, err)
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "say hi"})
	assert.Equal(t, "generic", task.Type)
	assert.Equal(t, "Untitled task", task.Title)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)

	loaded, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, task.ID, loaded.ID)

	events, err := repo.ListEvents(ctx, 10, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task_created", events[0].Message)
	assert.Equal(t, "intake", events[0].Phase)
}

func TestCreateTaskClampsPriority(t *testing.T) {
	repo, _ := newTestRepo(t)

	low := createTask(t, repo, CreateTaskInput{Prompt: "p", Priority: 9})
	assert.Equal(t, 5, low.Priority)

	high := createTask(t, repo, CreateTaskInput{Prompt: "p", Priority: -1})
	assert.Equal(t, 1, high.Priority)
}

func TestGetTaskMissing(t *testing.T) {
	repo, _ := newTestRepo(t)
	task, err := repo.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimOrderIsPriorityThenAge(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	older := createTask(t, repo, CreateTaskInput{Prompt: "a", Priority: 3})
	urgent := createTask(t, repo, CreateTaskInput{Prompt: "b", Priority: 1})
	newer := createTask(t, repo, CreateTaskInput{Prompt: "c", Priority: 3})

	var order []string
	for {
		task, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.ID)
		assert.Equal(t, TaskStatusLeased, task.Status)
		assert.Equal(t, "w1", task.LeaseOwner)
		assert.NotEmpty(t, task.LeaseExpiresAt)
	}
	require.Equal(t, []string{urgent.ID, older.ID, newer.ID}, order)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	repo, _ := newTestRepo(t)
	task, err := repo.ClaimNextTask(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestLeanSuccessLifecycle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "say hi"})

	claimed, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	start, err := repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.NotNil(t, start)
	assert.Equal(t, 1, start.AttemptNo)

	output := jsonx.RawMessage(`{"mode":{"configured":"lean","effective":"lean"},` +
		`"phase_outputs":{"execute":{"status":"succeeded"},"verify":{"pass":true},` +
		`"report":{"message_markdown":"done"}},"run_dir":"/runs/r1"}`)
	status, err := repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
		Succeeded:  true,
		FinalPhase: "report",
		OutputJSON: output,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDone, status)

	final, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDone, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	assert.Empty(t, final.LeaseOwner)
	assert.Empty(t, final.LeaseExpiresAt)

	attempts, err := repo.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptStatusDone, attempts[0].Status)
	assert.Equal(t, "report", attempts[0].Phase)
	assert.JSONEq(t, string(output), string(attempts[0].OutputJSON))
	assert.NotEmpty(t, attempts[0].FinishedAt)
}

func TestRetryOnFailureThenSuccess(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "flaky"})

	_, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	start, err := repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, start.AttemptNo)

	status, err := repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
		FinalPhase:   "execute",
		ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, status)

	mid, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mid.AttemptCount)
	assert.Equal(t, "boom", mid.LastError)

	_, err = repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	start, err = repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, start.AttemptNo)

	status, err = repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
		Succeeded:  true,
		FinalPhase: "report",
	})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDone, status)

	final, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.AttemptCount)

	attempts, err := repo.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestAttemptExhaustionFailsTask(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "doomed", MaxAttempts: 3})

	for i := 1; i <= 3; i++ {
		claimed, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should be claimable", i)
		start, err := repo.StartAttempt(ctx, task.ID, "w1")
		require.NoError(t, err)
		require.Equal(t, i, start.AttemptNo)

		status, err := repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
			FinalPhase:   "execute",
			ErrorMessage: "boom",
		})
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, TaskStatusQueued, status)
		} else {
			assert.Equal(t, TaskStatusFailed, status)
		}
	}

	final, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, "boom", final.LastError)
}

func TestBlockedIsTerminalRegardlessOfAttempts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "unclear", MaxAttempts: 3})
	_, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)

	status, err := repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
		Blocked:      true,
		FinalPhase:   "interpret",
		ErrorMessage: "blocked for clarification",
	})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusBlocked, status)

	next, err := repo.ClaimNextTask(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestLeaseExpiryReclaim(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "slow"})

	claimed, err := repo.ClaimNextTask(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	start, err := repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, start.AttemptNo)

	clock.Advance(2 * time.Second)

	reclaimed, err := repo.ClaimNextTask(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, "w2", reclaimed.LeaseOwner)
	assert.Equal(t, 1, reclaimed.AttemptCount)
	assert.Equal(t, "Lease expired before completion", reclaimed.LastError)

	start, err = repo.StartAttempt(ctx, task.ID, "w2")
	require.NoError(t, err)
	require.Equal(t, 2, start.AttemptNo)

	attempts, err := repo.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, AttemptStatusRunning, attempts[1].Status)
}

func TestLeaseExpiryExhaustsAttempts(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "slow", MaxAttempts: 1})
	_, err := repo.ClaimNextTask(ctx, "w1", time.Second)
	require.NoError(t, err)
	_, err = repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	n, err := repo.RecoverExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, final.Status)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "long"})
	_, err := repo.ClaimNextTask(ctx, "w1", 2*time.Second)
	require.NoError(t, err)
	_, err = repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)

	// Without the heartbeat this advance would expire the lease.
	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, repo.Heartbeat(ctx, task.ID, "w1", 2*time.Second))
	clock.Advance(1500 * time.Millisecond)

	n, err := repo.RecoverExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	current, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, current.Status)
}

func TestHeartbeatStaleIsSilentNoop(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "p"})
	_, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Wrong owner and unknown task both succeed without effect.
	require.NoError(t, repo.Heartbeat(ctx, task.ID, "w2", time.Minute))
	require.NoError(t, repo.Heartbeat(ctx, "nope", "w1", time.Minute))

	current, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", current.LeaseOwner)
}

func TestCompleteWithStaleLease(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "p"})
	_, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)

	_, err = repo.CompleteAttempt(ctx, task.ID, "w2", CompletionResult{
		Succeeded:  true,
		FinalPhase: "report",
	})
	assert.ErrorIs(t, err, ErrStaleLease)

	// The rightful owner still completes.
	_, err = repo.CompleteAttempt(ctx, task.ID, "w1", CompletionResult{
		Succeeded:  true,
		FinalPhase: "report",
	})
	require.NoError(t, err)
}

func TestStartAttemptStaleReturnsNil(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "p"})

	start, err := repo.StartAttempt(ctx, task.ID, "w1")
	require.NoError(t, err)
	assert.Nil(t, start, "queued task cannot start an attempt")

	_, err = repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)
	start, err = repo.StartAttempt(ctx, task.ID, "w2")
	require.NoError(t, err)
	assert.Nil(t, start, "wrong owner cannot start an attempt")
}

func TestAppendAndListEvents(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	task := createTask(t, repo, CreateTaskInput{Prompt: "p"})

	for i := 0; i < 3; i++ {
		_, err := repo.AppendEvent(ctx, EventInput{
			TaskID:  task.ID,
			Phase:   "execute",
			Level:   "info",
			Message: "model output",
			Data:    jsonx.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		require.NoError(t, err)
	}

	events, err := repo.ListEvents(ctx, 2, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Greater(t, events[0].ID, events[1].ID, "newest first")

	all, err := repo.ListEvents(ctx, 100, task.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4) // task_created plus three appended

	tail, err := repo.ListEventsAfter(ctx, task.ID, all[len(all)-1].ID, 100)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	for i := 1; i < len(tail); i++ {
		assert.Greater(t, tail[i].ID, tail[i-1].ID, "ascending")
	}
}

func TestStateRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	missing, err := repo.GetState(ctx, "idempotency:abc")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first, err := repo.SetState(ctx, "idempotency:abc", jsonx.RawMessage(`{"status":"done"}`))
	require.NoError(t, err)
	require.NotNil(t, first)

	entry, err := repo.GetState(ctx, "idempotency:abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, `{"status":"done"}`, string(entry.Value))

	second, err := repo.SetState(ctx, "idempotency:abc", jsonx.RawMessage(`{"status":"stale"}`))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.UpdatedAt, first.UpdatedAt)

	entry, err = repo.GetState(ctx, "idempotency:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"stale"}`, string(entry.Value))
}

func TestCountByStatus(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	createTask(t, repo, CreateTaskInput{Prompt: "a"})
	createTask(t, repo, CreateTaskInput{Prompt: "b"})
	_, err := repo.ClaimNextTask(ctx, "w1", time.Minute)
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskStatusQueued])
	assert.Equal(t, 1, counts[TaskStatusLeased])
}
