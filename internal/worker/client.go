package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"conductor/internal/jsonx"
	"conductor/internal/queue"
)

// gatewayAPI is the slice of the gateway surface the runner needs. The
// HTTP client implements it; tests swap in a recorder.
type gatewayAPI interface {
	Lease(ctx context.Context, leaseTTL time.Duration) (*LeaseResponse, error)
	Heartbeat(ctx context.Context, taskID string, leaseTTL time.Duration) error
	Complete(ctx context.Context, taskID string, req CompleteRequest) error
	AppendEvent(ctx context.Context, taskID string, req EventRequest) error
	GetState(ctx context.Context, key string) (map[string]any, bool, error)
	SetState(ctx context.Context, key string, value map[string]any) error
}

// LeaseResponse is the gateway's answer to a lease poll.
type LeaseResponse struct {
	Task      *queue.Task `json:"task"`
	AttemptNo int         `json:"attempt_no"`
	AttemptID int64       `json:"attempt_id"`
}

// CompleteRequest reports an attempt's terminal outcome.
type CompleteRequest struct {
	WorkerID       string         `json:"worker_id"`
	Succeeded      bool           `json:"succeeded"`
	Blocked        bool           `json:"blocked"`
	FinalPhase     string         `json:"final_phase"`
	OutputJSON     map[string]any `json:"output_json"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	WorkerExitCode *int           `json:"worker_exit_code,omitempty"`
}

// EventRequest appends one event to a task timeline.
type EventRequest struct {
	WorkerID  string         `json:"worker_id"`
	AttemptID int64          `json:"attempt_id,omitempty"`
	Phase     string         `json:"phase"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// stateCacheSize bounds the idempotency-marker read cache.
const stateCacheSize = 256

// Client talks to the gateway over HTTP. Positive state lookups are
// cached in an LRU so repeated policy hits skip the round trip; negative
// results are never cached.
type Client struct {
	baseURL    string
	workerID   string
	http       *http.Client
	stateCache *lru.Cache[string, map[string]any]
}

// NewClient builds a gateway client for workerID.
func NewClient(baseURL, workerID string) (*Client, error) {
	if baseURL == "" || workerID == "" {
		return nil, fmt.Errorf("worker: base URL and worker id are required")
	}
	cache, err := lru.New[string, map[string]any](stateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("worker: state cache: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		workerID:   workerID,
		http:       &http.Client{Timeout: 30 * time.Second},
		stateCache: cache,
	}, nil
}

// Lease polls for the next task. A nil response means no work.
func (c *Client) Lease(ctx context.Context, leaseTTL time.Duration) (*LeaseResponse, error) {
	body := map[string]any{
		"worker_id":    c.workerID,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	}
	var resp LeaseResponse
	if err := c.post(ctx, "/tasks/lease", body, &resp); err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, nil
	}
	return &resp, nil
}

// Heartbeat extends the lease. Stale heartbeats succeed silently on the
// gateway side, so any error here is transport-level.
func (c *Client) Heartbeat(ctx context.Context, taskID string, leaseTTL time.Duration) error {
	body := map[string]any{
		"worker_id":    c.workerID,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	}
	return c.post(ctx, "/tasks/"+taskID+"/heartbeat", body, nil)
}

// Complete reports the attempt outcome. A 409 means the lease was lost;
// the caller treats that as a no-op.
func (c *Client) Complete(ctx context.Context, taskID string, req CompleteRequest) error {
	req.WorkerID = c.workerID
	return c.post(ctx, "/tasks/"+taskID+"/complete", req, nil)
}

// AppendEvent writes one event to the task timeline.
func (c *Client) AppendEvent(ctx context.Context, taskID string, req EventRequest) error {
	req.WorkerID = c.workerID
	return c.post(ctx, "/tasks/"+taskID+"/events", req, nil)
}

// GetState fetches a run-state value. The boolean reports presence.
func (c *Client) GetState(ctx context.Context, key string) (map[string]any, bool, error) {
	if value, ok := c.stateCache.Get(key); ok {
		return value, true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/state/"+key, nil)
	if err != nil {
		return nil, false, fmt.Errorf("worker: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("worker: get state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("worker: get state: status %d", resp.StatusCode)
	}

	var entry struct {
		Value map[string]any `json:"value"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, false, fmt.Errorf("worker: decode state: %w", err)
	}
	c.stateCache.Add(key, entry.Value)
	return entry.Value, true, nil
}

// SetState upserts a run-state value and refreshes the local cache.
func (c *Client) SetState(ctx context.Context, key string, value map[string]any) error {
	if err := c.post(ctx, "/state/"+key, map[string]any{"value": value}, nil); err != nil {
		return err
	}
	c.stateCache.Add(key, value)
	return nil
}

// conflictError marks a 409 response so callers can treat lost leases as
// cooperative.
type conflictError struct {
	path string
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("worker: conflict on %s", e.path)
}

// IsConflict reports whether err is a gateway 409.
func IsConflict(err error) bool {
	var conflict *conflictError
	return errors.As(err, &conflict)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := jsonx.Marshal(body)
	if err != nil {
		return fmt.Errorf("worker: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("worker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &conflictError{path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("worker: %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out != nil {
		if err := jsonx.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("worker: decode %s: %w", path, err)
		}
	}
	return nil
}
