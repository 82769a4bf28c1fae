package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/jsonx"
	"conductor/internal/queue"
	"conductor/internal/store"
)

type testServer struct {
	*httptest.Server
	repo *queue.Repository
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo := queue.NewRepository(st, 3, nil)
	cfg := config.Config{
		LeaseTTL:       time.Minute,
		StreamDeadline: 5 * time.Second,
	}
	server := NewServer(cfg, repo, opts...)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, repo: repo}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := jsonx.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(data) > 0 {
		require.NoError(t, jsonx.Unmarshal(data, &body), "body: %s", data)
	}
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestQueueTaskValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]map[string]any{
		"missing prompt": {"title": "x"},
		"blank prompt":   {"prompt": "   "},
		"bad priority":   {"prompt": "p", "priority": 9},
		"bad mode":       {"prompt": "p", "mode": "turbo"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := ts.post(t, "/tasks/queue", payload)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestQueueAndFetchTask(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/tasks/queue", map[string]any{
		"prompt":   "say hi",
		"title":    "Greeting",
		"mode":     "lean",
		"priority": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	taskID := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	resp, task := ts.get(t, "/tasks/"+taskID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Greeting", task["title"])
	assert.Equal(t, "queued", task["status"])
	assert.Equal(t, float64(2), task["priority"])

	resp, _ = ts.get(t, "/tasks/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, list := ts.get(t, "/tasks?status=queued")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["tasks"], 1)

	resp, _ = ts.get(t, "/tasks?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaseLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	_, created := ts.post(t, "/tasks/queue", map[string]any{"prompt": "say hi"})
	taskID := created["task_id"].(string)

	// Lease grants the task and opens attempt 1.
	resp, lease := ts.post(t, "/tasks/lease", map[string]any{
		"worker_id":    "w1",
		"lease_ttl_ms": 60000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, lease["task"])
	assert.Equal(t, float64(1), lease["attempt_no"])
	attemptID := lease["attempt_id"].(float64)
	assert.Greater(t, attemptID, float64(0))

	// Nothing left to lease.
	resp, empty := ts.post(t, "/tasks/lease", map[string]any{"worker_id": "w2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, empty["task"])

	resp, hb := ts.post(t, "/tasks/"+taskID+"/heartbeat", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, hb["ok"])

	resp, _ = ts.post(t, "/tasks/"+taskID+"/events", map[string]any{
		"worker_id":  "w1",
		"attempt_id": attemptID,
		"phase":      "execute",
		"level":      "info",
		"message":    "model output",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, done := ts.post(t, "/tasks/"+taskID+"/complete", map[string]any{
		"worker_id":   "w1",
		"succeeded":   true,
		"final_phase": "report",
		"output_json": map[string]any{"phase_outputs": map[string]any{}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", done["status"])

	// The lease is gone, so a second complete conflicts.
	resp, _ = ts.post(t, "/tasks/"+taskID+"/complete", map[string]any{
		"worker_id":   "w1",
		"succeeded":   true,
		"final_phase": "report",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, attempts := ts.get(t, "/tasks/"+taskID+"/attempts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, attempts["attempts"], 1)

	resp, events := ts.get(t, "/tasks/"+taskID+"/events?limit=50")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, events["events"])
}

func TestLeaseValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/tasks/lease", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.post(t, "/tasks/lease", map[string]any{
		"worker_id":    "w1",
		"lease_ttl_ms": -5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventValidation(t *testing.T) {
	ts := newTestServer(t)
	_, created := ts.post(t, "/tasks/queue", map[string]any{"prompt": "p"})
	taskID := created["task_id"].(string)

	resp, _ := ts.post(t, "/tasks/"+taskID+"/events", map[string]any{
		"worker_id": "w1",
		"phase":     "execute",
		"level":     "shout",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.post(t, "/tasks/missing/events", map[string]any{
		"worker_id": "w1",
		"phase":     "execute",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStateEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.get(t, "/state/idempotency:abc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, set := ts.post(t, "/state/idempotency:abc", map[string]any{
		"value": map[string]any{"status": "done"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, set["ok"])
	assert.NotEmpty(t, set["updated_at"])

	resp, got := ts.get(t, "/state/idempotency:abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idempotency:abc", got["key"])
	value := got["value"].(map[string]any)
	assert.Equal(t, "done", value["status"])
}

func TestGlobalEvents(t *testing.T) {
	ts := newTestServer(t)
	_, created := ts.post(t, "/tasks/queue", map[string]any{"prompt": "p"})
	taskID := created["task_id"].(string)

	resp, all := ts.get(t, "/events?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, all["events"])

	resp, filtered := ts.get(t, "/events?limit=10&task_id="+taskID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, filtered["events"])

	resp, _ = ts.get(t, "/events?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
