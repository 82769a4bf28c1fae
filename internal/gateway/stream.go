package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"conductor/internal/envelope"
	"conductor/internal/jsonx"
	"conductor/internal/queue"
)

// streamPollCap bounds how many events one poll iteration forwards.
const streamPollCap = 200

// handleRunTask creates a task and streams its event timeline as NDJSON
// envelopes until the task is terminal or the deadline passes. Envelopes
// persisted by the worker are replayed with a fresh per-response sequence;
// plain events are wrapped in synthesized system envelopes.
func (s *Server) handleRunTask(c *gin.Context) {
	input, ok := s.parseCreateTask(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	task, err := s.repo.CreateTask(ctx, *input)
	if err != nil {
		s.internalError(c, "create task", err)
		return
	}
	s.metrics.TasksCreated.Inc()

	started := time.Now()
	defer func() {
		s.metrics.StreamDuration.Observe(time.Since(started).Seconds())
	}()

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)

	stream := &runStream{
		server: s,
		ctx:    c,
		runID:  task.ID,
		seq:    &envelope.Sequencer{},
	}

	stream.write(envelope.SystemEvent(stream.seq, task.ID, "intake", "info",
		"task accepted", map[string]any{"task_id": task.ID}))

	deadline := time.After(s.streamDeadline)
	var lastEventID int64

	for {
		lastEventID, err = stream.forward(task.ID, lastEventID)
		if err != nil {
			s.logger.Warn("run stream %s: %v", task.ID, err)
		}

		current, err := s.repo.GetTask(ctx, task.ID)
		if err != nil {
			s.logger.Warn("run stream %s: %v", task.ID, err)
		} else if current == nil {
			stream.write(envelope.ErrorEnvelope(stream.seq, task.ID, "runtime",
				"TASK_NOT_FOUND", "task disappeared while streaming"))
			return
		} else if current.Status.Terminal() {
			// Drain whatever landed between the poll and the status read.
			if lastEventID, err = stream.forward(task.ID, lastEventID); err != nil {
				s.logger.Warn("run stream %s: %v", task.ID, err)
			}
			stream.write(s.terminalArtifact(stream, current))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			stream.write(envelope.ErrorEnvelope(stream.seq, task.ID, "runtime",
				"RUN_WAIT_TIMEOUT", "task did not finish before the stream deadline"))
			return
		case <-time.After(s.streamPoll):
		}
	}
}

// terminalArtifact builds the final artifact envelope from the last
// attempt's output.
func (s *Server) terminalArtifact(stream *runStream, task *queue.Task) envelope.Envelope {
	output := map[string]any{}
	attempt, err := s.repo.LatestAttempt(stream.ctx.Request.Context(), task.ID)
	if err != nil {
		s.logger.Warn("run stream %s: latest attempt: %v", task.ID, err)
	} else if attempt != nil && len(attempt.OutputJSON) > 0 {
		if err := jsonx.Unmarshal(attempt.OutputJSON, &output); err != nil {
			s.logger.Warn("run stream %s: decode output: %v", task.ID, err)
		}
	}
	content := envelope.ExtractUserOutput(output)
	return envelope.Artifact(stream.seq, task.ID, "report", "result", "json", content)
}

// runStream owns the per-response sequence counter and the NDJSON writer.
type runStream struct {
	server *Server
	ctx    *gin.Context
	runID  string
	seq    *envelope.Sequencer
}

// forward replays every event after lastID onto the stream, returning the
// new high-water mark.
func (r *runStream) forward(taskID string, lastID int64) (int64, error) {
	events, err := r.server.repo.ListEventsAfter(r.ctx.Request.Context(), taskID, lastID, streamPollCap)
	if err != nil {
		return lastID, err
	}
	for _, event := range events {
		r.write(r.toEnvelope(event))
		lastID = event.ID
	}
	return lastID, nil
}

// toEnvelope replays a persisted stream envelope (re-sequenced, original
// sequence kept under payload.source_sequence) or synthesizes a system
// event envelope for a plain audit event.
func (r *runStream) toEnvelope(event *queue.Event) envelope.Envelope {
	var data struct {
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if len(event.DataJSON) > 0 {
		if err := jsonx.Unmarshal(event.DataJSON, &data); err == nil && data.Envelope != nil {
			replay := *data.Envelope
			if replay.Payload == nil {
				replay.Payload = map[string]any{}
			}
			replay.Payload["source_sequence"] = replay.Sequence
			replay.Sequence = r.seq.Next()
			return replay
		}
	}

	payload := map[string]any{}
	if len(event.DataJSON) > 0 {
		_ = jsonx.Unmarshal(event.DataJSON, &payload)
	}
	return envelope.SystemEvent(r.seq, r.runID, event.Phase, event.Level, event.Message, payload)
}

// write emits one NDJSON line and flushes it to the client.
func (r *runStream) write(env envelope.Envelope) {
	line, err := env.Marshal()
	if err != nil {
		r.server.logger.Warn("run stream %s: marshal envelope: %v", r.runID, err)
		return
	}
	if _, err := r.ctx.Writer.Write(append(line, '\n')); err != nil {
		return
	}
	r.ctx.Writer.Flush()
}
