// Package worker implements the phase runner: a polling loop that leases
// tasks from the gateway, drives each attempt through the mode-selected
// phase pipeline against a provider CLI, and reports exactly one terminal
// completion per lease.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/async"
	"conductor/internal/config"
	"conductor/internal/envelope"
	"conductor/internal/logging"
	"conductor/internal/prompts"
	"conductor/internal/provider"
	"conductor/internal/subprocess"
)

// Runner is the worker supervisory loop. One Runner drives one attempt at
// a time with a single in-flight subprocess.
type Runner struct {
	gateway    gatewayAPI
	invoker    invoker
	prompts    *prompts.Loader
	logger     logging.Logger
	workerID   string
	runRoot    string
	pollEvery  time.Duration
	leaseTTL   time.Duration
	streamLogs bool
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithInvoker replaces the subprocess-backed phase invoker.
func WithInvoker(inv invoker) RunnerOption {
	return func(r *Runner) { r.invoker = inv }
}

// WithStreamLogs mirrors model output summaries to the runner log.
func WithStreamLogs(enabled bool) RunnerOption {
	return func(r *Runner) { r.streamLogs = enabled }
}

// NewRunner wires a Runner from config. The provider adapter named in cfg
// backs every phase invocation unless WithInvoker overrides it.
func NewRunner(cfg *config.Config, workerID string, opts ...RunnerOption) (*Runner, error) {
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	client, err := NewClient(cfg.APIBaseURL, workerID)
	if err != nil {
		return nil, err
	}
	loader, err := prompts.NewLoader(cfg.PromptDir)
	if err != nil {
		return nil, err
	}
	adapter, err := provider.New(cfg.Provider)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		gateway:   client,
		prompts:   loader,
		logger:    logging.Nop(),
		workerID:  workerID,
		runRoot:   cfg.RunRoot,
		pollEvery: cfg.PollInterval,
		leaseTTL:  cfg.WorkerLeaseTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.invoker == nil {
		r.invoker = &cliInvoker{
			adapter: adapter,
			timeout: cfg.PhaseTimeout,
		}
	}
	return r, nil
}

// Run polls for leases until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker %s polling every %s", r.workerID, r.pollEvery)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lease, err := r.gateway.Lease(ctx, r.leaseTTL)
		if err != nil {
			r.logger.Warn("lease poll: %v", err)
			r.sleep(ctx)
			continue
		}
		if lease == nil {
			r.sleep(ctx)
			continue
		}

		r.runAttempt(ctx, lease)
	}
}

// runAttempt drives one leased attempt: run directory, heartbeat,
// pipeline, then exactly one complete call.
func (r *Runner) runAttempt(ctx context.Context, lease *LeaseResponse) {
	task := lease.Task
	runID := fmt.Sprintf("%s-a%d", task.ID, lease.AttemptNo)
	runDir := filepath.Join(r.runRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		r.logger.Error("task %s: run dir: %v", task.ID, err)
		r.complete(ctx, task.ID, pipelineResult{
			FinalPhase:   "preflight",
			Output:       map[string]any{"error": err.Error()},
			ErrorMessage: "run dir: " + err.Error(),
		})
		return
	}

	r.logger.Info("task %s: attempt %d leased (run %s)", task.ID, lease.AttemptNo, runID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	async.Go(r.logger, "heartbeat-"+task.ID, func() {
		r.heartbeatLoop(heartbeatCtx, task.ID)
	})

	p := &pipeline{
		gateway:   r.gateway,
		invoker:   r.pipelineInvoker(),
		prompts:   r.prompts,
		logger:    r.logger,
		task:      task,
		attemptNo: lease.AttemptNo,
		attemptID: lease.AttemptID,
		runID:     runID,
		runDir:    runDir,
		seq:       &envelope.Sequencer{},
	}
	result := p.Run(ctx)
	stopHeartbeat()

	r.complete(ctx, task.ID, result)
}

// pipelineInvoker optionally wraps the invoker with log mirroring.
func (r *Runner) pipelineInvoker() invoker {
	if !r.streamLogs {
		return r.invoker
	}
	return &mirroringInvoker{next: r.invoker, logger: r.logger}
}

// complete reports the attempt outcome. A conflict means the lease was
// lost and another owner finalized the task; that is a cooperative no-op.
func (r *Runner) complete(ctx context.Context, taskID string, result pipelineResult) {
	req := CompleteRequest{
		Succeeded:    result.Succeeded,
		Blocked:      result.Blocked,
		FinalPhase:   result.FinalPhase,
		OutputJSON:   result.Output,
		ErrorMessage: result.ErrorMessage,
		FinishedAt:   time.Now().UTC().Format(envelope.TimeFormat),
	}
	if err := r.gateway.Complete(ctx, taskID, req); err != nil {
		if IsConflict(err) {
			r.logger.Warn("task %s: lease lost before complete, dropping result", taskID)
			return
		}
		r.logger.Error("task %s: complete: %v", taskID, err)
		return
	}
	outcome := "failed"
	switch {
	case result.Blocked:
		outcome = "blocked"
	case result.Succeeded:
		outcome = "done"
	}
	r.logger.Info("task %s: attempt finished %s (phase %s)", taskID, outcome, result.FinalPhase)
}

// heartbeatLoop extends the lease every leaseTTL/3 until canceled. Errors
// are logged and tolerated; a truly lost lease surfaces on complete.
func (r *Runner) heartbeatLoop(ctx context.Context, taskID string) {
	interval := r.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.gateway.Heartbeat(ctx, taskID, r.leaseTTL); err != nil {
				r.logger.Warn("task %s: heartbeat: %v", taskID, err)
			}
		}
	}
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollEvery):
	}
}

// cliInvoker spawns the provider CLI for one phase and parses its output
// into the single JSON object the pipeline expects.
type cliInvoker struct {
	adapter provider.Adapter
	timeout time.Duration
}

func (i *cliInvoker) Invoke(ctx context.Context, phase, prompt, schemaPath string, onEvent func(provider.ModelEvent)) (map[string]any, error) {
	i.adapter.Reset()
	command := i.adapter.BuildCommand(prompt, schemaPath)

	var onLine func(subprocess.Stream, string)
	if onEvent != nil || i.adapter.TerminalStream() {
		onLine = func(stream subprocess.Stream, line string) {
			if stream != subprocess.Stdout {
				return
			}
			i.adapter.HandleOutputLine(line, func(event provider.ModelEvent) {
				if onEvent != nil {
					onEvent(event)
				}
			})
		}
	}

	result, err := subprocess.Run(ctx, subprocess.Config{
		Command: command.Command,
		Args:    command.Args,
		Stdin:   command.Stdin,
		Timeout: i.timeout,
		OnLine:  onLine,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn_error: %w", err)
	}
	if result.ExitCode != 0 {
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(result.Stdout)
		}
		return nil, fmt.Errorf("%s exited %d: %s", command.Command, result.ExitCode, truncate(detail, 512))
	}

	text := result.Stdout
	if i.adapter.TerminalStream() {
		if terminal := i.adapter.TerminalResultText(); terminal != "" {
			text = terminal
		}
	}
	out, err := ExtractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", phase, err)
	}
	return out, nil
}

// mirroringInvoker echoes model summaries to the runner log, for the
// --stream-job-logs flag.
type mirroringInvoker struct {
	next   invoker
	logger logging.Logger
}

func (m *mirroringInvoker) Invoke(ctx context.Context, phase, prompt, schemaPath string, onEvent func(provider.ModelEvent)) (map[string]any, error) {
	wrapped := func(event provider.ModelEvent) {
		if event.Summary != "" {
			m.logger.Info("[%s] %s", phase, truncate(event.Summary, 200))
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
	if onEvent == nil {
		wrapped = nil
	}
	return m.next.Invoke(ctx, phase, prompt, schemaPath, wrapped)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
