package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conductor/internal/envelope"
	"conductor/internal/jsonx"
	"conductor/internal/logging"
	"conductor/internal/prompts"
	"conductor/internal/provider"
	"conductor/internal/queue"
)

// invoker executes one provider call for a phase. The production
// implementation spawns the provider CLI; tests swap in a fake. onEvent
// may be nil when the caller does not stream the phase.
type invoker interface {
	Invoke(ctx context.Context, phase, prompt, schemaPath string, onEvent func(provider.ModelEvent)) (map[string]any, error)
}

// pipelineResult is what one attempt hands back to the runner for the
// single complete call.
type pipelineResult struct {
	Succeeded    bool
	Blocked      bool
	FinalPhase   string
	Output       map[string]any
	ErrorMessage string
}

// pipeline drives every phase of one leased attempt. One instance per
// attempt; it is not reused.
type pipeline struct {
	gateway gatewayAPI
	invoker invoker
	prompts *prompts.Loader
	logger  logging.Logger

	task      *queue.Task
	attemptNo int
	attemptID int64
	runID     string
	runDir    string
	seq       *envelope.Sequencer
}

// taskRequest is the declared configuration payload stored on the task.
type taskRequest struct {
	Mode queue.Mode `json:"mode"`
}

// Run drives the attempt through mode selection and the phase pipeline.
// It never calls complete; the returned result is the runner's to report.
func (p *pipeline) Run(ctx context.Context) pipelineResult {
	output := map[string]any{
		"run_dir":       p.runDir,
		"phase_outputs": map[string]any{},
	}

	p.emitEnvelope(ctx, "runtime", "info", "run started",
		envelope.StateChange(p.seq, p.runID, "runtime", "pending", "running"))

	configured := p.configuredMode()
	effective, err := p.selectMode(ctx, configured, output)
	if err != nil {
		return p.fail(ctx, output, "classifier", err)
	}
	output["mode"] = modeRecord(output, configured, effective)

	var result pipelineResult
	if effective == queue.ModeFull {
		result = p.runFull(ctx, output)
	} else {
		result = p.runLean(ctx, output, nil)
	}

	terminal := "failed"
	if result.Succeeded {
		terminal = "succeeded"
	}
	p.emitEnvelope(ctx, result.FinalPhase, "info", "run finished",
		envelope.StateChange(p.seq, p.runID, result.FinalPhase, "running", terminal))
	return result
}

// configuredMode reads the declared mode off the task request, defaulting
// to auto when absent or unrecognized.
func (p *pipeline) configuredMode() queue.Mode {
	var req taskRequest
	if len(p.task.TaskRequest) > 0 {
		if err := jsonx.Unmarshal(p.task.TaskRequest, &req); err != nil {
			p.logger.Warn("task %s: unreadable task_request: %v", p.task.ID, err)
		}
	}
	if req.Mode.Valid() {
		return req.Mode
	}
	return queue.ModeAuto
}

// selectMode resolves auto through the classifier phase. Anything the
// classifier says other than "full" collapses to lean.
func (p *pipeline) selectMode(ctx context.Context, configured queue.Mode, output map[string]any) (queue.Mode, error) {
	if configured != queue.ModeAuto {
		return configured, nil
	}
	decision, err := p.runPhase(ctx, "classifier", map[string]string{
		"prompt": p.task.Prompt,
	}, "", nil)
	if err != nil {
		return "", err
	}
	output["classifier"] = decision
	if mode, _ := decision["mode"].(string); mode == string(queue.ModeFull) {
		return queue.ModeFull, nil
	}
	return queue.ModeLean, nil
}

// modeRecord builds output_json.mode, folding the classifier decision in
// when one was made.
func modeRecord(output map[string]any, configured, effective queue.Mode) map[string]any {
	record := map[string]any{
		"configured": string(configured),
		"effective":  string(effective),
	}
	if decision, ok := output["classifier"]; ok {
		record["classifier"] = decision
		delete(output, "classifier")
	}
	return record
}

// runLean drives execute, verify, report. A non-nil prior carries the
// full-mode phase outputs so execute sees interpret and plan context.
func (p *pipeline) runLean(ctx context.Context, output map[string]any, prior map[string]any) pipelineResult {
	phaseOutputs := output["phase_outputs"].(map[string]any)

	schemaPath := ""
	planText := ""
	if prior != nil {
		schemaPath, _ = prior["schema_path"].(string)
		planText = serializePhase(phaseOutputs["plan"])
	}

	executeOut, err := p.runExecute(ctx, planText, schemaPath)
	if err != nil {
		return p.fail(ctx, output, "execute", err)
	}
	phaseOutputs["execute"] = executeOut

	verifyOut, err := p.runVerify(ctx, executeOut)
	if err != nil {
		return p.fail(ctx, output, "verify", err)
	}
	phaseOutputs["verify"] = verifyOut

	reportOut, err := p.runPhase(ctx, "report", map[string]string{
		"prompt":        p.task.Prompt,
		"phase_outputs": serializePhase(phaseOutputs),
	}, "", nil)
	if err != nil {
		return p.fail(ctx, output, "report", err)
	}
	phaseOutputs["report"] = reportOut

	pass, _ := verifyOut["pass"].(bool)
	if pass {
		p.emitArtifact(ctx, output)
		return pipelineResult{Succeeded: true, FinalPhase: "report", Output: output}
	}
	return pipelineResult{
		FinalPhase:   "report",
		Output:       output,
		ErrorMessage: executeErrorMessage(executeOut, verifyOut),
	}
}

// runFull drives interpret, plan, policy, then hands over to the lean
// tail. interpret alone may block; policy alone may short-circuit.
func (p *pipeline) runFull(ctx context.Context, output map[string]any) pipelineResult {
	phaseOutputs := output["phase_outputs"].(map[string]any)

	interpretOut, err := p.runPhase(ctx, "interpret", map[string]string{
		"prompt":           p.task.Prompt,
		"success_criteria": p.task.SuccessCriteria,
	}, "", nil)
	if err != nil {
		return p.fail(ctx, output, "interpret", err)
	}
	phaseOutputs["interpret"] = interpretOut

	if blocked, clarifications := isCriticalBlock(interpretOut); blocked {
		phaseOutputs["report"] = map[string]any{
			"message_markdown":      "Blocked for clarification.",
			"clarifications_needed": clarifications,
		}
		p.event(ctx, "interpret", "warn", "critical blocker declared, blocking task", nil)
		return pipelineResult{
			Blocked:      true,
			FinalPhase:   "interpret",
			Output:       output,
			ErrorMessage: "blocked for clarification",
		}
	}
	if route, _ := interpretOut["route"].(string); route == "blocked_for_clarification" {
		p.event(ctx, "interpret", "warn", "clarification requested without critical blocker, continuing", nil)
	}

	objective, _ := interpretOut["objective"].(string)

	planOut, err := p.runPhase(ctx, "plan", map[string]string{
		"prompt":    p.task.Prompt,
		"objective": objective,
	}, "", nil)
	if err != nil {
		return p.fail(ctx, output, "plan", err)
	}
	phaseOutputs["plan"] = planOut

	prior := map[string]any{}
	if schemaPath, err := p.writeExecuteSchema(planOut); err != nil {
		p.event(ctx, "plan", "warn", "could not write execute schema: "+err.Error(), nil)
	} else if schemaPath != "" {
		prior["schema_path"] = schemaPath
	}

	policyOut, err := p.runPhase(ctx, "policy", map[string]string{
		"prompt":    p.task.Prompt,
		"objective": objective,
	}, "", nil)
	if err != nil {
		return p.fail(ctx, output, "policy", err)
	}
	phaseOutputs["policy"] = policyOut

	key, canonical := IdempotencyKey(keyFields(policyOut), CanonicalSource(p.task, objective))
	output["idempotency"] = map[string]any{"key": key, "canonical": canonical}

	if hit, err := p.dedupeHit(ctx, key); err != nil {
		p.event(ctx, "policy", "warn", "idempotency lookup failed: "+err.Error(), nil)
	} else if hit {
		output["dedupe"] = map[string]any{"reused": true, "key": key}
		p.event(ctx, "policy", "info", "idempotency marker found, reusing prior completion", map[string]any{"key": key})
		p.emitArtifact(ctx, output)
		return pipelineResult{Succeeded: true, FinalPhase: "policy", Output: output}
	}

	result := p.runLean(ctx, output, prior)
	if result.Succeeded {
		if err := p.writeMarker(ctx, key); err != nil {
			p.event(ctx, "report", "warn", "could not write idempotency marker: "+err.Error(), nil)
		}
	}
	return result
}

// runExecute performs the single streamed provider call. Model output
// lines become producer:"model" event envelopes; the call itself is
// bracketed by an action / tool_result pair.
func (p *pipeline) runExecute(ctx context.Context, planText, schemaPath string) (map[string]any, error) {
	stepID := "execute"
	actionEnv, actionID := envelope.Action(p.seq, p.runID, "execute", stepID, "provider", map[string]any{
		"prompt_chars": len(p.task.Prompt),
		"has_schema":   schemaPath != "",
	})
	p.emitEnvelope(ctx, "execute", "info", "provider call started", actionEnv)

	vars := map[string]string{
		"prompt": p.task.Prompt,
		"plan":   planText,
	}
	out, err := p.runPhase(ctx, "execute", vars, schemaPath, func(event provider.ModelEvent) {
		env := envelope.New(p.seq, p.runID, envelope.TypeEvent, "execute", envelope.ProducerModel, event.Payload())
		p.emitEnvelope(ctx, "execute", "info", "model output", env)
	})

	resultEnv := envelope.ToolResult(p.seq, p.runID, "execute", actionID, err == nil, toolResultDetail(err))
	p.emitEnvelope(ctx, "execute", "info", "provider call finished", resultEnv)
	return out, err
}

func toolResultDetail(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": err.Error()}
}

// runVerify calls the verify prompt when success criteria exist and
// synthesizes the result from the execute status otherwise.
func (p *pipeline) runVerify(ctx context.Context, executeOut map[string]any) (map[string]any, error) {
	criteria := strings.TrimSpace(p.task.SuccessCriteria)
	if criteria == "" {
		status, _ := executeOut["status"].(string)
		return map[string]any{
			"pass":        status == "succeeded",
			"synthesized": true,
		}, nil
	}
	return p.runPhase(ctx, "verify", map[string]string{
		"success_criteria": criteria,
		"execute_output":   serializePhase(executeOut),
	}, "", nil)
}

// runPhase renders the phase prompt, invokes the provider, and records
// phase boundary events.
func (p *pipeline) runPhase(ctx context.Context, phase string, vars map[string]string, schemaPath string, onEvent func(provider.ModelEvent)) (map[string]any, error) {
	prompt, err := p.prompts.Render(phase, vars)
	if err != nil {
		return nil, err
	}
	p.event(ctx, phase, "info", "phase started", nil)
	started := time.Now()

	out, err := p.invoker.Invoke(ctx, phase, prompt, schemaPath, onEvent)
	if err != nil {
		p.event(ctx, phase, "error", "phase failed: "+err.Error(), nil)
		return nil, fmt.Errorf("%s: %w", phase, err)
	}

	p.event(ctx, phase, "info", "phase completed", map[string]any{
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	return out, nil
}

// writeExecuteSchema persists the plan-declared execute schema into the
// run directory when the plan demands a strict JSON contract.
func (p *pipeline) writeExecuteSchema(planOut map[string]any) (string, error) {
	strict, _ := planOut["execute_output_strict"].(bool)
	format, _ := planOut["execute_output_format"].(string)
	schema, ok := planOut["execute_output_schema"].(map[string]any)
	if !strict || format != "json" || !ok || len(schema) == 0 {
		return "", nil
	}
	data, err := jsonx.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	path := filepath.Join(p.runDir, "execute_schema.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write schema: %w", err)
	}
	return path, nil
}

// dedupeHit reports whether a done-marker exists under the key.
func (p *pipeline) dedupeHit(ctx context.Context, key string) (bool, error) {
	value, found, err := p.gateway.GetState(ctx, StateKeyPrefix+key)
	if err != nil || !found {
		return false, err
	}
	status, _ := value["status"].(string)
	return status == "done", nil
}

// writeMarker records the successful completion under the idempotency key.
func (p *pipeline) writeMarker(ctx context.Context, key string) error {
	return p.gateway.SetState(ctx, StateKeyPrefix+key, map[string]any{
		"status":       "done",
		"task_id":      p.task.ID,
		"run_id":       p.runID,
		"completed_at": time.Now().UTC().Format(envelope.TimeFormat),
	})
}

// fail records the phase failure and builds the failed result. Parse and
// provider errors are runtime failures, never blocks.
func (p *pipeline) fail(ctx context.Context, output map[string]any, phase string, err error) pipelineResult {
	output["error"] = err.Error()
	p.event(ctx, "runtime", "error", "pipeline failed in "+phase+": "+err.Error(), nil)
	return pipelineResult{
		FinalPhase:   phase,
		Output:       output,
		ErrorMessage: err.Error(),
	}
}

// emitArtifact emits the terminal result artifact before the closing
// state change, as consumers of a succeeded run expect.
func (p *pipeline) emitArtifact(ctx context.Context, output map[string]any) {
	content := envelope.ExtractUserOutput(output)
	env := envelope.Artifact(p.seq, p.runID, "report", "result", "json", content)
	p.emitEnvelope(ctx, "report", "info", "result artifact", env)
}

// event appends a plain system event to the task timeline.
func (p *pipeline) event(ctx context.Context, phase, level, message string, data map[string]any) {
	err := p.gateway.AppendEvent(ctx, p.task.ID, EventRequest{
		AttemptID: p.attemptID,
		Phase:     phase,
		Level:     level,
		Message:   message,
		Data:      data,
	})
	if err != nil {
		p.logger.Warn("task %s: append event: %v", p.task.ID, err)
	}
}

// emitEnvelope appends an event whose data carries the full stream
// envelope, so the run endpoint can replay it verbatim.
func (p *pipeline) emitEnvelope(ctx context.Context, phase, level, message string, env envelope.Envelope) {
	err := p.gateway.AppendEvent(ctx, p.task.ID, EventRequest{
		AttemptID: p.attemptID,
		Phase:     phase,
		Level:     level,
		Message:   message,
		Data:      map[string]any{"envelope": env},
	})
	if err != nil {
		p.logger.Warn("task %s: append envelope event: %v", p.task.ID, err)
	}
}

// isCriticalBlock checks the one interpret combination that blocks a task.
func isCriticalBlock(interpretOut map[string]any) (bool, []any) {
	route, _ := interpretOut["route"].(string)
	critical, _ := interpretOut["critical_blocker"].(bool)
	if route != "blocked_for_clarification" || !critical {
		return false, nil
	}
	clarifications, _ := interpretOut["clarifications_needed"].([]any)
	return true, clarifications
}

// keyFields pulls idempotency.key_fields out of the policy output.
func keyFields(policyOut map[string]any) []string {
	idempotency, ok := policyOut["idempotency"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := idempotency["key_fields"].([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(raw))
	for _, item := range raw {
		if field, ok := item.(string); ok && field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

func executeErrorMessage(executeOut, verifyOut map[string]any) string {
	if reason, ok := verifyOut["reason"].(string); ok && reason != "" {
		return "verification failed: " + reason
	}
	if summary, ok := executeOut["summary"].(string); ok && summary != "" {
		return "verification failed: " + summary
	}
	return "verification failed"
}

func serializePhase(value any) string {
	if value == nil {
		return ""
	}
	data, err := jsonx.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}
