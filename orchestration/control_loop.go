package orchestration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/resilience"
	"github.com/fernridge/conductor/supervisorerr"
)

// GoalCompletionInvoker dispatches the goal-completion prompt to the
// primary provider and returns its raw response.
type GoalCompletionInvoker func(ctx context.Context, prompt string) (*core.ProviderResult, error)

type goalCompletionResponse struct {
	GoalCompleted bool   `json:"goal_completed"`
	Reasoning     string `json:"reasoning"`
}

// ControlLoop owns the fixed iteration protocol. Every component it
// wires together (StateStore, TaskQueue, SessionManager,
// ProviderDispatcher, HaltDetector, Validator, HelperAgentDriver,
// Interrogator, RecoveryDetector, ResourceExhaustedBackoff, AuditLogger)
// was built and tested independently; ControlLoop's job is only
// sequencing them exactly as the fixed protocol dictates, never
// reimplementing their decisions.
type ControlLoop struct {
	state        *StateStore
	queue        *TaskQueue
	sessions     *SessionManager
	dispatcher   *ProviderDispatcher
	halts        *HaltDetector
	validator    *Validator
	helper       *HelperAgentDriver
	interrogator *Interrogator
	recovery     *RecoveryDetector
	prompts      PromptBuilder
	audit        *AuditLogger
	promptLog    *PromptLogger
	backoff      *resilience.ResourceExhaustedBackoff
	cfg          *core.Config
	logger       core.Logger

	goalCompletion GoalCompletionInvoker
	sleep          func(time.Duration)
	now            func() time.Time
}

// NewControlLoop builds a ControlLoop over its fully-assembled
// dependencies. sleep/now default to time.Sleep/time.Now; tests override
// both to avoid real wall-clock waits.
func NewControlLoop(
	state *StateStore,
	queue *TaskQueue,
	sessions *SessionManager,
	dispatcher *ProviderDispatcher,
	halts *HaltDetector,
	validator *Validator,
	helper *HelperAgentDriver,
	interrogator *Interrogator,
	recovery *RecoveryDetector,
	prompts PromptBuilder,
	audit *AuditLogger,
	promptLog *PromptLogger,
	backoff *resilience.ResourceExhaustedBackoff,
	cfg *core.Config,
	logger core.Logger,
	goalCompletion GoalCompletionInvoker,
) *ControlLoop {
	return &ControlLoop{
		state: state, queue: queue, sessions: sessions, dispatcher: dispatcher,
		halts: halts, validator: validator, helper: helper, interrogator: interrogator,
		recovery: recovery, prompts: prompts, audit: audit, promptLog: promptLog,
		backoff: backoff, cfg: cfg, logger: logger, goalCompletion: goalCompletion,
		sleep: time.Sleep, now: time.Now,
	}
}

// StepOutcome reports what one call to Step did. Run returns when Step
// reports StepHalted or StepCompleted and calls Step again otherwise.
type StepOutcome string

const (
	StepContinue    StepOutcome = "continue"
	StepHalted      StepOutcome = "halted"
	StepCompleted   StepOutcome = "completed"
	StepBackoff     StepOutcome = "backoff"
	StepIdle        StepOutcome = "idle"
)

// Run repeats Step until the supervisor leaves RUNNING status, or ctx is
// canceled.
func (c *ControlLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := c.Step(ctx)
		if err != nil {
			return err
		}
		if outcome == StepHalted || outcome == StepCompleted {
			return nil
		}
	}
}

// Step runs exactly one iteration of the fixed protocol (§4.1, steps
// 1-18). Many branches return early with StepContinue after persisting
// partial progress; Run then invokes Step again immediately, matching
// "restart iteration" in the source protocol.
func (c *ControlLoop) Step(ctx context.Context) (StepOutcome, error) {
	// 1. Load.
	state, err := c.state.Load(ctx)
	if err != nil {
		return StepHalted, err
	}

	// 2. Validate required fields.
	if err := ValidateRequiredFields(state); err != nil {
		c.haltWith(ctx, state, "MISSING_STATE_FIELD", err.Error())
		return StepHalted, err
	}

	// Recovery detection runs once per load, ahead of the normal
	// dispatch path, since a crash can leave current_task/retry_task in
	// a state the ordinary priority-select logic isn't meant to resolve.
	if scenario := c.recovery.Detect(state, state.Supervisor.RetryTask, nil); scenario != RecoveryNone {
		action := c.recovery.Action(scenario)
		if action == RecoveryActionRequireOperator {
			c.blockOnRecoveryConflict(ctx, state, scenario)
			return StepHalted, supervisorerr.Newf("controlloop.Step", supervisorerr.RecoveryConflict, "", "recovery scenario %s requires operator input", scenario)
		}
		// CLI_CRASH: auto-reissue, no operator input required; fall
		// through to the normal task-selection path below, which will
		// pick current_task back up.
	}

	// 3. If status != RUNNING, sleep and restart.
	if state.Supervisor.Status != core.StatusRunning {
		c.sleep(time.Second)
		return StepIdle, nil
	}

	// 4. Resource-exhausted backoff gate.
	if retry := state.ResourceExhaustedRetry; retry != nil && retry.NextRetryAt.After(c.now()) {
		wait := retry.NextRetryAt.Sub(c.now())
		if wait > 60*time.Second {
			wait = 60 * time.Second
		}
		c.sleep(wait)
		return StepBackoff, nil
	}

	// 5. Select task: current_task (crash recovery) > retry_task > dequeue.
	task := state.CurrentTask
	if task == nil {
		task = state.Supervisor.RetryTask
	}
	if task == nil {
		dequeued, err := c.queue.Dequeue(ctx)
		if err != nil {
			return StepHalted, err
		}
		task = dequeued
	}

	// 6. No task available.
	if task == nil {
		return c.handleQueueExhausted(ctx, state)
	}

	projectID := state.Goal.ProjectID
	sandboxRoot := c.cfg.SandboxRoot

	// 7. Persist current_task, compute working directory.
	state.CurrentTask = task
	state.Supervisor.RetryTask = nil
	task.WorkingDirectory = workingDirectoryFor(task, projectID, sandboxRoot)
	if err := c.state.Persist(ctx, state); err != nil {
		return StepHalted, err
	}
	// The provider tag is resolved up front so the TASK_START audit entry
	// below can carry tool_invoked.
	provider := primaryProviderTag(task, c.cfg)
	c.audit.Append(AuditEntry{Event: AuditTaskStart, TaskID: task.TaskID, ToolInvoked: provider})

	// 8. Build initial prompt.
	baseReq := PromptRequest{Kind: PromptInitial, Task: task, State: state, WorkingDirectory: task.WorkingDirectory}
	prompt, err := c.prompts.BuildPrompt(ctx, baseReq)
	if err != nil {
		return StepHalted, err
	}

	// 9. Resolve session.
	sessionHandle, err := c.sessions.Resolve(ctx, state, task, provider, projectID)
	if err != nil {
		return StepHalted, err
	}

	// 10. Dispatch.
	result, allBroken, err := c.dispatch(ctx, task, prompt, sessionHandle)
	if err != nil {
		return StepHalted, err
	}

	// 11. HaltDetector runs against the raw result, ahead of Validator,
	// so a critical reason halts before any validate/helper side effect.
	_, parseErr := ParseOutput(result.RawOutput)
	haltReason := c.halts.Detect(result, parseErr != "", allBroken)
	switch Classify(haltReason) {
	case CriticalityCritical:
		c.sessions.Update(state, task, provider, projectID, result, true)
		c.haltWith(ctx, state, string(haltReason), "")
		return StepHalted, nil
	case CriticalityBackoff:
		c.sessions.Update(state, task, provider, projectID, result, true)
		return c.enterBackoff(ctx, state)
	}

	// 12-13. Validator, then HelperAgentDriver fallback on an invalid verdict.
	validationFailed, report, err := c.validateWithFallback(ctx, task, state, result)
	if err != nil {
		return StepHalted, err
	}
	c.sessions.Update(state, task, provider, projectID, result, validationFailed)

	// 14. Interrogation on low/uncertain confidence for non-behavioral tasks.
	attempt := c.attemptState(state, task.TaskID)
	if validationFailed && task.TaskType != core.TaskTypeBehavioral &&
		(report.Confidence == core.ConfidenceUncertain || report.Confidence == core.ConfidenceLow) &&
		!alreadyInterrogated(attempt, attempt.RetryCount) {
		attempt.InterrogationAttemptsDone = append(attempt.InterrogationAttemptsDone, attempt.RetryCount)
		if err := c.state.Persist(ctx, state); err != nil {
			return StepHalted, err
		}
		outcome, err := c.interrogator.Run(ctx, PromptRequest{Task: task, State: state}, task.WorkingDirectory, report.FailedCriteria)
		if err != nil {
			return StepHalted, err
		}
		if outcome.AllCriteriaSatisfied {
			report.Valid = true
			report.Reason = "confirmed by interrogation"
			validationFailed = false
		}
	}

	if !validationFailed {
		return c.completeTask(ctx, state, task, report, provider, prompt, result)
	}

	// 15. Retry accounting and repeated-error detection.
	maxRetries := task.RetryPolicy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = core.DefaultMaxRetries
	}
	strictMode := false
	if attempt.LastError != "" && attempt.LastError == report.Reason {
		attempt.RepeatedErrorCount++
		if attempt.RepeatedErrorCount >= core.RepeatedErrorBlockCount {
			return c.blockTask(ctx, state, task, report, "repeated identical error", provider, prompt, result)
		}
		strictMode = true
	}
	attempt.LastError = report.Reason

	// 16. Retry if budget remains.
	if attempt.RetryCount < maxRetries {
		attempt.RetryCount++
		if err := c.state.Persist(ctx, state); err != nil {
			return StepHalted, err
		}

		retryReq := c.retryPromptRequest(haltReason, task, state, report, strictMode)
		retryPrompt, err := c.prompts.BuildPrompt(ctx, retryReq)
		if err != nil {
			return StepHalted, err
		}
		retryResult, retryAllBroken, err := c.dispatch(ctx, task, retryPrompt, sessionHandle)
		if err != nil {
			return StepHalted, err
		}
		if retryAllBroken {
			c.sessions.Update(state, task, provider, projectID, retryResult, true)
			return c.enterBackoff(ctx, state)
		}
		retryFailed, retryReport, err := c.validateWithFallback(ctx, task, state, retryResult)
		if err != nil {
			return StepHalted, err
		}
		c.sessions.Update(state, task, provider, projectID, retryResult, retryFailed)
		if !retryFailed {
			return c.completeTask(ctx, state, task, retryReport, provider, retryPrompt, retryResult)
		}

		state.Supervisor.RetryTask = task
		state.CurrentTask = nil
		if err := c.state.Persist(ctx, state); err != nil {
			return StepHalted, err
		}
		return StepContinue, nil
	}

	// 17. Retries exhausted: one final interrogation round (zero follow-ups).
	finalOutcome, err := c.interrogator.Run(ctx, PromptRequest{Task: task, State: state}, task.WorkingDirectory, report.FailedCriteria)
	if err != nil {
		return StepHalted, err
	}
	if finalOutcome.AllCriteriaSatisfied {
		report.Valid = true
		report.Reason = "confirmed by final interrogation"
		return c.completeTask(ctx, state, task, report, provider, prompt, result)
	}
	return c.blockTask(ctx, state, task, report, "retries exhausted; final interrogation did not confirm completion", provider, prompt, result)
}

// dispatch wires step 10: invoke the provider and log the exchange.
// allBroken signals every provider was unavailable, in which case
// result carries the synthetic FAILED placeholder and no validation is
// meaningful.
func (c *ControlLoop) dispatch(ctx context.Context, task *core.Task, prompt, sessionHandle string) (result *core.ProviderResult, allBroken bool, err error) {
	result, allBroken, err = c.dispatcher.Dispatch(ctx, DispatchRequest{
		Prompt:           prompt,
		WorkingDirectory: task.WorkingDirectory,
		AgentMode:        task.AgentMode,
		SessionHandle:    sessionHandle,
	})
	if err != nil {
		return nil, false, err
	}
	c.promptLog.Append(PromptLogEntry{Type: PromptEventPrompt, Body: prompt, Provider: result.Provider, SessionID: sessionHandle, WorkingDirectory: task.WorkingDirectory, AgentMode: task.AgentMode})
	c.promptLog.Append(PromptLogEntry{Type: PromptEventResponse, Body: result.RawOutput, Provider: result.Provider, SessionID: result.SessionID})
	return result, allBroken, nil
}

// validateWithFallback wires steps 12 and 13: run the Validator, and on
// an invalid verdict give the HelperAgentDriver a chance to confirm it
// anyway before accepting the failure.
func (c *ControlLoop) validateWithFallback(ctx context.Context, task *core.Task, state *core.SupervisorState, result *core.ProviderResult) (validationFailed bool, report *core.ValidationReport, err error) {
	report, err = c.validator.Validate(ctx, task, task.WorkingDirectory, state.Goal.ProjectID, result)
	if err != nil {
		return false, nil, err
	}
	if report.Valid {
		return false, report, nil
	}

	files, _ := EnumerateFiles(task.WorkingDirectory)
	helperReq := PromptRequest{Kind: PromptHelper, Task: task, HelperContext: &HelperPromptContext{
		OriginalResponse: result.RawOutput,
		FailedCriteria:   report.FailedCriteria,
		FileListing:      files,
	}}
	confirmed, _, helperErr := c.helper.Verify(ctx, helperReq, task.WorkingDirectory, FeatureID(task, state.Goal.ProjectID))
	if helperErr == nil && confirmed {
		report.Valid = true
		report.Reason = "confirmed by helper agent"
		c.promptLog.Append(PromptLogEntry{Type: PromptEventHelperAgentResponse, Body: "confirmed", Provider: result.Provider})
		return false, report, nil
	}

	return true, report, nil
}

func (c *ControlLoop) retryPromptRequest(haltReason HaltReason, task *core.Task, state *core.SupervisorState, report *core.ValidationReport, strictMode bool) PromptRequest {
	if haltReason == HaltAmbiguity || haltReason == HaltAskedQuestion {
		return PromptRequest{Kind: PromptClarification, Task: task, State: state}
	}
	return PromptRequest{Kind: PromptFix, Task: task, State: state, ValidationReport: report, StrictMode: strictMode}
}

func (c *ControlLoop) attemptState(state *core.SupervisorState, taskID string) *core.TaskAttemptState {
	if state.PerTask == nil {
		state.PerTask = map[string]*core.TaskAttemptState{}
	}
	attempt, ok := state.PerTask[taskID]
	if !ok {
		attempt = &core.TaskAttemptState{}
		state.PerTask[taskID] = attempt
	}
	return attempt
}

func alreadyInterrogated(attempt *core.TaskAttemptState, retryCount int) bool {
	for _, done := range attempt.InterrogationAttemptsDone {
		if done == retryCount {
			return true
		}
	}
	return false
}

// completeTask implements step 18.
func (c *ControlLoop) completeTask(ctx context.Context, state *core.SupervisorState, task *core.Task, report *core.ValidationReport, provider, prompt string, result *core.ProviderResult) (StepOutcome, error) {
	before, _ := json.Marshal(state)

	state.Supervisor.Iteration++
	state.Supervisor.LastTaskID = task.TaskID
	state.LastValidationReport = report
	state.CompletedTasks = append(state.CompletedTasks, core.CompletedTask{
		TaskID:           task.TaskID,
		CompletedAt:      c.now().UTC(),
		ValidationReport: report,
	})
	if len(state.CompletedTasks) > core.MaxCompletedTasksInMemory {
		state.CompletedTasks = state.CompletedTasks[len(state.CompletedTasks)-core.MaxCompletedTasksInMemory:]
	}
	state.CurrentTask = nil
	state.ResourceExhaustedRetry = nil
	delete(state.PerTask, task.TaskID)

	if err := c.state.Persist(ctx, state); err != nil {
		return StepHalted, err
	}
	after, _ := json.Marshal(state)
	c.audit.Append(AuditEntry{
		Event:             AuditTaskComplete,
		TaskID:            task.TaskID,
		StateBefore:       before,
		StateAfter:        after,
		ValidationSummary: report,
		ToolInvoked:       provider,
		PromptPreview:     previewText(prompt, auditPreviewLength),
		PromptLength:      len(prompt),
		ResponsePreview:   previewText(result.RawOutput, auditPreviewLength),
		ResponseLength:    len(result.RawOutput),
	})
	return StepContinue, nil
}

func (c *ControlLoop) blockTask(ctx context.Context, state *core.SupervisorState, task *core.Task, report *core.ValidationReport, reason, provider, prompt string, result *core.ProviderResult) (StepOutcome, error) {
	state.BlockedTasks = append(state.BlockedTasks, core.BlockedTask{
		TaskID:    task.TaskID,
		BlockedAt: c.now().UTC(),
		Reason:    reason,
	})
	state.CurrentTask = nil
	state.Supervisor.RetryTask = nil
	delete(state.PerTask, task.TaskID)

	if err := c.state.Persist(ctx, state); err != nil {
		return StepHalted, err
	}
	c.audit.Append(AuditEntry{
		Event:             AuditTaskBlocked,
		TaskID:            task.TaskID,
		HaltReason:        reason,
		ValidationSummary: report,
		ToolInvoked:       provider,
		PromptPreview:     previewText(prompt, auditPreviewLength),
		PromptLength:      len(prompt),
		ResponsePreview:   previewText(result.RawOutput, auditPreviewLength),
		ResponseLength:    len(result.RawOutput),
	})
	return StepContinue, nil
}

func (c *ControlLoop) handleQueueExhausted(ctx context.Context, state *core.SupervisorState) (StepOutcome, error) {
	state.Queue.Exhausted = true

	if state.Goal.Completed {
		return c.transitionCompleted(ctx, state)
	}
	if !c.cfg.GoalCompletionCheck || c.goalCompletion == nil {
		c.haltWith(ctx, state, "TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE", "")
		return StepHalted, nil
	}

	prompt, err := c.prompts.BuildPrompt(ctx, PromptRequest{Kind: PromptGoalCompletion, State: state})
	if err != nil {
		return StepHalted, err
	}
	c.promptLog.Append(PromptLogEntry{Type: PromptEventGoalCompletionCheck, Body: prompt})

	result, err := c.goalCompletion(ctx, prompt)
	if err != nil {
		return StepHalted, err
	}
	c.promptLog.Append(PromptLogEntry{Type: PromptEventGoalCompletionResponse, Body: result.RawOutput, Provider: result.Provider})

	var resp goalCompletionResponse
	if err := json.Unmarshal([]byte(result.RawOutput), &resp); err != nil {
		c.haltWith(ctx, state, "TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE", "goal-completion response was not valid JSON")
		return StepHalted, nil
	}
	if !resp.GoalCompleted {
		c.haltWith(ctx, state, "TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE", resp.Reasoning)
		return StepHalted, nil
	}

	state.Goal.Completed = true
	return c.transitionCompleted(ctx, state)
}

func (c *ControlLoop) transitionCompleted(ctx context.Context, state *core.SupervisorState) (StepOutcome, error) {
	state.Supervisor.Status = core.StatusCompleted
	if err := c.state.Persist(ctx, state); err != nil {
		return StepHalted, err
	}
	c.audit.Append(AuditEntry{Event: AuditCompleted})
	return StepCompleted, nil
}

func (c *ControlLoop) enterBackoff(ctx context.Context, state *core.SupervisorState) (StepOutcome, error) {
	attempt := 1
	if state.ResourceExhaustedRetry != nil {
		attempt = state.ResourceExhaustedRetry.Attempt + 1
	}
	delay, ok := c.backoff.NextDelay(attempt)
	if !ok {
		c.haltWith(ctx, state, string(HaltResourceExhausted), "backoff schedule exhausted")
		return StepHalted, nil
	}

	now := c.now()
	state.ResourceExhaustedRetry = &core.ResourceExhaustedRetry{
		Attempt:       attempt,
		LastAttemptAt: now,
		NextRetryAt:   now.Add(delay),
	}
	if err := c.state.Persist(ctx, state); err != nil {
		return StepHalted, err
	}
	c.audit.Append(AuditEntry{Event: AuditResourceExhaustedRetry, HaltReason: string(HaltResourceExhausted)})
	return StepBackoff, nil
}

func (c *ControlLoop) blockOnRecoveryConflict(ctx context.Context, state *core.SupervisorState, scenario RecoveryScenario) {
	state.Supervisor.Status = core.StatusHalted
	state.Supervisor.HaltReason = string(scenario)
	c.state.Persist(ctx, state)
	c.audit.Append(AuditEntry{Event: AuditHalt, HaltReason: string(scenario)})
}

func (c *ControlLoop) haltWith(ctx context.Context, state *core.SupervisorState, reason, details string) {
	state.Supervisor.Status = core.StatusHalted
	state.Supervisor.HaltReason = reason
	state.Supervisor.HaltDetails = details
	c.state.Persist(ctx, state)
	c.audit.Append(AuditEntry{Event: AuditHalt, HaltReason: reason})
}

func workingDirectoryFor(task *core.Task, projectID, sandboxRoot string) string {
	if task.WorkingDirectory != "" {
		return task.WorkingDirectory
	}
	id := projectID
	if id == "" {
		id = "default"
	}
	return filepath.Join(sandboxRoot, id)
}

func primaryProviderTag(task *core.Task, cfg *core.Config) string {
	if task.Tool != "" {
		return task.Tool
	}
	priority := cfg.ProviderPriority
	if len(priority) == 0 {
		priority = core.DefaultProviderPriority
	}
	return priority[0]
}

