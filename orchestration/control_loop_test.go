package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/resilience"
)

// controlLoopHarness wires a full ControlLoop over miniredis, matching
// the teacher's setupDispatcherTestRedis/setupCheckpointTestRedis
// pattern: isolated in-process Redis per test, no network, no mocks of
// the storage layer itself.
type controlLoopHarness struct {
	loop   *ControlLoop
	state  *StateStore
	queue  *TaskQueue
	sandbox string
}

func newControlLoopHarness(t *testing.T, invoke ProviderInvoker, goalCompletion GoalCompletionInvoker) *controlLoopHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	stateClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(), DB: 0, Namespace: "test:state", Logger: &core.NoOpLogger{},
	})
	if err != nil {
		t.Fatalf("build state redis client: %v", err)
	}
	queueClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(), DB: 1, Namespace: "test:queue", Logger: &core.NoOpLogger{},
	})
	if err != nil {
		t.Fatalf("build queue redis client: %v", err)
	}
	breakerClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(), DB: 2, Namespace: "test:breaker", Logger: &core.NoOpLogger{},
	})
	if err != nil {
		t.Fatalf("build breaker redis client: %v", err)
	}

	state := NewStateStore(stateClient, "supervisor:state", &core.NoOpLogger{})
	queue := NewTaskQueue(queueClient, "tasks", &core.NoOpLogger{})
	breaker := resilience.NewCircuitBreaker(breakerClient, time.Hour, &core.NoOpLogger{})

	dispatcher := NewProviderDispatcher(
		breaker,
		[]string{"claude"},
		map[string]string{"claude": "/usr/bin/claude-cli"},
		time.Minute,
		&core.NoOpLogger{},
	).WithInvoker(invoke)

	sandbox := t.TempDir()
	audit, err := NewAuditLogger(sandbox, "proj")
	if err != nil {
		t.Fatalf("build audit logger: %v", err)
	}
	promptLog, err := NewPromptLogger(sandbox, "proj")
	if err != nil {
		t.Fatalf("build prompt logger: %v", err)
	}

	builder := &DefaultPromptBuilder{}
	sessions := NewSessionManager(core.DefaultSessionContextCaps, core.DefaultSessionErrorCap, false, nil)
	validator := NewValidator(nil, nil)
	helper := NewHelperAgentDriver(dispatcher, builder)
	interrogator := NewInterrogator(builder, func(ctx context.Context, prompt string) (string, error) {
		return `{"results":{}}`, nil
	}, 1)
	recovery := NewRecoveryDetector()
	backoff := resilience.NewResourceExhaustedBackoff(nil)
	cfg := &core.Config{SandboxRoot: sandbox, ProviderPriority: []string{"claude"}, GoalCompletionCheck: goalCompletion != nil}

	loop := NewControlLoop(
		state, queue, sessions, dispatcher, NewHaltDetector(), validator, helper, interrogator, recovery,
		builder, audit, promptLog, backoff, cfg, &core.NoOpLogger{}, goalCompletion,
	)
	loop.sleep = func(time.Duration) {}

	return &controlLoopHarness{loop: loop, state: state, queue: queue, sandbox: sandbox}
}

func baseState() *core.SupervisorState {
	return &core.SupervisorState{
		Supervisor: core.SupervisorInfo{Status: core.StatusRunning},
		Goal:       core.Goal{Description: "ship the feature", ProjectID: "proj"},
		PerTask:    map[string]*core.TaskAttemptState{},
	}
}

func completedTrailer(summary string) string {
	return fmt.Sprintf(`{"status":"completed","summary":%q,"neededChanges":true}`, summary)
}

func TestControlLoop_HappyPathCompletesTask(t *testing.T) {
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		return &core.ProviderResult{RawOutput: completedTrailer("implemented the greeter"), ExitCode: 0, SessionID: "sess-1"}, nil
	}
	h := newControlLoopHarness(t, invoke, nil)

	ctx := context.Background()
	if err := h.state.Init(ctx, baseState()); err != nil {
		t.Fatalf("init state: %v", err)
	}
	task := &core.Task{TaskID: "t1", Instructions: "add greeter", AcceptanceCriteria: []string{"implemented the greeter"}}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepContinue {
		t.Fatalf("expected StepContinue after a completed task, got %v", outcome)
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(final.CompletedTasks) != 1 || final.CompletedTasks[0].TaskID != "t1" {
		t.Fatalf("expected t1 recorded completed, got %+v", final.CompletedTasks)
	}
	if final.CurrentTask != nil {
		t.Fatalf("expected current_task cleared, got %+v", final.CurrentTask)
	}
}

func TestControlLoop_CriticalHaltSkipsValidatorAndHelper(t *testing.T) {
	helperCalled := false
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		if req.AgentMode == "helper" {
			helperCalled = true
		}
		// Malformed trailer: ParseOutput fails, which HaltDetector
		// classifies as OUTPUT_FORMAT_INVALID, a critical reason.
		return &core.ProviderResult{RawOutput: "not json at all", ExitCode: 0}, nil
	}
	h := newControlLoopHarness(t, invoke, nil)

	ctx := context.Background()
	if err := h.state.Init(ctx, baseState()); err != nil {
		t.Fatalf("init state: %v", err)
	}
	task := &core.Task{TaskID: "t1", Instructions: "add greeter", AcceptanceCriteria: []string{"x"}}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepHalted {
		t.Fatalf("expected StepHalted, got %v", outcome)
	}
	if helperCalled {
		t.Fatal("helper fallback must never run once a critical halt reason is detected")
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Supervisor.Status != core.StatusHalted {
		t.Fatalf("expected HALTED status, got %q", final.Supervisor.Status)
	}
	if final.Supervisor.HaltReason != string(HaltOutputFormatInvalid) {
		t.Fatalf("expected OUTPUT_FORMAT_INVALID, got %q", final.Supervisor.HaltReason)
	}
}

func TestControlLoop_RetriesThenSucceeds(t *testing.T) {
	attempt := 0
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		if req.AgentMode == "helper" {
			// Force the helper fallback to decline so the test exercises
			// the ordinary retry path, not the helper-confirms-it path.
			return &core.ProviderResult{RawOutput: `{"isValid":false,"verificationCommands":[]}`, ExitCode: 0}, nil
		}
		attempt++
		if attempt == 1 {
			return &core.ProviderResult{RawOutput: completedTrailer("something unrelated"), ExitCode: 0}, nil
		}
		return &core.ProviderResult{RawOutput: completedTrailer("implemented the greeter"), ExitCode: 0}, nil
	}
	h := newControlLoopHarness(t, invoke, nil)

	ctx := context.Background()
	if err := h.state.Init(ctx, baseState()); err != nil {
		t.Fatalf("init state: %v", err)
	}
	task := &core.Task{TaskID: "t1", Instructions: "add greeter", AcceptanceCriteria: []string{"implemented the greeter"}}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepContinue {
		t.Fatalf("expected StepContinue, got %v", outcome)
	}
	if attempt != 2 {
		t.Fatalf("expected the in-step retry to dispatch a second time, got %d dispatches", attempt)
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(final.CompletedTasks) != 1 {
		t.Fatalf("expected the retried attempt to complete the task, got %+v", final.CompletedTasks)
	}
}

func TestControlLoop_RepeatedIdenticalErrorBlocksTask(t *testing.T) {
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		return &core.ProviderResult{RawOutput: completedTrailer("irrelevant work"), ExitCode: 0}, nil
	}
	h := newControlLoopHarness(t, invoke, nil)

	ctx := context.Background()
	state := baseState()
	task := &core.Task{TaskID: "t1", Instructions: "add greeter", AcceptanceCriteria: []string{"implemented the greeter"}}
	state.PerTask["t1"] = &core.TaskAttemptState{
		RetryCount:         0,
		LastError:          "acceptance criteria not satisfied",
		RepeatedErrorCount: core.RepeatedErrorBlockCount - 1,
	}
	state.CurrentTask = task
	if err := h.state.Init(ctx, state); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepContinue {
		t.Fatalf("expected StepContinue (block path persists and continues), got %v", outcome)
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(final.BlockedTasks) != 1 || final.BlockedTasks[0].TaskID != "t1" {
		t.Fatalf("expected t1 blocked after repeated identical error, got %+v", final.BlockedTasks)
	}
}

// enterBackoff is exercised directly (same package) rather than through
// Step's full dispatch path: a provider result that both the
// ProviderDispatcher and the HaltDetector classify as resource-exhausted
// trips the breaker and falls through to PROVIDER_CIRCUIT_BROKEN before
// HaltDetector's own resource-exhaustion rule ever runs, so enterBackoff
// itself is the right unit to test in isolation.
func TestControlLoop_EnterBackoffRecordsRetrySchedule(t *testing.T) {
	h := newControlLoopHarness(t, nil, nil)
	ctx := context.Background()
	state := baseState()
	if err := h.state.Init(ctx, state); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.enterBackoff(ctx, state)
	if err != nil {
		t.Fatalf("enterBackoff: %v", err)
	}
	if outcome != StepBackoff {
		t.Fatalf("expected StepBackoff, got %v", outcome)
	}
	if state.ResourceExhaustedRetry == nil || state.ResourceExhaustedRetry.Attempt != 1 {
		t.Fatalf("expected resource_exhausted_retry recorded at attempt 1, got %+v", state.ResourceExhaustedRetry)
	}
}

func TestControlLoop_BackoffScheduleExhaustionHardHalts(t *testing.T) {
	h := newControlLoopHarness(t, nil, nil)
	ctx := context.Background()
	state := baseState()
	state.ResourceExhaustedRetry = &core.ResourceExhaustedRetry{Attempt: len(core.ResourceExhaustedBackoff)}
	if err := h.state.Init(ctx, state); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.enterBackoff(ctx, state)
	if err != nil {
		t.Fatalf("enterBackoff: %v", err)
	}
	if outcome != StepHalted {
		t.Fatalf("expected StepHalted once the backoff schedule is exhausted, got %v", outcome)
	}
	if state.Supervisor.Status != core.StatusHalted {
		t.Fatalf("expected HALTED, got %q", state.Supervisor.Status)
	}
}

func TestControlLoop_GoalCompletionFalseHalts(t *testing.T) {
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		t.Fatal("no task should be dispatched once the queue is exhausted")
		return nil, nil
	}
	goalCompletion := func(ctx context.Context, prompt string) (*core.ProviderResult, error) {
		return &core.ProviderResult{RawOutput: `{"goal_completed":false,"reasoning":"still missing tests"}`, Provider: "claude"}, nil
	}
	h := newControlLoopHarness(t, invoke, goalCompletion)

	ctx := context.Background()
	state := baseState()
	state.Queue.Exhausted = false
	if err := h.state.Init(ctx, state); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepHalted {
		t.Fatalf("expected StepHalted on an incomplete goal, got %v", outcome)
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Supervisor.HaltReason != "TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE" {
		t.Fatalf("expected TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE, got %q", final.Supervisor.HaltReason)
	}
}

func TestControlLoop_GoalCompletionTrueTransitionsCompleted(t *testing.T) {
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		t.Fatal("no task should be dispatched once the queue is exhausted")
		return nil, nil
	}
	goalCompletion := func(ctx context.Context, prompt string) (*core.ProviderResult, error) {
		return &core.ProviderResult{RawOutput: `{"goal_completed":true,"reasoning":"all criteria met"}`, Provider: "claude"}, nil
	}
	h := newControlLoopHarness(t, invoke, goalCompletion)

	ctx := context.Background()
	if err := h.state.Init(ctx, baseState()); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepCompleted {
		t.Fatalf("expected StepCompleted, got %v", outcome)
	}

	final, err := h.state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Supervisor.Status != core.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", final.Supervisor.Status)
	}
}

func TestControlLoop_NonRunningStatusIdles(t *testing.T) {
	invoke := func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
		t.Fatal("no dispatch should happen while halted")
		return nil, nil
	}
	h := newControlLoopHarness(t, invoke, nil)

	ctx := context.Background()
	state := baseState()
	state.Supervisor.Status = core.StatusHalted
	if err := h.state.Init(ctx, state); err != nil {
		t.Fatalf("init state: %v", err)
	}

	outcome, err := h.loop.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome != StepIdle {
		t.Fatalf("expected StepIdle, got %v", outcome)
	}
}
