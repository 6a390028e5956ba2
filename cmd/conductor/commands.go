package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/supervisorerr"
)

// InitStateCmd writes the initial state blob. It fails if the key
// already exists — StateStore.Init enforces this, not this command.
type InitStateCmd struct {
	ExecutionMode string `name:"execution-mode" help:"AUTO or MANUAL." enum:"AUTO,MANUAL" default:"AUTO"`
}

func (c *InitStateCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	state := &core.SupervisorState{
		Supervisor:    core.SupervisorInfo{Status: core.StatusRunning},
		ExecutionMode: c.ExecutionMode,
		PerTask:       map[string]*core.TaskAttemptState{},
	}
	ctx := context.Background()
	if err := sup.state.Init(ctx, state); err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	fmt.Printf("initialized state %q (execution mode %s)\n", cli.StateKey, c.ExecutionMode)
	return nil
}

// SetGoalCmd updates the goal sub-object of the persisted state.
type SetGoalCmd struct {
	Description string `help:"Goal description." required:""`
	ProjectID   string `name:"project-id" help:"Project identifier; also names the sandbox subdirectory."`
}

func (c *SetGoalCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx := context.Background()
	state, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	state.Goal = core.Goal{Description: c.Description, ProjectID: c.ProjectID}
	if err := sup.state.Persist(ctx, state); err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	fmt.Printf("goal set: %q (project %q)\n", c.Description, c.ProjectID)
	return nil
}

// EnqueueCmd reads a task file (single task object or array of tasks)
// and pushes each onto the queue in file order.
type EnqueueCmd struct {
	TaskFile string `name:"task-file" help:"Path to a JSON task object or array of task objects." required:"" type:"path"`
}

func (c *EnqueueCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	tasks, err := readTaskFile(c.TaskFile)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}

	ctx := context.Background()
	for i, task := range tasks {
		if task.TaskID == "" || task.Instructions == "" || len(task.AcceptanceCriteria) == 0 {
			return exitErr(ExitUsageError, fmt.Errorf("task %d: task_id, instructions, and acceptance_criteria are all required", i))
		}
		if task.Status == "" {
			task.Status = core.TaskStatusPending
		}
		if err := sup.queue.Enqueue(ctx, task); err != nil {
			return exitErr(ExitHalted, fmt.Errorf("enqueue %s: %w", task.TaskID, err))
		}
	}
	fmt.Printf("enqueued %d task(s)\n", len(tasks))
	return nil
}

func readTaskFile(path string) ([]*core.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var single core.Task
	if err := json.Unmarshal(data, &single); err == nil && single.TaskID != "" {
		return []*core.Task{&single}, nil
	}

	var many []*core.Task
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("task file is neither a single task object nor an array of tasks: %w", err)
	}
	return many, nil
}

// HaltCmd sets the supervisor to HALTED with an operator-supplied
// reason, independent of any control-loop-detected halt condition.
type HaltCmd struct {
	Reason string `help:"Halt reason recorded in state and the audit log." default:"operator halt"`
}

func (c *HaltCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx := context.Background()
	state, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	state.Supervisor.Status = core.StatusHalted
	state.Supervisor.HaltReason = c.Reason
	state.Supervisor.HaltDetails = "operator-initiated halt"
	if err := sup.state.Persist(ctx, state); err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	fmt.Printf("halted: %s\n", c.Reason)
	return nil
}

// ResumeCmd clears a halt and re-enables dispatch, including tasks
// blocked on queue exhaustion: resetting queue.exhausted lets Step
// re-check for newly enqueued work instead of re-halting immediately.
type ResumeCmd struct{}

func (c *ResumeCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx := context.Background()
	state, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	state.Supervisor.Status = core.StatusRunning
	state.Supervisor.HaltReason = ""
	state.Supervisor.HaltDetails = ""
	state.Queue.Exhausted = false
	if err := sup.state.Persist(ctx, state); err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	fmt.Println("resumed")
	return nil
}

// StartCmd runs the control loop to completion, halt, or ctrl-C.
type StartCmd struct{}

func (c *StartCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	initial, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}

	loop, err := buildControlLoop(sup, initial.Goal.ProjectID)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}

	if err := loop.Run(ctx); err != nil {
		return exitErr(exitCodeForErr(err), err)
	}

	final, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	if final.Supervisor.Status == core.StatusHalted {
		fmt.Printf("halted: %s (%s)\n", final.Supervisor.HaltReason, final.Supervisor.HaltDetails)
		return exitErr(ExitHalted, fmt.Errorf("supervisor halted"))
	}
	fmt.Println("completed")
	return nil
}

// StatusCmd prints a human-readable summary and exits non-zero if the
// state key is missing.
type StatusCmd struct{}

func (c *StatusCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx := context.Background()
	state, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}

	queueLen, _ := sup.queue.Length(ctx)
	fmt.Printf("status:           %s\n", state.Supervisor.Status)
	if state.Supervisor.HaltReason != "" {
		fmt.Printf("halt reason:      %s\n", state.Supervisor.HaltReason)
		fmt.Printf("halt details:     %s\n", state.Supervisor.HaltDetails)
	}
	fmt.Printf("goal:             %s\n", state.Goal.Description)
	fmt.Printf("goal completed:   %v\n", state.Goal.Completed)
	fmt.Printf("iteration:        %d\n", state.Supervisor.Iteration)
	fmt.Printf("queue length:     %d\n", queueLen)
	fmt.Printf("queue exhausted:  %v\n", state.Queue.Exhausted)
	fmt.Printf("completed tasks:  %d\n", len(state.CompletedTasks))
	fmt.Printf("blocked tasks:    %d\n", len(state.BlockedTasks))
	if state.CurrentTask != nil {
		fmt.Printf("current task:    %s\n", state.CurrentTask.TaskID)
	}
	if state.ResourceExhaustedRetry != nil {
		fmt.Printf("backoff attempt:  %d (next retry %s)\n",
			state.ResourceExhaustedRetry.Attempt, state.ResourceExhaustedRetry.NextRetryAt.Format(time.RFC3339))
	}
	fmt.Printf("last updated:     %s\n", state.LastUpdated.Format(time.RFC3339))
	return nil
}

// MetricsCmd prints queue depth, per-provider breaker state, and
// per-task retry counters as JSON, for scraping by an operator script.
type MetricsCmd struct{}

type metricsReport struct {
	QueueLength    int64                                  `json:"queue_length"`
	QueueExhausted bool                                   `json:"queue_exhausted"`
	CompletedCount int                                    `json:"completed_count"`
	BlockedCount   int                                    `json:"blocked_count"`
	Breakers       map[string]*core.CircuitBreakerStatus `json:"breakers"`
	PerTask        map[string]*core.TaskAttemptState     `json:"per_task"`
}

func (c *MetricsCmd) Run(cli *CLI) error {
	sup, err := buildSupervisor(cli)
	if err != nil {
		return exitErr(ExitUsageError, err)
	}
	defer sup.Close()

	ctx := context.Background()
	state, err := sup.state.Load(ctx)
	if err != nil {
		return exitErr(exitCodeForErr(err), err)
	}
	queueLen, _ := sup.queue.Length(ctx)

	breakers := map[string]*core.CircuitBreakerStatus{}
	for _, provider := range sup.cfg.ProviderPriority {
		status, err := sup.breaker.Status(ctx, provider)
		if err == nil && status != nil {
			breakers[provider] = status
		}
	}

	report := metricsReport{
		QueueLength:    queueLen,
		QueueExhausted: state.Queue.Exhausted,
		CompletedCount: len(state.CompletedTasks),
		BlockedCount:   len(state.BlockedTasks),
		Breakers:       breakers,
		PerTask:        state.PerTask,
	}
	out, err := prettyJSON(report)
	if err != nil {
		return exitErr(ExitHalted, err)
	}
	fmt.Println(out)
	return nil
}

// exitCodeForErr maps a supervisor error kind to one of the reserved
// exit codes distinguishing state-missing from persist-failure; any
// other kind falls back to the generic halt code.
func exitCodeForErr(err error) int {
	kind, ok := supervisorerr.KindOf(err)
	if !ok {
		return ExitHalted
	}
	switch kind {
	case supervisorerr.StateNotFound:
		return ExitStateNotFound
	case supervisorerr.StatePersistFailed:
		return ExitPersistFailed
	default:
		return ExitHalted
	}
}
