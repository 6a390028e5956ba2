package orchestration

import (
	"testing"

	"github.com/fernridge/conductor/core"
)

func TestRecoveryDetector_CLICrashOnNonZeroExitEmptyOutput(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{Supervisor: core.SupervisorInfo{Status: core.StatusRunning}}
	result := &core.ProviderResult{ExitCode: 1, RawOutput: ""}

	scenario := d.Detect(state, nil, result)
	if scenario != RecoveryCLICrash {
		t.Fatalf("expected CLI_CRASH, got %q", scenario)
	}
	if action := d.Action(scenario); action != RecoveryActionAutoReissue {
		t.Errorf("expected auto_reissue action, got %q", action)
	}
}

func TestRecoveryDetector_CLICrashOnMatchingLastTaskID(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{Supervisor: core.SupervisorInfo{Status: core.StatusRunning, LastTaskID: "t1"}}
	lastTask := &core.Task{TaskID: "t1"}
	result := &core.ProviderResult{ExitCode: 1, RawOutput: "partial output before crash"}

	if got := d.Detect(state, lastTask, result); got != RecoveryCLICrash {
		t.Fatalf("expected CLI_CRASH, got %q", got)
	}
}

func TestRecoveryDetector_NoCrashOnZeroExit(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{Supervisor: core.SupervisorInfo{Status: core.StatusRunning}}
	result := &core.ProviderResult{ExitCode: 0, RawOutput: ""}

	if got := d.Detect(state, nil, result); got != RecoveryNone {
		t.Fatalf("expected no scenario, got %q", got)
	}
}

func TestRecoveryDetector_PartialTaskFromMixedValidationReport(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor: core.SupervisorInfo{Status: core.StatusRunning},
		LastValidationReport: &core.ValidationReport{
			RulesPassed: []string{"required_artifacts"},
			RulesFailed: []string{"acceptance_criteria"},
		},
	}

	scenario := d.Detect(state, nil, nil)
	if scenario != RecoveryPartialTask {
		t.Fatalf("expected PARTIAL_TASK, got %q", scenario)
	}
	if action := d.Action(scenario); action != RecoveryActionRequireOperator {
		t.Errorf("expected require_operator action, got %q", action)
	}
}

func TestRecoveryDetector_PartialTaskFromOrphanedInProgressTask(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor:     core.SupervisorInfo{Status: core.StatusRunning},
		CompletedTasks: []core.CompletedTask{{TaskID: "other"}},
	}
	lastTask := &core.Task{TaskID: "t1", Status: core.TaskStatusInProgress}

	if got := d.Detect(state, lastTask, nil); got != RecoveryPartialTask {
		t.Fatalf("expected PARTIAL_TASK, got %q", got)
	}
}

func TestRecoveryDetector_NoPartialTaskWhenAlreadyCompleted(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor:     core.SupervisorInfo{Status: core.StatusRunning},
		CompletedTasks: []core.CompletedTask{{TaskID: "t1"}},
	}
	lastTask := &core.Task{TaskID: "t1", Status: core.TaskStatusInProgress}

	if got := d.Detect(state, lastTask, nil); got != RecoveryNone {
		t.Fatalf("expected no scenario, got %q", got)
	}
}

func TestRecoveryDetector_ConflictingStateRunningWithExhaustedQueue(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor: core.SupervisorInfo{Status: core.StatusRunning},
		Queue:      core.QueueInfo{Exhausted: true},
		Goal:       core.Goal{Completed: false},
	}

	scenario := d.Detect(state, nil, nil)
	if scenario != RecoveryConflictingState {
		t.Fatalf("expected CONFLICTING_STATE, got %q", scenario)
	}
	if action := d.Action(scenario); action != RecoveryActionRequireOperator {
		t.Errorf("expected require_operator action, got %q", action)
	}
}

func TestRecoveryDetector_ConflictingStateHaltReasonWithoutHaltedStatus(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor: core.SupervisorInfo{Status: core.StatusRunning, HaltReason: "BLOCKED"},
	}

	if got := d.Detect(state, nil, nil); got != RecoveryConflictingState {
		t.Fatalf("expected CONFLICTING_STATE, got %q", got)
	}
}

func TestRecoveryDetector_ConsistentRunningStateDetectsNothing(t *testing.T) {
	d := NewRecoveryDetector()
	state := &core.SupervisorState{
		Supervisor:  core.SupervisorInfo{Status: core.StatusRunning},
		CurrentTask: &core.Task{TaskID: "t1", Status: core.TaskStatusInProgress},
	}

	if got := d.Detect(state, nil, nil); got != RecoveryNone {
		t.Fatalf("expected no scenario for a consistent in-flight state, got %q", got)
	}
}
