package orchestration

import "github.com/fernridge/conductor/core"

// RecoveryScenario is one of the fixed post-crash classifications
// RecoveryDetector assigns to the state loaded at loop start.
type RecoveryScenario string

const (
	RecoveryNone              RecoveryScenario = ""
	RecoveryCLICrash          RecoveryScenario = "CLI_CRASH"
	RecoveryPartialTask       RecoveryScenario = "PARTIAL_TASK"
	RecoveryConflictingState  RecoveryScenario = "CONFLICTING_STATE"
)

// RecoveryAction is how the control loop should react to a scenario.
type RecoveryAction string

const (
	RecoveryActionNone         RecoveryAction = "none"
	RecoveryActionAutoReissue  RecoveryAction = "auto_reissue"
	RecoveryActionRequireOperator RecoveryAction = "require_operator"
)

// handlerMapping fixes the scenario-to-action table: a crashed CLI is
// safe to auto-reissue since no partial write was ever acknowledged,
// while a partial task or self-contradictory state needs a human look.
var handlerMapping = map[RecoveryScenario]RecoveryAction{
	RecoveryCLICrash:         RecoveryActionAutoReissue,
	RecoveryPartialTask:      RecoveryActionRequireOperator,
	RecoveryConflictingState: RecoveryActionRequireOperator,
}

// RecoveryDetector inspects the state loaded at loop start, plus the
// optional last task and last provider result, for the three crash
// scenarios the supervisor can recover into after an abrupt restart.
type RecoveryDetector struct{}

// NewRecoveryDetector builds a stateless RecoveryDetector.
func NewRecoveryDetector() *RecoveryDetector {
	return &RecoveryDetector{}
}

// Detect runs once at loop start and returns the first matching
// scenario in fixed precedence order (CLI_CRASH, PARTIAL_TASK,
// CONFLICTING_STATE), or RecoveryNone if the state is consistent.
func (d *RecoveryDetector) Detect(state *core.SupervisorState, lastTask *core.Task, lastResult *core.ProviderResult) RecoveryScenario {
	if state == nil {
		return RecoveryNone
	}

	if isCLICrash(state, lastTask, lastResult) {
		return RecoveryCLICrash
	}
	if isPartialTask(state, lastTask) {
		return RecoveryPartialTask
	}
	if isConflictingState(state) {
		return RecoveryConflictingState
	}
	return RecoveryNone
}

// Action returns the fixed handler action for a scenario.
func (d *RecoveryDetector) Action(scenario RecoveryScenario) RecoveryAction {
	if action, ok := handlerMapping[scenario]; ok {
		return action
	}
	return RecoveryActionNone
}

func isCLICrash(state *core.SupervisorState, lastTask *core.Task, lastResult *core.ProviderResult) bool {
	if lastResult == nil {
		return false
	}
	if lastResult.ExitCode == 0 {
		return false
	}
	if lastResult.RawOutput == "" {
		return true
	}
	return lastTask != nil && lastTask.TaskID == state.Supervisor.LastTaskID
}

func isPartialTask(state *core.SupervisorState, lastTask *core.Task) bool {
	report := state.LastValidationReport
	if report != nil && len(report.RulesPassed) > 0 && len(report.RulesFailed) > 0 {
		return true
	}
	if lastTask == nil || lastTask.Status != core.TaskStatusInProgress {
		return false
	}
	for _, completed := range state.CompletedTasks {
		if completed.TaskID == lastTask.TaskID {
			return false
		}
	}
	return true
}

func isConflictingState(state *core.SupervisorState) bool {
	s := state.Supervisor
	if s.Status == core.StatusRunning && state.CurrentTask == nil && state.Queue.Exhausted && !state.Goal.Completed {
		return true
	}
	if s.HaltReason != "" && s.Status != core.StatusHalted {
		return true
	}
	return false
}
