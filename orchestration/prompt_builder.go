package orchestration

import (
	"context"

	"github.com/fernridge/conductor/core"
)

// PromptKind selects which of the six fixed prompt shapes to assemble.
// Unlike the teacher's PromptBuilder, which produces one
// free-form planning prompt per request, each kind here assembles a
// deterministic, verbatim sequence of labeled sections — no
// paraphrasing, no LLM-authored scaffolding.
type PromptKind string

const (
	PromptInitial        PromptKind = "initial"
	PromptFix            PromptKind = "fix"
	PromptClarification  PromptKind = "clarification"
	PromptGoalCompletion PromptKind = "goal_completion"
	PromptHelper         PromptKind = "helper"
	PromptInterrogation  PromptKind = "interrogation"
)

// ContextSnapshot is the minimal read-only state slice a prompt may
// embed, selected by the smart-context rules below.
type ContextSnapshot struct {
	ProjectID    string               `json:"project_id"`
	SandboxRoot  string               `json:"sandbox_root"`
	Goal         *core.Goal           `json:"goal,omitempty"`
	LastTaskID   string               `json:"last_task_id,omitempty"`
	Completed    []core.CompletedTask `json:"completed_tasks,omitempty"`
	BlockedTasks []core.BlockedTask   `json:"blocked_tasks,omitempty"`
}

// PromptRequest carries everything needed to assemble any of the six
// prompt kinds. Not every field applies to every kind; BuildPrompt
// ignores fields irrelevant to the requested kind.
type PromptRequest struct {
	Kind PromptKind

	Task             *core.Task
	State            *core.SupervisorState
	WorkingDirectory string

	// ValidationReport feeds the Fix prompt's "Validation Results" section.
	ValidationReport *core.ValidationReport
	StrictMode       bool

	// HelperContext feeds the Helper prompt.
	HelperContext *HelperPromptContext

	// UnresolvedCriteria feeds the Interrogation prompt: the criteria
	// still pending a COMPLETE/INCOMPLETE/NOT_STARTED verdict.
	UnresolvedCriteria []string
}

// HelperPromptContext carries the inputs the HelperAgentDriver needs for
// its verification prompt.
type HelperPromptContext struct {
	OriginalResponse string
	FailedCriteria   []string
	FileListing      []string
}

// PromptBuilder assembles one of the six fixed prompt kinds from a
// PromptRequest, performing smart context selection along the way.
// Sandbox path filtering is the separate FilterSandboxPaths function;
// BuildPrompt does not call it.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, req PromptRequest) (string, error)
}
