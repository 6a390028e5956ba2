package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fernridge/conductor/core"
)

// DefaultPromptBuilder assembles the six fixed prompt kinds as
// a deterministic sequence of labeled sections. Adapted from the
// teacher's DefaultPromptBuilder: the "works with zero configuration,
// one builder per concern" shape is kept, but the body is rewritten
// around fixed labeled sections instead of type-rule-driven planning
// prompt text: paraphrasing or LLM-authored scaffolding has no place
// in a prompt that must be reproducible and auditable.
type DefaultPromptBuilder struct {
	logger core.Logger
}

// NewDefaultPromptBuilder builds the default PromptBuilder implementation.
func NewDefaultPromptBuilder(logger core.Logger) *DefaultPromptBuilder {
	return &DefaultPromptBuilder{logger: logger}
}

var rulesBlock = `Rules:
- Use only the information provided above.
- Do not speculate beyond the given instructions.
- Do not use absolute paths; all paths are relative to the working directory.
- Verify that any file you reference actually exists before claiming it does.
- You may ask at most one clarifying question.`

var guidelinesByTaskType = map[string]string{
	core.TaskTypeImplementation: "Guidelines: implement the described behavior completely; prefer small, focused changes; add tests for new logic.",
	core.TaskTypeConfiguration:  "Guidelines: change only the configuration surface described; preserve existing defaults not mentioned.",
	core.TaskTypeTesting:        "Guidelines: write or update tests to cover the described behavior; do not modify production code unless required to make tests meaningful.",
	core.TaskTypeDocumentation:  "Guidelines: update documentation only; do not modify source code.",
	core.TaskTypeRefactoring:    "Guidelines: preserve external behavior; do not change test expectations unless the task explicitly calls for it.",
	core.TaskTypeBehavioral:     "Guidelines: describe and implement the requested behavior change; favor explicit, declarative language.",
	core.TaskTypeCoding:         "Guidelines: implement the described behavior completely; prefer small, focused changes.",
}

// detectTaskType infers a task's type from its instructions/intent
// keywords when TaskType is unset, by simple keyword match over the
// fixed category vocabulary.
func detectTaskType(task *core.Task) string {
	if task.TaskType != "" {
		return task.TaskType
	}
	haystack := strings.ToLower(task.Instructions + " " + task.Intent)
	switch {
	case strings.Contains(haystack, "test"):
		return core.TaskTypeTesting
	case strings.Contains(haystack, "config"):
		return core.TaskTypeConfiguration
	case strings.Contains(haystack, "document") || strings.Contains(haystack, "readme"):
		return core.TaskTypeDocumentation
	case strings.Contains(haystack, "refactor"):
		return core.TaskTypeRefactoring
	case strings.Contains(haystack, "behavior") || strings.Contains(haystack, "behaviour"):
		return core.TaskTypeBehavioral
	default:
		return core.TaskTypeImplementation
	}
}

var outputRequirementsBlock = `Output Requirements: end your response with a single JSON trailer, either as the entire message body or as a fenced ` + "```json```" + ` block with nothing after the closing fence. The trailer must contain:
  "status": "completed" | "failed"
  "files_created": [list of created file paths]
  "files_updated": [list of updated file paths]
  "changes": [list of change descriptions]
  "neededChanges": true (nothing further needed) | [list of still-needed changes]
  "summary": "one paragraph summary"`

// BuildPrompt implements PromptBuilder, dispatching to one of the six
// fixed assembly routines by kind.
func (d *DefaultPromptBuilder) BuildPrompt(ctx context.Context, req PromptRequest) (string, error) {
	switch req.Kind {
	case PromptInitial:
		return d.buildInitial(req)
	case PromptFix:
		return d.buildFix(req)
	case PromptClarification:
		return d.buildClarification(req)
	case PromptGoalCompletion:
		return d.buildGoalCompletion(req)
	case PromptHelper:
		return d.buildHelper(req)
	case PromptInterrogation:
		return d.buildInterrogation(req)
	default:
		return "", fmt.Errorf("unknown prompt kind %q", req.Kind)
	}
}

func (d *DefaultPromptBuilder) buildInitial(req PromptRequest) (string, error) {
	if req.Task == nil {
		return "", fmt.Errorf("initial prompt requires a task")
	}
	task := req.Task
	var b strings.Builder

	fmt.Fprintf(&b, "Task ID: %s\n\n", task.TaskID)
	fmt.Fprintf(&b, "Task Description:\n%s\n\n", task.Instructions)
	if task.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n\n", task.Intent)
	}

	b.WriteString("Acceptance Criteria:\n")
	for _, c := range task.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")

	b.WriteString(rulesBlock)
	b.WriteString("\n\n")

	taskType := detectTaskType(task)
	if guideline, ok := guidelinesByTaskType[taskType]; ok {
		b.WriteString(guideline)
		b.WriteString("\n\n")
	}

	if snapshot := d.selectContext(req); snapshot != nil {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return "", err
		}
		b.WriteString("READ-ONLY CONTEXT:\n")
		b.Write(data)
		b.WriteString("\n\n")
	}

	b.WriteString(outputRequirementsBlock)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Working Directory: %s\n", req.WorkingDirectory)

	return b.String(), nil
}

func (d *DefaultPromptBuilder) buildFix(req PromptRequest) (string, error) {
	if req.Task == nil || req.ValidationReport == nil {
		return "", fmt.Errorf("fix prompt requires a task and a validation report")
	}
	var b strings.Builder

	fmt.Fprintf(&b, "Task ID: %s\n\n", req.Task.TaskID)

	if req.StrictMode {
		b.WriteString("STRICT MODE: the previous attempt repeated the same error. Do not repeat the same approach; use a materially different strategy to satisfy the remaining criteria.\n\n")
	}

	b.WriteString("Validation Results:\n")
	fmt.Fprintf(&b, "Reason: %s\n", req.ValidationReport.Reason)
	if len(req.ValidationReport.RulesFailed) > 0 {
		b.WriteString("Failed rules:\n")
		for _, r := range req.ValidationReport.RulesFailed {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(req.ValidationReport.FailedCriteria) > 0 {
		b.WriteString("Failed criteria:\n")
		for _, c := range req.ValidationReport.FailedCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nFix only the issues listed above. Do not make unrelated changes.\n\n")

	taskType := detectTaskType(req.Task)
	if guideline, ok := guidelinesByTaskType[taskType]; ok {
		b.WriteString(guideline)
		b.WriteString("\n\n")
	}

	if snapshot := d.selectContext(req); snapshot != nil {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return "", err
		}
		b.WriteString("READ-ONLY CONTEXT:\n")
		b.Write(data)
		b.WriteString("\n\n")
	}

	b.WriteString(outputRequirementsBlock)
	return b.String(), nil
}

var forbiddenClarificationWords = []string{"maybe", "could", "suggest", "recommend", "alternative", "option"}

func (d *DefaultPromptBuilder) buildClarification(req PromptRequest) (string, error) {
	if req.Task == nil {
		return "", fmt.Errorf("clarification prompt requires a task")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n\n", req.Task.TaskID)
	b.WriteString("The previous response was ambiguous or asked a question. Respond using declarative language only: state exactly what you will do.\n")
	fmt.Fprintf(&b, "Do not use any of the following words: %s.\n\n", strings.Join(forbiddenClarificationWords, ", "))
	fmt.Fprintf(&b, "Original instructions:\n%s\n\n", req.Task.Instructions)
	b.WriteString(outputRequirementsBlock)
	return b.String(), nil
}

func (d *DefaultPromptBuilder) buildGoalCompletion(req PromptRequest) (string, error) {
	if req.State == nil {
		return "", fmt.Errorf("goal-completion prompt requires state")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", req.State.Goal.Description)
	b.WriteString("All queued tasks have been processed. Considering the goal and the completed work, is the goal fully achieved?\n\n")
	b.WriteString(`Respond with a single JSON object: {"goal_completed": true|false, "reasoning": "..."}`)
	return b.String(), nil
}

func (d *DefaultPromptBuilder) buildHelper(req PromptRequest) (string, error) {
	if req.HelperContext == nil {
		return "", fmt.Errorf("helper prompt requires helper context")
	}
	hc := req.HelperContext
	var b strings.Builder

	b.WriteString("You are verifying a previous agent's claimed work, read-only.\n\n")
	b.WriteString("Original response (truncated):\n")
	b.WriteString(truncate(hc.OriginalResponse, 5000))
	b.WriteString("\n\n")

	b.WriteString("Failed criteria:\n")
	for _, c := range hc.FailedCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")

	b.WriteString("Files present in the working directory:\n")
	for _, f := range hc.FileListing {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n")

	b.WriteString("You may only request read-only shell verbs: ls, find, grep, cat, head, tail, wc, file, stat, test, [, readlink, pwd, basename, dirname.\n\n")
	b.WriteString(`Respond with JSON: {"isValid": bool, "verificationCommands": ["..."], "reasoning": "..."}`)
	return b.String(), nil
}

func (d *DefaultPromptBuilder) buildInterrogation(req PromptRequest) (string, error) {
	if req.Task == nil {
		return "", fmt.Errorf("interrogation prompt requires a task")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n\n", req.Task.TaskID)
	b.WriteString("For each criterion below, report its true current status. Do not assume; check the actual state of the working directory.\n\n")
	b.WriteString("Criteria:\n")
	for _, c := range req.UnresolvedCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")
	b.WriteString(`Respond with a single JSON object: {"results": {"<criterion text>": {"status": "COMPLETE"|"INCOMPLETE"|"NOT_STARTED", "file_paths": ["..."], "evidence_snippet": "..."}}}`)
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// selectContext applies the smart-context-selection rules:
// project info is always present; everything else is conditional on
// keyword hints in the task's instructions/intent/criteria.
func (d *DefaultPromptBuilder) selectContext(req PromptRequest) *ContextSnapshot {
	if req.State == nil {
		return nil
	}
	state := req.State
	task := req.Task

	snapshot := &ContextSnapshot{
		ProjectID:   state.Goal.ProjectID,
		SandboxRoot: "", // always left empty to avoid leaking absolute paths
	}

	if task == nil {
		return snapshot
	}
	haystack := strings.ToLower(task.Instructions + " " + task.Intent + " " + strings.Join(task.AcceptanceCriteria, " "))

	if strings.Contains(haystack, "goal") || strings.HasPrefix(task.TaskID, "goal-") {
		goal := state.Goal
		snapshot.Goal = &goal
	}

	if strings.Contains(haystack, "previous") || strings.Contains(haystack, "last task") ||
		strings.Contains(haystack, "earlier") || strings.Contains(haystack, "after") || strings.Contains(haystack, "before") {
		snapshot.LastTaskID = state.Queue.LastTaskID
	}

	isDocTask := detectTaskType(task) == core.TaskTypeDocumentation
	if !isDocTask && (strings.Contains(haystack, "extending") || strings.Contains(haystack, "building on")) {
		completed := state.CompletedTasks
		if len(completed) > 5 {
			completed = completed[len(completed)-5:]
		}
		snapshot.Completed = completed
	}

	if strings.Contains(haystack, "unblock") || strings.Contains(haystack, "blocked") {
		snapshot.BlockedTasks = state.BlockedTasks
	}

	return snapshot
}

var (
	absolutePathPattern = regexp.MustCompile(`^/`)
)

// FilterSandboxPaths drops absolute paths, `..`-containing paths, and
// `~`-prefixed paths before they are mentioned in a prompt, then keeps
// only the paths that exist under sandboxRoot. It never panics on a malformed path; it simply excludes it.
func FilterSandboxPaths(paths []string, sandboxRoot string) []string {
	var kept []string
	for _, p := range paths {
		if absolutePathPattern.MatchString(p) {
			continue
		}
		if strings.Contains(p, "..") {
			continue
		}
		if strings.HasPrefix(p, "~") {
			continue
		}
		full := filepath.Join(sandboxRoot, p)
		rel, err := filepath.Rel(sandboxRoot, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if _, err := os.Stat(full); err != nil {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}
