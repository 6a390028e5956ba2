package orchestration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// CriterionStatus is a provider's self-reported verdict for one
// criterion in an interrogation round.
type CriterionStatus string

const (
	CriterionComplete    CriterionStatus = "COMPLETE"
	CriterionIncomplete  CriterionStatus = "INCOMPLETE"
	CriterionNotStarted  CriterionStatus = "NOT_STARTED"
)

// CriterionResult is one entry of an interrogation response's results map.
type CriterionResult struct {
	Status          CriterionStatus `json:"status"`
	FilePaths       []string        `json:"file_paths"`
	EvidenceSnippet string          `json:"evidence_snippet,omitempty"`
}

type interrogationResponse struct {
	Results map[string]CriterionResult `json:"results"`
}

// InterrogationOutcome is the result of running Interrogator.Run to
// completion (either all criteria resolve, or rounds are exhausted).
type InterrogationOutcome struct {
	Satisfied            []string
	Failed               []string
	Unresolved           []string
	AllCriteriaSatisfied bool
}

// InterrogationInvoker sends one assembled interrogation prompt to a
// provider and returns its raw response text. Kept separate from
// ProviderDispatcher so Interrogator stays independent of provider
// breaker/priority concerns; callers wire it to a dispatcher themselves.
type InterrogationInvoker func(ctx context.Context, prompt string) (string, error)

// Interrogator runs the batched Q&A protocol over a task's unresolved
// acceptance criteria, verifying every self-reported COMPLETE
// deterministically against the sandboxed filesystem rather than
// trusting the provider's word. Grounded on the teacher's HITL
// checkpoint round-and-policy pattern, generalized from "did the
// operator answer the pending question" to "does every file the
// provider claims exists actually exist."
type Interrogator struct {
	invoke       InterrogationInvoker
	buildPrompt  PromptBuilder
	maxRounds    int
}

// NewInterrogator builds an Interrogator bound to a prompt builder and
// invocation function, capped at maxRounds rounds (0 disables
// interrogation entirely, matching the spec's final-attempt default).
func NewInterrogator(buildPrompt PromptBuilder, invoke InterrogationInvoker, maxRounds int) *Interrogator {
	return &Interrogator{invoke: invoke, buildPrompt: buildPrompt, maxRounds: maxRounds}
}

// Run executes up to i.maxRounds rounds over the given unresolved
// criteria, built against task and verified under workingDirectory.
func (i *Interrogator) Run(ctx context.Context, req PromptRequest, workingDirectory string, unresolved []string) (*InterrogationOutcome, error) {
	outcome := &InterrogationOutcome{Unresolved: append([]string{}, unresolved...)}

	for round := 0; round < i.maxRounds && len(outcome.Unresolved) > 0; round++ {
		roundReq := req
		roundReq.Kind = PromptInterrogation
		roundReq.UnresolvedCriteria = outcome.Unresolved

		prompt, err := i.buildPrompt.BuildPrompt(ctx, roundReq)
		if err != nil {
			return nil, err
		}
		raw, err := i.invoke(ctx, prompt)
		if err != nil {
			return nil, err
		}

		resp, parseErr := parseInterrogationResponse(raw)
		if parseErr != "" {
			// A malformed round response leaves every criterion unresolved;
			// the next round (if any) asks again rather than failing the task.
			continue
		}

		i.applyRound(outcome, resp, workingDirectory)
	}

	outcome.AllCriteriaSatisfied = len(outcome.Unresolved) == 0 && len(outcome.Failed) == 0
	return outcome, nil
}

func (i *Interrogator) applyRound(outcome *InterrogationOutcome, resp *interrogationResponse, workingDirectory string) {
	var stillUnresolved []string

	for _, criterion := range outcome.Unresolved {
		result, answered := resp.Results[criterion]
		if !answered {
			stillUnresolved = append(stillUnresolved, criterion)
			continue
		}

		switch result.Status {
		case CriterionIncomplete, CriterionNotStarted:
			outcome.Failed = append(outcome.Failed, criterion)
		case CriterionComplete:
			if allFilesExist(result.FilePaths, workingDirectory) {
				outcome.Satisfied = append(outcome.Satisfied, criterion)
			} else {
				// Declared COMPLETE but the evidence doesn't check out:
				// downgraded to uncertain, retained for the next round.
				stillUnresolved = append(stillUnresolved, criterion)
			}
		default:
			stillUnresolved = append(stillUnresolved, criterion)
		}
	}

	outcome.Unresolved = stillUnresolved
}

func allFilesExist(paths []string, workingDirectory string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !pathWithinSandbox(p, workingDirectory) {
			return false
		}
		if _, err := os.Stat(filepath.Join(workingDirectory, p)); err != nil {
			return false
		}
	}
	return true
}

func parseInterrogationResponse(raw string) (*interrogationResponse, OutputParserError) {
	jsonText, parseErr := extractJSONTrailerText(raw, []string{"results"})
	if parseErr != "" {
		return nil, parseErr
	}
	var resp interrogationResponse
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil, ErrMalformedOutput
	}
	return &resp, ""
}
