package orchestration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernridge/conductor/core"
)

func TestInterrogator_SatisfiesCompleteCriterionWithExistingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.ts"), []byte("export function greet() {}"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	responses := []string{
		`{"results":{"implements greet function":{"status":"COMPLETE","file_paths":["greeting.ts"]}}}`,
	}
	call := 0
	invoke := func(ctx context.Context, prompt string) (string, error) {
		r := responses[call]
		call++
		return r, nil
	}

	interrogator := NewInterrogator(&DefaultPromptBuilder{}, invoke, 1)
	outcome, err := interrogator.Run(context.Background(), PromptRequest{Task: &core.Task{TaskID: "t1"}}, dir, []string{"implements greet function"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.AllCriteriaSatisfied {
		t.Fatalf("expected all criteria satisfied, got %+v", outcome)
	}
	if len(outcome.Satisfied) != 1 || outcome.Satisfied[0] != "implements greet function" {
		t.Errorf("expected satisfied criterion, got %+v", outcome)
	}
}

func TestInterrogator_DowngradesCompleteWithMissingFile(t *testing.T) {
	dir := t.TempDir()

	invoke := func(ctx context.Context, prompt string) (string, error) {
		return `{"results":{"c1":{"status":"COMPLETE","file_paths":["nonexistent.ts"]}}}`, nil
	}

	interrogator := NewInterrogator(&DefaultPromptBuilder{}, invoke, 1)
	outcome, err := interrogator.Run(context.Background(), PromptRequest{Task: &core.Task{TaskID: "t1"}}, dir, []string{"c1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.AllCriteriaSatisfied {
		t.Fatal("expected unsatisfied outcome for a COMPLETE claim with a missing file")
	}
	if len(outcome.Unresolved) != 1 || outcome.Unresolved[0] != "c1" {
		t.Errorf("expected c1 to remain unresolved, got %+v", outcome)
	}
}

func TestInterrogator_DropsIncompleteCriteriaAsFailed(t *testing.T) {
	dir := t.TempDir()

	invoke := func(ctx context.Context, prompt string) (string, error) {
		return `{"results":{"c1":{"status":"INCOMPLETE"},"c2":{"status":"NOT_STARTED"}}}`, nil
	}

	interrogator := NewInterrogator(&DefaultPromptBuilder{}, invoke, 1)
	outcome, err := interrogator.Run(context.Background(), PromptRequest{Task: &core.Task{TaskID: "t1"}}, dir, []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.AllCriteriaSatisfied {
		t.Fatal("expected unsatisfied outcome when criteria are explicitly incomplete")
	}
	if len(outcome.Unresolved) != 0 {
		t.Errorf("expected incomplete/not_started criteria to be dropped from unresolved, got %+v", outcome.Unresolved)
	}
	if len(outcome.Failed) != 2 {
		t.Errorf("expected both criteria recorded as failed, got %+v", outcome.Failed)
	}
}

func TestInterrogator_RetainsUncertainAcrossRounds(t *testing.T) {
	dir := t.TempDir()
	round := 0
	invoke := func(ctx context.Context, prompt string) (string, error) {
		round++
		if round == 1 {
			return `{"results":{}}`, nil
		}
		return `{"results":{"c1":{"status":"COMPLETE","file_paths":[]}}}`, nil
	}

	interrogator := NewInterrogator(&DefaultPromptBuilder{}, invoke, 2)
	outcome, err := interrogator.Run(context.Background(), PromptRequest{Task: &core.Task{TaskID: "t1"}}, dir, []string{"c1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if round != 2 {
		t.Fatalf("expected 2 rounds to run, got %d", round)
	}
	if outcome.AllCriteriaSatisfied {
		t.Fatal("expected c1 to remain unresolved: empty file_paths never satisfies COMPLETE")
	}
}

func TestInterrogator_ZeroRoundsLeavesEverythingUnresolved(t *testing.T) {
	invoke := func(ctx context.Context, prompt string) (string, error) {
		t.Fatal("invoke must not be called when maxRounds is 0")
		return "", nil
	}

	interrogator := NewInterrogator(&DefaultPromptBuilder{}, invoke, 0)
	outcome, err := interrogator.Run(context.Background(), PromptRequest{Task: &core.Task{TaskID: "t1"}}, t.TempDir(), []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcome.Unresolved) != 2 {
		t.Errorf("expected both criteria to remain unresolved, got %+v", outcome.Unresolved)
	}
}
