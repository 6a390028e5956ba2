package orchestration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernridge/conductor/core"
)

func TestParseOutput_FencedBlock(t *testing.T) {
	raw := "Here is my work.\n\n```json\n{\"status\":\"completed\",\"files_created\":[],\"files_updated\":[],\"changes\":[],\"neededChanges\":[],\"summary\":\"done\"}\n```"
	trailer, parseErr := ParseOutput(raw)
	if parseErr != "" {
		t.Fatalf("unexpected parse error: %s", parseErr)
	}
	if trailer.Status != "completed" {
		t.Errorf("expected status completed, got %q", trailer.Status)
	}
}

func TestParseOutput_NeededChangesAsBool(t *testing.T) {
	raw := `{"status":"completed","files_created":["greeting.ts"],"files_updated":[],"changes":["greeting.ts"],"neededChanges":true,"summary":"implemented greet"}`
	trailer, parseErr := ParseOutput(raw)
	if parseErr != "" {
		t.Fatalf("unexpected parse error: %s", parseErr)
	}
	if got := trailer.NeededChangesList(); len(got) != 0 {
		t.Errorf("expected no needed changes from bool true, got %v", got)
	}
}

func TestParseOutput_NeededChangesAsList(t *testing.T) {
	raw := `{"status":"completed","summary":"partial","neededChanges":["add error handling"]}`
	trailer, parseErr := ParseOutput(raw)
	if parseErr != "" {
		t.Fatalf("unexpected parse error: %s", parseErr)
	}
	got := trailer.NeededChangesList()
	if len(got) != 1 || got[0] != "add error handling" {
		t.Errorf("expected [add error handling], got %v", got)
	}
}

func TestParseOutput_BareObject(t *testing.T) {
	raw := `{"status":"failed","summary":"could not finish"}`
	trailer, parseErr := ParseOutput(raw)
	if parseErr != "" {
		t.Fatalf("unexpected parse error: %s", parseErr)
	}
	if trailer.Status != "failed" {
		t.Errorf("expected status failed, got %q", trailer.Status)
	}
}

func TestParseOutput_TrailingTextAfterFence(t *testing.T) {
	raw := "```json\n{\"status\":\"completed\",\"summary\":\"done\"}\n```\nP.S. thanks!"
	_, parseErr := ParseOutput(raw)
	if parseErr != ErrTrailingText {
		t.Fatalf("expected TRAILING_TEXT, got %q", parseErr)
	}
}

func TestParseOutput_MissingRequiredKey(t *testing.T) {
	raw := `{"files_created":[]}`
	_, parseErr := ParseOutput(raw)
	if parseErr != ErrMissingRequiredKey {
		t.Fatalf("expected MISSING_REQUIRED_KEY, got %q", parseErr)
	}
}

func TestParseOutput_RejectsArray(t *testing.T) {
	raw := `[{"status":"completed"}]`
	_, parseErr := ParseOutput(raw)
	if parseErr != ErrMalformedOutput {
		t.Fatalf("expected MALFORMED_OUTPUT for array root, got %q", parseErr)
	}
}

func TestValidator_RequiredArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	task := &core.Task{
		TaskID:            "t1",
		RequiredArtifacts: []string{"missing.go"},
	}
	result := &core.ProviderResult{RawOutput: `{"status":"completed","summary":"done"}`}

	validator := NewValidator(NewValidationCache(), nil)
	report, err := validator.Validate(context.Background(), task, dir, "proj", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Valid {
		t.Fatal("expected invalid report for missing required artifact")
	}
	if len(report.FailedCriteria) != 1 || report.FailedCriteria[0] != "missing.go" {
		t.Errorf("expected missing.go in failed criteria, got %v", report.FailedCriteria)
	}
}

func TestValidator_RequiredArtifactEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	task := &core.Task{
		TaskID:            "t1",
		RequiredArtifacts: []string{"../outside.go"},
	}
	result := &core.ProviderResult{RawOutput: `{"status":"completed","summary":"done"}`}

	validator := NewValidator(NewValidationCache(), nil)
	report, err := validator.Validate(context.Background(), task, dir, "proj", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Valid {
		t.Fatal("expected invalid report for sandbox-escaping artifact path")
	}
}

func TestValidator_AcceptanceCriteriaExactViaAST(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "widget.go")
	if err := os.WriteFile(srcPath, []byte("package widget\n\nfunc DoThing() {}\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	task := &core.Task{
		TaskID:             "t1",
		AcceptanceCriteria: []string{"implements `DoThing`"},
	}
	result := &core.ProviderResult{RawOutput: `{"status":"completed","files_created":["widget.go"],"files_updated":[],"changes":[],"summary":"added DoThing"}`}

	validator := NewValidator(NewValidationCache(), nil)
	report, err := validator.Validate(context.Background(), task, dir, "proj", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid {
		t.Fatalf("expected valid report, got reason %q failed %v", report.Reason, report.FailedCriteria)
	}
	if report.Confidence != core.ConfidenceHigh {
		t.Errorf("expected HIGH confidence from AST-exact match, got %s", report.Confidence)
	}
}

func TestValidator_AcceptanceCriteriaNoneWhenUnmatched(t *testing.T) {
	dir := t.TempDir()
	task := &core.Task{
		TaskID:             "t1",
		AcceptanceCriteria: []string{"totally unrelated behavior that never appears"},
	}
	result := &core.ProviderResult{RawOutput: `{"status":"completed","summary":"did something else entirely"}`}

	validator := NewValidator(NewValidationCache(), nil)
	report, err := validator.Validate(context.Background(), task, dir, "proj", result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Valid {
		t.Fatal("expected invalid report for unmatched criterion")
	}
}

func TestGoASTAdapter_HasFunctionAndExport(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "sample.go")
	src := `package sample

type Widget struct{}

func (w *Widget) Render() string { return "" }

func Helper() {}

const MaxSize = 10
`
	if err := os.WriteFile(srcPath, []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	adapter := &GoASTAdapter{}

	if ok, err := adapter.HasFunction(srcPath, "Helper"); err != nil || !ok {
		t.Errorf("expected HasFunction(Helper)=true, got %v err=%v", ok, err)
	}
	if ok, err := adapter.HasClass(srcPath, "Widget"); err != nil || !ok {
		t.Errorf("expected HasClass(Widget)=true, got %v err=%v", ok, err)
	}
	if ok, err := adapter.HasMethod(srcPath, "Widget", "Render"); err != nil || !ok {
		t.Errorf("expected HasMethod(Widget,Render)=true, got %v err=%v", ok, err)
	}
	if ok, err := adapter.HasExport(srcPath, "MaxSize"); err != nil || !ok {
		t.Errorf("expected HasExport(MaxSize)=true, got %v err=%v", ok, err)
	}
	if ok, _ := adapter.HasFunction(srcPath, "DoesNotExist"); ok {
		t.Error("expected HasFunction(DoesNotExist)=false")
	}
}
