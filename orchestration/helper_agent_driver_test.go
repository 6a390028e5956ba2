package orchestration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseHelperResponse_Valid(t *testing.T) {
	raw := "```json\n{\"isValid\":true,\"verificationCommands\":[],\"reasoning\":\"looks good\"}\n```"
	resp, err := parseHelperResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Error("expected IsValid=true")
	}
}

func TestParseHelperResponse_WithVerificationCommands(t *testing.T) {
	raw := `{"isValid":false,"verificationCommands":["ls -la","cat main.go"]}`
	resp, err := parseHelperResponse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid {
		t.Error("expected IsValid=false")
	}
	if len(resp.VerificationCommands) != 2 {
		t.Errorf("expected 2 verification commands, got %d", len(resp.VerificationCommands))
	}
}

func TestParseHelperResponse_MissingRequiredKey(t *testing.T) {
	raw := `{"isValid":true}`
	_, err := parseHelperResponse(raw)
	if err == nil {
		t.Fatal("expected error for missing verificationCommands key")
	}
}

func TestParseHelperResponse_Malformed(t *testing.T) {
	raw := `not json at all`
	_, err := parseHelperResponse(raw)
	if err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestBaseVerb(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"ls -la", "ls"},
		{"  grep foo bar.txt", "grep"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := baseVerb(tt.command); got != tt.want {
			t.Errorf("baseVerb(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestExecuteWhitelistedCommand_Allowed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sample.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	outcome, err := executeWhitelistedCommand(context.Background(), "ls", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", outcome.ExitCode)
	}
}

func TestExecuteWhitelistedCommand_RejectsDisallowedVerb(t *testing.T) {
	dir := t.TempDir()
	outcome, err := executeWhitelistedCommand(context.Background(), "rm -rf .", dir)
	if err == nil {
		t.Fatal("expected error for disallowed verb")
	}
	if outcome.ExitCode != -1 {
		t.Errorf("expected exit code -1 for rejected command, got %d", outcome.ExitCode)
	}
}

func TestEnumerateFiles_ExcludesDependencyDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "dep.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	files, err := EnumerateFiles(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, f := range files {
		if f == filepath.Join("node_modules", "dep.js") {
			t.Error("expected node_modules contents to be excluded from listing")
		}
	}
	found := false
	for _, f := range files {
		if f == "main.go" {
			found = true
		}
	}
	if !found {
		t.Error("expected main.go to be present in listing")
	}
}

func TestEnumerateFiles_RespectsCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 150; i++ {
		name := filepath.Join(dir, "file"+string(rune('a'+i%26))+string(rune('0'+i/26))+".txt")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
	files, err := EnumerateFiles(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) > 100 {
		t.Errorf("expected listing capped at 100 entries, got %d", len(files))
	}
}
