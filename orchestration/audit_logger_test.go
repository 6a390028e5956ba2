package orchestration

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLogger_AppendWritesOneLinePerEntry(t *testing.T) {
	root := t.TempDir()
	logger, err := NewAuditLogger(root, "proj-1")
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	if err := logger.Append(AuditEntry{Event: AuditTaskStart, TaskID: "t1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := logger.Append(AuditEntry{Event: AuditTaskComplete, TaskID: "t1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(root, "proj-1", "audit.log.jsonl")
	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Event != AuditTaskStart || first.TaskID != "t1" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Error("expected Append to fill in a timestamp")
	}
}

func TestAuditLogger_AppendNeverRewritesExistingLines(t *testing.T) {
	root := t.TempDir()
	logger, err := NewAuditLogger(root, "proj-1")
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := logger.Append(AuditEntry{Event: AuditHalt, HaltReason: "ERROR_COUNT_EXCEEDED"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	path := filepath.Join(root, "proj-1", "audit.log.jsonl")
	lines := readLines(t, path)
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines after 5 appends, got %d", len(lines))
	}
	for i, line := range lines {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d did not unmarshal: %v", i, err)
		}
		if entry.HaltReason != "ERROR_COUNT_EXCEEDED" {
			t.Errorf("line %d corrupted: %+v", i, entry)
		}
	}
}

func TestPromptLogger_AppendFillsLengthFromBody(t *testing.T) {
	root := t.TempDir()
	logger, err := NewPromptLogger(root, "proj-1")
	if err != nil {
		t.Fatalf("NewPromptLogger: %v", err)
	}

	body := "implement the greet function"
	if err := logger.Append(PromptLogEntry{Type: PromptEventPrompt, Body: body, Provider: "claude"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(root, "proj-1", "logs", "prompts.log.jsonl")
	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var entry PromptLogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Length != len(body) {
		t.Errorf("expected length %d, got %d", len(body), entry.Length)
	}
	if entry.Type != PromptEventPrompt || entry.Provider != "claude" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestPromptLogger_SeparateFileFromAuditLog(t *testing.T) {
	root := t.TempDir()
	if _, err := NewAuditLogger(root, "proj-1"); err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if _, err := NewPromptLogger(root, "proj-1"); err != nil {
		t.Fatalf("NewPromptLogger: %v", err)
	}

	auditPath := filepath.Join(root, "proj-1", "audit.log.jsonl")
	promptPath := filepath.Join(root, "proj-1", "logs", "prompts.log.jsonl")
	if auditPath == promptPath {
		t.Fatal("audit log and prompt log must not share a path")
	}
	if _, err := os.Stat(filepath.Join(root, "proj-1", "logs")); err != nil {
		t.Fatalf("expected logs/ subdirectory to exist: %v", err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}
