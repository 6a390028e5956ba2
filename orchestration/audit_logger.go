package orchestration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernridge/conductor/core"
)

// AuditEventType enumerates the fixed set of control-loop events recorded
// in audit.log.jsonl.
type AuditEventType string

const (
	AuditTaskStart              AuditEventType = "TASK_START"
	AuditTaskComplete           AuditEventType = "TASK_COMPLETE"
	AuditTaskBlocked            AuditEventType = "TASK_BLOCKED"
	AuditHalt                   AuditEventType = "HALT"
	AuditCompleted              AuditEventType = "COMPLETED"
	AuditResourceExhaustedRetry AuditEventType = "RESOURCE_EXHAUSTED_RETRY"
)

// AuditEntry is one line of audit.log.jsonl.
type AuditEntry struct {
	Timestamp         time.Time             `json:"timestamp"`
	Event             AuditEventType         `json:"event"`
	TaskID            string                 `json:"task_id,omitempty"`
	StateBefore       json.RawMessage        `json:"state_before,omitempty"`
	StateAfter        json.RawMessage        `json:"state_after,omitempty"`
	ValidationSummary *core.ValidationReport `json:"validation_summary,omitempty"`
	HaltReason        string                 `json:"halt_reason,omitempty"`
	ToolInvoked       string                 `json:"tool_invoked,omitempty"`
	PromptPreview     string                 `json:"prompt_preview,omitempty"`
	PromptLength      int                    `json:"prompt_length,omitempty"`
	ResponsePreview   string                 `json:"response_preview,omitempty"`
	ResponseLength    int                    `json:"response_length,omitempty"`
}

// PromptEventType enumerates the fixed set of entry tags recorded in
// logs/prompts.log.jsonl.
type PromptEventType string

const (
	PromptEventPrompt                 PromptEventType = "PROMPT"
	PromptEventResponse               PromptEventType = "RESPONSE"
	PromptEventFixPrompt              PromptEventType = "FIX_PROMPT"
	PromptEventClarificationPrompt    PromptEventType = "CLARIFICATION_PROMPT"
	PromptEventInterrogationPrompt    PromptEventType = "INTERROGATION_PROMPT"
	PromptEventInterrogationResponse  PromptEventType = "INTERROGATION_RESPONSE"
	PromptEventHelperAgentResponse    PromptEventType = "HELPER_AGENT_RESPONSE"
	PromptEventGoalCompletionCheck    PromptEventType = "GOAL_COMPLETION_CHECK"
	PromptEventGoalCompletionResponse PromptEventType = "GOAL_COMPLETION_RESPONSE"
)

// PromptLogEntry is one line of logs/prompts.log.jsonl: the full,
// untruncated prompt or response body plus dispatch metadata.
type PromptLogEntry struct {
	Timestamp        time.Time       `json:"timestamp"`
	Type             PromptEventType `json:"type"`
	Body             string          `json:"body"`
	WorkingDirectory string          `json:"working_directory,omitempty"`
	AgentMode        string          `json:"agent_mode,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	Length           int             `json:"length"`
	DurationMS       int64           `json:"duration_ms,omitempty"`
}

// AuditLogger appends structured control-loop events, one JSON object per
// line, to <sandbox_root>/<project_id>/audit.log.jsonl. Grounded on the
// teacher's pluggable debug-store shape (RecordInteraction appends,
// never rewrites) but targets the filesystem directly per the spec's
// JSONL layout rather than a Redis-backed record.
type AuditLogger struct {
	mu   sync.Mutex
	path string
}

// NewAuditLogger creates the project directory if needed and opens
// audit.log.jsonl for append.
func NewAuditLogger(sandboxRoot, projectID string) (*AuditLogger, error) {
	dir := filepath.Join(sandboxRoot, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &AuditLogger{path: filepath.Join(dir, "audit.log.jsonl")}, nil
}

// Append writes one audit entry. Timestamp defaults to now if unset.
func (a *AuditLogger) Append(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return appendJSONLine(&a.mu, a.path, entry)
}

// PromptLogger appends full prompt/response bodies, one JSON object per
// line, to <sandbox_root>/<project_id>/logs/prompts.log.jsonl.
type PromptLogger struct {
	mu   sync.Mutex
	path string
}

// NewPromptLogger creates the project's logs directory if needed and
// opens prompts.log.jsonl for append.
func NewPromptLogger(sandboxRoot, projectID string) (*PromptLogger, error) {
	dir := filepath.Join(sandboxRoot, projectID, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &PromptLogger{path: filepath.Join(dir, "prompts.log.jsonl")}, nil
}

// Append writes one prompt/response log entry, filling Length from Body
// and defaulting Timestamp to now if unset.
func (p *PromptLogger) Append(entry PromptLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Length = len(entry.Body)
	return appendJSONLine(&p.mu, p.path, entry)
}

// appendJSONLine marshals v and appends it as one line via O_APPEND,
// which guarantees atomicity for writes under PIPE_BUF on every
// platform this supervisor targets; existing lines are never rewritten.
func appendJSONLine(mu *sync.Mutex, path string, v interface{}) error {
	mu.Lock()
	defer mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// auditPreviewLength bounds AuditEntry's prompt/response preview fields;
// the untruncated bodies live in PromptLogger's own log.
const auditPreviewLength = 500

// previewText truncates s to n bytes for an audit entry's preview field,
// keeping the full body only in the PromptLogger.
func previewText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
