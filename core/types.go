package core

import (
	"encoding/json"
	"time"
)

// SupervisorState is the single persisted entity. It is
// mutated only by the control loop, after validation succeeds or a
// terminal transition occurs.
type SupervisorState struct {
	Supervisor SupervisorInfo          `json:"supervisor"`
	Goal       Goal                    `json:"goal"`
	Queue      QueueInfo               `json:"queue"`
	CurrentTask *Task                  `json:"current_task,omitempty"`

	CompletedTasks []CompletedTask `json:"completed_tasks"`
	BlockedTasks   []BlockedTask   `json:"blocked_tasks"`

	LastValidationReport *ValidationReport `json:"last_validation_report,omitempty"`
	LastUpdated          time.Time         `json:"last_updated"`
	ExecutionMode        string            `json:"execution_mode"`

	ResourceExhaustedRetry *ResourceExhaustedRetry `json:"resource_exhausted_retry,omitempty"`

	// PerTask replaces the source's dynamic string-keyed counters
	// (retry_count_<id>, interrogation_performed_<id>_attempt_<n>,
	// last_error_<id>, repeated_error_count_<id>) with an explicit map,
	// per SPEC_FULL.md design notes.
	PerTask map[string]*TaskAttemptState `json:"per_task"`
}

// SupervisorInfo is the supervisor.* sub-object.
type SupervisorInfo struct {
	Status       string  `json:"status"` // RUNNING | HALTED | COMPLETED
	Iteration    int64   `json:"iteration"`
	LastTaskID   string  `json:"last_task_id,omitempty"`
	HaltReason   string  `json:"halt_reason,omitempty"`
	HaltDetails  string  `json:"halt_details,omitempty"`
	RetryTask    *Task   `json:"retry_task,omitempty"`

	ActiveSessions map[string]*SessionInfo `json:"active_sessions,omitempty"`
}

// TaskAttemptState tracks per-task retry/interrogation bookkeeping that
// the original system stored as dynamically-named keys inside supervisor.
type TaskAttemptState struct {
	RetryCount               int      `json:"retry_count"`
	InterrogationAttemptsDone []int    `json:"interrogation_attempts_done,omitempty"`
	LastError                string   `json:"last_error,omitempty"`
	RepeatedErrorCount       int      `json:"repeated_error_count"`
}

// Goal is the operator-set objective (set-goal CLI command).
type Goal struct {
	Description string `json:"description"`
	ProjectID   string `json:"project_id,omitempty"`
	Completed   bool   `json:"completed"`
}

// QueueInfo mirrors the exhaustion flag recorded in the state blob (the
// queue's actual contents live in the separate TaskQueue database).
type QueueInfo struct {
	Exhausted  bool   `json:"exhausted"`
	LastTaskID string `json:"last_task_id,omitempty"`
}

// CompletedTask is one entry of the bounded completed_tasks history.
type CompletedTask struct {
	TaskID           string            `json:"task_id"`
	CompletedAt      time.Time         `json:"completed_at"`
	ValidationReport *ValidationReport `json:"validation_report"`
	Intent           string            `json:"intent,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	RequiresContext  bool              `json:"requires_context,omitempty"`
}

// BlockedTask is one entry of blocked_tasks.
type BlockedTask struct {
	TaskID    string    `json:"task_id"`
	BlockedAt time.Time `json:"blocked_at"`
	Reason    string    `json:"reason"`
}

// ResourceExhaustedRetry records in-flight backoff state so the schedule
// survives a restart.
type ResourceExhaustedRetry struct {
	Attempt       int       `json:"attempt"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	NextRetryAt   time.Time `json:"next_retry_at"`
}

// RetryPolicy is a task's retry configuration.
type RetryPolicy struct {
	MaxRetries int            `json:"max_retries"`
	Backoff    *time.Duration `json:"backoff,omitempty"`
}

// TaskMeta carries session-continuity hints.
type TaskMeta struct {
	SessionID string `json:"session_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
}

// Task is the unit of work dispatched to a provider.
type Task struct {
	TaskID             string          `json:"task_id"`
	Intent             string          `json:"intent,omitempty"`
	Tool               string          `json:"tool,omitempty"` // provider tag override
	TaskType           string          `json:"task_type,omitempty"`
	Instructions       string          `json:"instructions"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	Status             string          `json:"status"` // pending|in_progress|completed|blocked|failed
	RetryPolicy        RetryPolicy     `json:"retry_policy"`
	WorkingDirectory   string          `json:"working_directory,omitempty"`
	AgentMode          string          `json:"agent_mode,omitempty"`
	RequiredArtifacts  []string        `json:"required_artifacts,omitempty"`
	TestCommand        string          `json:"test_command,omitempty"`
	TestsRequired      bool            `json:"tests_required,omitempty"`
	ExpectedJSONSchema json.RawMessage `json:"expected_json_schema,omitempty"`
	Meta               TaskMeta        `json:"meta,omitempty"`
}

// TaskType enumerates the recognized task categories used to pick prompt
// guidelines.
const (
	TaskTypeCoding         = "coding"
	TaskTypeBehavioral     = "behavioral"
	TaskTypeConfiguration  = "configuration"
	TaskTypeTesting        = "testing"
	TaskTypeDocumentation  = "documentation"
	TaskTypeRefactoring    = "refactoring"
	TaskTypeImplementation = "implementation"
)

// Task status values.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusBlocked    = "blocked"
	TaskStatusFailed     = "failed"
)

// Supervisor status values.
const (
	StatusRunning   = "RUNNING"
	StatusHalted    = "HALTED"
	StatusCompleted = "COMPLETED"
)

// MatchQuality is the per-criterion confidence produced by the Validator.
type MatchQuality string

const (
	MatchExact   MatchQuality = "EXACT"
	MatchHigh    MatchQuality = "HIGH"
	MatchMedium  MatchQuality = "MEDIUM"
	MatchLow     MatchQuality = "LOW"
	MatchNone    MatchQuality = "NONE"
)

// Confidence is the validation report's overall confidence, the minimum
// MatchQuality across criteria, bucketed into four levels.
type Confidence string

const (
	ConfidenceHigh      Confidence = "HIGH"
	ConfidenceMedium    Confidence = "MEDIUM"
	ConfidenceLow       Confidence = "LOW"
	ConfidenceUncertain Confidence = "UNCERTAIN"
)

// ValidationReport is the Validator's output.
type ValidationReport struct {
	Valid             bool         `json:"valid"`
	Reason            string       `json:"reason,omitempty"`
	RulesPassed       []string     `json:"rules_passed"`
	RulesFailed       []string     `json:"rules_failed"`
	Confidence        Confidence   `json:"confidence"`
	FailedCriteria    []string     `json:"failed_criteria,omitempty"`
	UncertainCriteria []string     `json:"uncertain_criteria,omitempty"`
}

// ProviderResult is the outcome of one provider subprocess invocation.
type ProviderResult struct {
	Provider  string          `json:"provider"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	ExitCode  int             `json:"exit_code"`
	RawOutput string          `json:"raw_output"`
	Status    string          `json:"status"` // completed|failed
	SessionID string          `json:"session_id,omitempty"`
	Usage     *TokenUsageInfo `json:"usage,omitempty"`
}

// TokenUsageInfo tracks accumulated token usage for a provider session.
type TokenUsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CircuitBreakerStatus is the TTL-scoped breaker entry for one provider.
type CircuitBreakerStatus struct {
	Provider    string    `json:"provider"`
	TriggeredAt time.Time `json:"triggered_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ErrorType   string    `json:"error_type"`
}

// SessionInfo tracks a resumable provider session keyed by feature_id.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	LastUsed    time.Time `json:"last_used"`
	ErrorCount  int       `json:"error_count"`
	TotalTokens int       `json:"total_tokens"`
	FeatureID   string    `json:"feature_id"`
	TaskID      string    `json:"task_id"`
}
