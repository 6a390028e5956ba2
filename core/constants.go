package core

import "time"

// Environment variables recognized by the supervisor.
const (
	EnvRedisURL = "REDIS_URL"

	// EnvProviderCLIPrefix + provider tag (e.g. EnvProviderCLIPrefix+"GEMINI")
	// overrides the subprocess path for a single provider.
	EnvProviderCLIPrefix = "CONDUCTOR_PROVIDER_CLI_"
	EnvProviderPriority  = "CLI_PROVIDER_PRIORITY"

	EnvCircuitBreakerTTLSeconds = "CONDUCTOR_CIRCUIT_BREAKER_TTL_SECONDS"
	EnvHelperAgentMode          = "CONDUCTOR_HELPER_AGENT_MODE"
	EnvHelperDeterministic      = "CONDUCTOR_HELPER_DETERMINISTIC"
	EnvHelperSamplePercent      = "CONDUCTOR_HELPER_SAMPLE_PERCENT"
	EnvDisableSessionReuse      = "CONDUCTOR_DISABLE_SESSION_REUSE"
	EnvGoalCompletionCheck      = "CONDUCTOR_GOAL_COMPLETION_CHECK_ENABLED"
)

// Tunable defaults for provider timeouts, retry limits, and cache TTLs.
const (
	DefaultCircuitBreakerTTL  = 86400 * time.Second
	DefaultProviderTimeout    = 30 * time.Minute
	DefaultMaxRetries         = 1
	DefaultSessionErrorCap    = 5
	DefaultValidationCacheTTL = time.Hour
	DefaultSandboxRoot        = "./sandbox"

	MaxCompletedTasksInMemory = 100
	RepeatedErrorBlockCount   = 3
	HelperFileListingCap      = 100
)

// DefaultProviderPriority is the fallback provider chain when the operator
// does not override it via CLI_PROVIDER_PRIORITY.
var DefaultProviderPriority = []string{"gemini", "cursor", "codex", "claude"}

// DefaultSessionContextCaps are per-provider context-token ceilings past
// which a session is dropped rather than continued.
var DefaultSessionContextCaps = map[string]int{
	"gemini":  350_000,
	"copilot": 350_000,
	"cursor":  250_000,
	"claude":  250_000,
	"codex":   8_000,
}

// ResourceExhaustedBackoff is the fixed delay schedule for
// RESOURCE_EXHAUSTED recovery; index is attempt-1.
var ResourceExhaustedBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	20 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}
