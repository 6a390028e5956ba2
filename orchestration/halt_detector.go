package orchestration

import (
	"regexp"
	"strings"

	"github.com/fernridge/conductor/core"
)

// HaltReason is one of the fixed classification outcomes. The
// teacher's error_analyzer.go drove a similar decision with an LLM call
// ("is this error fixable?"); that contradicts the rule that the
// control loop never performs model inference itself, so this
// classifier is a plain, deterministic regex/string pipeline instead.
type HaltReason string

const (
	HaltCursorExecFailure     HaltReason = "CURSOR_EXEC_FAILURE"
	HaltBlocked               HaltReason = "BLOCKED"
	HaltOutputFormatInvalid   HaltReason = "OUTPUT_FORMAT_INVALID"
	HaltProviderCircuitBroken HaltReason = "PROVIDER_CIRCUIT_BROKEN"
	HaltAskedQuestion         HaltReason = "ASKED_QUESTION"
	HaltAmbiguity             HaltReason = "AMBIGUITY"
	HaltResourceExhausted     HaltReason = "RESOURCE_EXHAUSTED"
)

// Criticality buckets a halt reason into how the control loop should react.
type Criticality string

const (
	CriticalityCritical    Criticality = "critical"
	CriticalityBackoff     Criticality = "backoff"
	CriticalityNonCritical Criticality = "non_critical"
)

var criticalReasons = map[HaltReason]bool{
	HaltBlocked:               true,
	HaltOutputFormatInvalid:   true,
	HaltProviderCircuitBroken: true,
}

// Classify returns the criticality tier for a halt reason.
func Classify(reason HaltReason) Criticality {
	if criticalReasons[reason] {
		return CriticalityCritical
	}
	if reason == HaltResourceExhausted {
		return CriticalityBackoff
	}
	return CriticalityNonCritical
}

var ambiguityVocabulary = regexp.MustCompile(`(?i)\b(maybe|could|suggest|recommend|alternative|option)\b`)

// HaltDetector applies the fixed rule set to a dispatched
// provider result. outputParserFailed signals whether the Validator's
// OutputParser stage already failed on this result (rule 4, checked
// ahead of the BLOCKED rule since a malformed trailer cannot carry a
// trustworthy status token); providerBroken signals all providers were
// exhausted by the ProviderDispatcher.
type HaltDetector struct{}

// NewHaltDetector builds a stateless HaltDetector; the rules depend only
// on their inputs, never on accumulated detector state.
func NewHaltDetector() *HaltDetector {
	return &HaltDetector{}
}

// Detect returns the halt reason for a ProviderResult, or "" if none of
// the fixed rules match. Rule order: all providers broken, exec failure
// (including a nil result), question mark,
// ambiguity vocabulary, output-parser failure, resource exhaustion,
// explicit blocked token.
func (h *HaltDetector) Detect(result *core.ProviderResult, outputParserFailed, providerBroken bool) HaltReason {
	if providerBroken {
		return HaltProviderCircuitBroken
	}
	if result == nil {
		return HaltCursorExecFailure
	}

	combined := result.Stdout + result.Stderr

	if result.ExitCode != 0 && strings.TrimSpace(result.Stdout) == "" {
		return HaltCursorExecFailure
	}
	if strings.Contains(result.Stdout, "?") {
		return HaltAskedQuestion
	}
	if ambiguityVocabulary.MatchString(result.Stdout) {
		return HaltAmbiguity
	}
	if outputParserFailed {
		return HaltOutputFormatInvalid
	}
	if ClassifyProviderError(result.Provider, combined) == ErrorResourceExhausted {
		return HaltResourceExhausted
	}
	if containsBlockedToken(result.Stdout) {
		return HaltBlocked
	}
	return ""
}

var blockedTokenPattern = regexp.MustCompile(`(?i)"?status"?\s*:?\s*"?blocked"?`)

func containsBlockedToken(output string) bool {
	return blockedTokenPattern.MatchString(output)
}

// ProviderErrorType is the per-provider classification outcome, used
// both to decide whether to trip the CircuitBreaker and to feed the
// RESOURCE_EXHAUSTED halt rule above.
type ProviderErrorType string

const (
	ErrorNone              ProviderErrorType = ""
	ErrorResourceExhausted ProviderErrorType = "resource_exhausted"
	ErrorRateLimit         ProviderErrorType = "rate_limit"
	ErrorQuotaExceeded     ProviderErrorType = "quota_exceeded"
	ErrorAPIError          ProviderErrorType = "api_error"
)

var (
	cursorConnectError      = regexp.MustCompile(`(?i)connect error`)
	cursorResourceExhausted = regexp.MustCompile(`(?i)resource_exhausted`)

	quotaPattern          = regexp.MustCompile(`(?i)quota`)
	rateLimitPattern      = regexp.MustCompile(`(?i)rate limit`)
	resourceExhaustedWord = regexp.MustCompile(`(?i)resource exhausted`)
	apiKeyPattern         = regexp.MustCompile(`(?i)api key`)
	authenticationPattern = regexp.MustCompile(`(?i)authentication`)
)

// ClassifyProviderError applies regex rules over the
// combined stderr+stdout of a provider invocation. Cursor requires both
// "connect error" and "resource_exhausted" together; the other
// providers use the shared quota/rate-limit/api-key/auth vocabulary.
func ClassifyProviderError(provider, combinedOutput string) ProviderErrorType {
	switch provider {
	case "cursor":
		if cursorConnectError.MatchString(combinedOutput) && cursorResourceExhausted.MatchString(combinedOutput) {
			return ErrorResourceExhausted
		}
		return ErrorNone
	default: // gemini, claude, codex
		switch {
		case resourceExhaustedWord.MatchString(combinedOutput):
			return ErrorResourceExhausted
		case rateLimitPattern.MatchString(combinedOutput):
			return ErrorRateLimit
		case quotaPattern.MatchString(combinedOutput):
			return ErrorQuotaExceeded
		case apiKeyPattern.MatchString(combinedOutput), authenticationPattern.MatchString(combinedOutput):
			return ErrorAPIError
		default:
			return ErrorNone
		}
	}
}
