package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fernridge/conductor/core"
)

// policyFile is the optional YAML document the --policy-file flag points
// at. It only ever carries the policy knobs NewConfig's options leave to
// their defaults; connection parameters are never read from it, matching
// the operator CLI's "no implicit connection defaults" rule.
type policyFile struct {
	ProviderPriority       []string          `yaml:"provider_priority"`
	ProviderCLIOverrides   map[string]string `yaml:"provider_cli_overrides"`
	CircuitBreakerTTLSecs  int               `yaml:"circuit_breaker_ttl_seconds"`
	ProviderTimeoutSecs    int               `yaml:"provider_timeout_seconds"`
	SessionContextCaps     map[string]int    `yaml:"session_context_caps"`
	SessionErrorCap        int               `yaml:"session_error_cap"`
	DisableSessionReuse    bool              `yaml:"disable_session_reuse"`
	GoalCompletionCheck    *bool             `yaml:"goal_completion_check"`
	HelperAgentMode        string            `yaml:"helper_agent_mode"`
	HelperDeterministic    *bool             `yaml:"helper_deterministic"`
	HelperSamplePercent    int               `yaml:"helper_sample_percent"`
	ValidationCacheTTLSecs int               `yaml:"validation_cache_ttl_seconds"`
	Logging                struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
}

// loadPolicyFile reads and applies a YAML policy document onto cfg. A
// zero value for any field leaves cfg's existing default untouched.
func loadPolicyFile(path string, cfg *core.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if len(pf.ProviderPriority) > 0 {
		cfg.ProviderPriority = pf.ProviderPriority
	}
	if len(pf.ProviderCLIOverrides) > 0 {
		if cfg.ProviderCLIOverrides == nil {
			cfg.ProviderCLIOverrides = map[string]string{}
		}
		for k, v := range pf.ProviderCLIOverrides {
			cfg.ProviderCLIOverrides[k] = v
		}
	}
	if pf.CircuitBreakerTTLSecs > 0 {
		cfg.CircuitBreakerTTL = time.Duration(pf.CircuitBreakerTTLSecs) * time.Second
	}
	if pf.ProviderTimeoutSecs > 0 {
		cfg.ProviderTimeout = time.Duration(pf.ProviderTimeoutSecs) * time.Second
	}
	if len(pf.SessionContextCaps) > 0 {
		cfg.SessionContextCaps = pf.SessionContextCaps
	}
	if pf.SessionErrorCap > 0 {
		cfg.SessionErrorCap = pf.SessionErrorCap
	}
	if pf.DisableSessionReuse {
		cfg.DisableSessionReuse = true
	}
	if pf.GoalCompletionCheck != nil {
		cfg.GoalCompletionCheck = *pf.GoalCompletionCheck
	}
	if pf.HelperAgentMode != "" {
		cfg.HelperAgentMode = pf.HelperAgentMode
	}
	if pf.HelperDeterministic != nil {
		cfg.HelperDeterministic = *pf.HelperDeterministic
	}
	if pf.HelperSamplePercent > 0 {
		cfg.HelperSamplePercent = pf.HelperSamplePercent
	}
	if pf.ValidationCacheTTLSecs > 0 {
		cfg.ValidationCacheTTL = time.Duration(pf.ValidationCacheTTLSecs) * time.Second
	}
	if pf.Logging.Level != "" {
		cfg.Logging.Level = pf.Logging.Level
	}
	if pf.Logging.Format != "" {
		cfg.Logging.Format = pf.Logging.Format
	}
	if pf.Logging.Output != "" {
		cfg.Logging.Output = pf.Logging.Output
	}
	return nil
}
