package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every connection, policy, and logging parameter the
// supervisor needs to construct its components. There are no implicit
// connection defaults: redis host/port/state key/queue name/queue
// db must be supplied explicitly by the operator CLI on every command.
// Only sandbox root and policy knobs carry defaults.
type Config struct {
	Name string

	RedisHost string
	RedisPort int
	StateDB   int
	QueueDB   int
	StateKey  string
	QueueName string

	ExecutionMode string // AUTO | MANUAL
	SandboxRoot   string

	ProviderPriority      []string
	ProviderCLIOverrides  map[string]string
	CircuitBreakerTTL     time.Duration
	ProviderTimeout       time.Duration
	SessionContextCaps    map[string]int
	SessionErrorCap       int
	DisableSessionReuse   bool
	GoalCompletionCheck   bool

	HelperAgentMode       string
	HelperDeterministic   bool
	HelperSamplePercent   int

	ValidationCacheTTL time.Duration

	Logging LoggingConfig
}

// LoggingConfig controls the ProductionLogger.
type LoggingConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output string // stdout | stderr
}

// Option mutates a Config during construction; following the teacher's
// functional-options idiom.
type Option func(*Config) error

// DefaultConfig returns the policy defaults documented in SPEC_FULL.md 
// open-question resolutions. Connection parameters are left zero-valued —
// callers MUST supply them via options; NewConfig rejects a Config that
// still has them unset.
func DefaultConfig() *Config {
	priority := make([]string, len(DefaultProviderPriority))
	copy(priority, DefaultProviderPriority)

	caps := make(map[string]int, len(DefaultSessionContextCaps))
	for k, v := range DefaultSessionContextCaps {
		caps[k] = v
	}

	return &Config{
		Name:                "conductor",
		ExecutionMode:       "AUTO",
		SandboxRoot:         DefaultSandboxRoot,
		ProviderPriority:    priority,
		ProviderCLIOverrides: map[string]string{},
		CircuitBreakerTTL:   DefaultCircuitBreakerTTL,
		ProviderTimeout:     DefaultProviderTimeout,
		SessionContextCaps:  caps,
		SessionErrorCap:     DefaultSessionErrorCap,
		GoalCompletionCheck: true,
		HelperAgentMode:     "enabled",
		HelperDeterministic: true,
		HelperSamplePercent: 100,
		ValidationCacheTTL:  DefaultValidationCacheTTL,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// WithRedis sets the state store connection and database indices.
func WithRedis(host string, port, stateDB, queueDB int) Option {
	return func(c *Config) error {
		if stateDB == queueDB {
			return fmt.Errorf("state db (%d) and queue db (%d) must differ", stateDB, queueDB)
		}
		c.RedisHost = host
		c.RedisPort = port
		c.StateDB = stateDB
		c.QueueDB = queueDB
		return nil
	}
}

// WithStateKey sets the single key that holds the persisted state blob.
func WithStateKey(key string) Option {
	return func(c *Config) error {
		if key == "" {
			return fmt.Errorf("state key must not be empty")
		}
		c.StateKey = key
		return nil
	}
}

// WithQueueName sets the list key used by the task queue.
func WithQueueName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("queue name must not be empty")
		}
		c.QueueName = name
		return nil
	}
}

// WithExecutionMode sets AUTO or MANUAL.
func WithExecutionMode(mode string) Option {
	return func(c *Config) error {
		switch mode {
		case "AUTO", "MANUAL":
			c.ExecutionMode = mode
			return nil
		default:
			return fmt.Errorf("invalid execution mode %q", mode)
		}
	}
}

// WithSandboxRoot overrides the default "./sandbox".
func WithSandboxRoot(path string) Option {
	return func(c *Config) error {
		c.SandboxRoot = path
		return nil
	}
}

// WithProviderPriority overrides the default [gemini cursor codex claude]
// chain.
func WithProviderPriority(priority []string) Option {
	return func(c *Config) error {
		if len(priority) == 0 {
			return fmt.Errorf("provider priority must not be empty")
		}
		c.ProviderPriority = priority
		return nil
	}
}

// WithCircuitBreakerTTL overrides the default 24h breaker TTL.
func WithCircuitBreakerTTL(d time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreakerTTL = d
		return nil
	}
}

// WithLogging overrides the logging level/format/output.
func WithLogging(level, format, output string) Option {
	return func(c *Config) error {
		c.Logging = LoggingConfig{Level: level, Format: format, Output: output}
		return nil
	}
}

// NewConfig builds a Config from defaults plus the given options, then
// validates that every operator-required field was supplied.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.RedisHost == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	if cfg.StateKey == "" {
		return nil, fmt.Errorf("state key is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.StateDB == cfg.QueueDB {
		return nil, fmt.Errorf("state db and queue db must differ")
	}
	return cfg, nil
}

// LoadProviderOverridesFromEnv reads CONDUCTOR_PROVIDER_CLI_<PROVIDER>
// entries for every provider in priority order plus CLI_PROVIDER_PRIORITY.
func (c *Config) LoadProviderOverridesFromEnv() {
	if priority := os.Getenv(EnvProviderPriority); priority != "" {
		c.ProviderPriority = strings.Split(priority, ",")
	}
	for _, provider := range c.ProviderPriority {
		key := EnvProviderCLIPrefix + strings.ToUpper(provider)
		if path := os.Getenv(key); path != "" {
			if c.ProviderCLIOverrides == nil {
				c.ProviderCLIOverrides = map[string]string{}
			}
			c.ProviderCLIOverrides[provider] = path
		}
	}
	if ttl := os.Getenv(EnvCircuitBreakerTTLSeconds); ttl != "" {
		if secs, err := strconv.Atoi(ttl); err == nil {
			c.CircuitBreakerTTL = time.Duration(secs) * time.Second
		}
	}
	if mode := os.Getenv(EnvHelperAgentMode); mode != "" {
		c.HelperAgentMode = mode
	}
	if det := os.Getenv(EnvHelperDeterministic); det != "" {
		c.HelperDeterministic = parseBool(det)
	}
	if pct := os.Getenv(EnvHelperSamplePercent); pct != "" {
		if v, err := strconv.Atoi(pct); err == nil {
			c.HelperSamplePercent = v
		}
	}
	if d := os.Getenv(EnvDisableSessionReuse); d != "" {
		c.DisableSessionReuse = parseBool(d)
	}
	if g := os.Getenv(EnvGoalCompletionCheck); g != "" {
		c.GoalCompletionCheck = parseBool(g)
	}
}

func parseBool(s string) bool {
	return strings.EqualFold(s, "true") || s == "1"
}

// ============================================================================
// ProductionLogger — structured JSON/text logger, kept from the teacher's
// layered-observability logger with framework-specific fields renamed to
// this supervisor's domain.
// ============================================================================

// ProductionLogger is the default Logger implementation.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger builds a ProductionLogger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}
	logger := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
	trackLogger(logger)
	return logger
}

// EnableMetrics is called by the telemetry package to enable the metrics
// emission layer once a MetricsRegistry has registered itself with core.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": "control_loop",
			"message":   msg,
		}
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	traceInfo := ""
	if ctx != nil && p.metricsEnabled {
		if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
			traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
		}
	}
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
		timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", "control_loop",
	}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_kind", "provider", "task_id":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		emitMetricWithContext(ctx, "conductor.supervisor.operations", 1.0, labels...)
	} else {
		emitMetric("conductor.supervisor.operations", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
