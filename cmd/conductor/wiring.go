package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/orchestration"
	"github.com/fernridge/conductor/resilience"
)

// supervisor bundles every component ControlLoop needs plus the raw
// clients commands other than "start" use directly (status, metrics,
// enqueue, halt, resume all talk to StateStore/TaskQueue without
// building the full loop).
type supervisor struct {
	cfg   *core.Config
	state *orchestration.StateStore
	queue *orchestration.TaskQueue

	stateClient   *core.RedisClient
	queueClient   *core.RedisClient
	breakerClient *core.RedisClient
	breaker       *resilience.CircuitBreaker

	logger core.Logger
}

// buildSupervisor wires the three Redis clients (state, queue, breaker —
// breaker shares the state database, per the persisted-state layout) and
// the StateStore/TaskQueue/CircuitBreaker trio every subcommand needs.
func buildSupervisor(cli *CLI) (*supervisor, error) {
	cfg, err := buildConfig(cli)
	if err != nil {
		return nil, err
	}
	logger := core.NewProductionLogger(cfg.Logging, "conductor")

	stateClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s:%d", cli.RedisHost, cli.RedisPort),
		DB:        cli.StateDB,
		Namespace: "conductor:state",
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect state redis: %w", err)
	}
	queueClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s:%d", cli.RedisHost, cli.RedisPort),
		DB:        cli.QueueDB,
		Namespace: "conductor:queue",
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect queue redis: %w", err)
	}
	breakerClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  fmt.Sprintf("redis://%s:%d", cli.RedisHost, cli.RedisPort),
		DB:        cli.StateDB,
		Namespace: "conductor:breaker",
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect breaker redis: %w", err)
	}

	return &supervisor{
		cfg:           cfg,
		state:         orchestration.NewStateStore(stateClient, cli.StateKey, logger),
		queue:         orchestration.NewTaskQueue(queueClient, cli.QueueName, logger),
		stateClient:   stateClient,
		queueClient:   queueClient,
		breakerClient: breakerClient,
		breaker:       resilience.NewCircuitBreaker(breakerClient, cfg.CircuitBreakerTTL, logger),
		logger:        logger,
	}, nil
}

func (s *supervisor) Close() {
	s.stateClient.Close()
	s.queueClient.Close()
	s.breakerClient.Close()
}

// buildConfig assembles a core.Config from the CLI's required connection
// flags, an optional --policy-file YAML overlay, then environment
// variable overrides — in that precedence order, env winning last,
// matching Config.LoadProviderOverridesFromEnv's own documented role.
func buildConfig(cli *CLI) (*core.Config, error) {
	opts := []core.Option{
		core.WithRedis(cli.RedisHost, cli.RedisPort, cli.StateDB, cli.QueueDB),
		core.WithStateKey(cli.StateKey),
		core.WithQueueName(cli.QueueName),
		core.WithSandboxRoot(cli.SandboxRoot),
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cli.PolicyFile != "" {
		if err := loadPolicyFile(cli.PolicyFile, cfg); err != nil {
			return nil, err
		}
	}
	cfg.LoadProviderOverridesFromEnv()
	return cfg, nil
}

// buildControlLoop assembles the full ControlLoop over an already-built
// supervisor, for the "start" command. projectID comes from the
// already-persisted goal and fixes the audit/prompt log location for
// the lifetime of this run.
func buildControlLoop(s *supervisor, projectID string) (*orchestration.ControlLoop, error) {
	cfg := s.cfg

	audit, err := orchestration.NewAuditLogger(cfg.SandboxRoot, projectID)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	promptLog, err := orchestration.NewPromptLogger(cfg.SandboxRoot, projectID)
	if err != nil {
		return nil, fmt.Errorf("open prompt log: %w", err)
	}

	dispatcher := orchestration.NewProviderDispatcher(
		s.breaker, cfg.ProviderPriority, cfg.ProviderCLIOverrides, cfg.ProviderTimeout, s.logger,
	)
	builder := orchestration.NewDefaultPromptBuilder(s.logger)
	sessions := orchestration.NewSessionManager(cfg.SessionContextCaps, cfg.SessionErrorCap, cfg.DisableSessionReuse, nil)
	cache := orchestration.NewValidationCacheWithOptions(10000, cfg.ValidationCacheTTL, 5*time.Minute)
	validator := orchestration.NewValidator(cache, orchestration.NewASTAdapterRegistry())
	helper := orchestration.NewHelperAgentDriver(dispatcher, builder)
	workDir := filepath.Join(cfg.SandboxRoot, projectID)
	interrogator := orchestration.NewInterrogator(builder, interrogationInvoker(dispatcher, workDir), 1)
	recovery := orchestration.NewRecoveryDetector()
	backoff := resilience.NewResourceExhaustedBackoff(nil)

	var goalCheck orchestration.GoalCompletionInvoker
	if cfg.GoalCompletionCheck {
		goalCheck = goalCompletionInvoker(dispatcher, workDir)
	}

	return orchestration.NewControlLoop(
		s.state, s.queue, sessions, dispatcher, orchestration.NewHaltDetector(), validator, helper,
		interrogator, recovery, builder, audit, promptLog, backoff, cfg, s.logger, goalCheck,
	), nil
}

// interrogationInvoker adapts ProviderDispatcher.Dispatch to the
// Interrogator's plain string-in/string-out contract: interrogation
// rounds carry no task-specific dispatch metadata, only a prompt.
func interrogationInvoker(dispatcher *orchestration.ProviderDispatcher, workDir string) orchestration.InterrogationInvoker {
	return func(ctx context.Context, prompt string) (string, error) {
		result, _, err := dispatcher.Dispatch(ctx, orchestration.DispatchRequest{Prompt: prompt, WorkingDirectory: workDir})
		if err != nil {
			return "", err
		}
		return result.RawOutput, nil
	}
}

// goalCompletionInvoker adapts ProviderDispatcher.Dispatch to the
// ControlLoop's GoalCompletionInvoker contract, which needs the full
// ProviderResult (for the provider tag recorded in the prompt log).
func goalCompletionInvoker(dispatcher *orchestration.ProviderDispatcher, workDir string) orchestration.GoalCompletionInvoker {
	return func(ctx context.Context, prompt string) (*core.ProviderResult, error) {
		result, _, err := dispatcher.Dispatch(ctx, orchestration.DispatchRequest{Prompt: prompt, WorkingDirectory: workDir})
		return result, err
	}
}

// prettyJSON renders v as indented JSON for the status/metrics commands.
func prettyJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
