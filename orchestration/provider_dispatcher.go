package orchestration

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/resilience"
)

// DispatchRequest carries everything ProviderDispatcher needs for one
// invocation attempt: the assembled prompt, the working directory, the
// agent mode, and an optional resumable session handle.
type DispatchRequest struct {
	Prompt           string
	WorkingDirectory string
	AgentMode        string
	SessionHandle    string
}

// ProviderInvoker spawns a single provider's CLI as a child process.
// Adapted from the teacher's CommandTool.executeCommand (exec.CommandContext
// + CombinedOutput under a context timeout): the provider path here is
// resolved per-provider rather than validated against an allow-list,
// since the CLI binaries themselves are the trusted, operator-configured
// integration point, not arbitrary shell input.
type ProviderInvoker func(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error)

// ProviderDispatcher implements priority-ordered provider scan,
// breaker-aware skipping, subprocess dispatch with timeout, post-invocation
// error classification, and breaker-trip-and-fallback.
type ProviderDispatcher struct {
	breaker  *resilience.CircuitBreaker
	priority []string
	cliPaths map[string]string
	timeout  time.Duration
	invoke   ProviderInvoker
	logger   core.Logger
}

// NewProviderDispatcher builds a dispatcher over the given breaker and
// priority-ordered provider list (defaulting to core.DefaultProviderPriority
// when priority is nil). cliPaths maps provider name to subprocess binary
// path; a provider absent from the map is skipped as unconfigured.
func NewProviderDispatcher(
	breaker *resilience.CircuitBreaker,
	priority []string,
	cliPaths map[string]string,
	timeout time.Duration,
	logger core.Logger,
) *ProviderDispatcher {
	if priority == nil {
		priority = core.DefaultProviderPriority
	}
	if timeout <= 0 {
		timeout = core.DefaultProviderTimeout
	}
	return &ProviderDispatcher{
		breaker:  breaker,
		priority: priority,
		cliPaths: cliPaths,
		timeout:  timeout,
		invoke:   invokeProviderCLI,
		logger:   logger,
	}
}

// WithInvoker overrides the subprocess invocation function, for tests.
func (d *ProviderDispatcher) WithInvoker(invoke ProviderInvoker) *ProviderDispatcher {
	d.invoke = invoke
	return d
}

// Dispatch walks the priority list in order, skipping tripped breakers
// and unconfigured providers, invoking the first eligible one, and
// falling forward on classified failure. If every
// provider is unavailable or broken, it returns a synthetic FAILED
// result with allBroken=true so the caller can route into backoff
// rather than a fatal halt.
func (d *ProviderDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (result *core.ProviderResult, allBroken bool, err error) {
	for _, provider := range d.priority {
		cliPath, configured := d.cliPaths[provider]
		if !configured {
			continue
		}

		open, err := d.breaker.IsOpen(ctx, provider)
		if err != nil {
			return nil, false, err
		}
		if open {
			continue
		}

		invokeCtx, cancel := context.WithTimeout(ctx, d.timeout)
		res, invokeErr := d.invoke(invokeCtx, provider, cliPath, req)
		cancel()
		if invokeErr != nil {
			// Spawn failure: could not even start the process. Treated as
			// a non-classified failure that still falls through to the
			// next provider, matching the documented fallback behavior.
			if d.logger != nil {
				d.logger.Warn("provider spawn failed", map[string]interface{}{
					"provider": provider,
					"error":    invokeErr.Error(),
				})
			}
			continue
		}
		res.Provider = provider

		errType := ClassifyProviderError(provider, res.Stdout+res.Stderr)
		if errType == ErrorNone {
			return res, false, nil
		}

		if tripErr := d.breaker.Trip(ctx, provider, string(errType)); tripErr != nil {
			return nil, false, tripErr
		}
		// fall through to the next provider in priority order
	}

	return syntheticFailedResult(), true, nil
}

func syntheticFailedResult() *core.ProviderResult {
	return &core.ProviderResult{
		Status:   "failed",
		ExitCode: -1,
	}
}

// invokeProviderCLI is the default ProviderInvoker: runs the provider's
// CLI binary with the prompt on stdin, the working directory as CWD, and
// captures stdout and stderr separately (RawOutput is stdout), matching the teacher's
// CommandTool.executeCommand pattern but invoking the resolved binary
// directly rather than through a shell (no command injection surface:
// the prompt travels over stdin, never as an argv token built from
// untrusted text).
func invokeProviderCLI(ctx context.Context, provider, cliPath string, req DispatchRequest) (*core.ProviderResult, error) {
	args := []string{"--agent-mode", req.AgentMode}
	if req.SessionHandle != "" {
		args = append(args, "--session", req.SessionHandle)
	}

	cmd := exec.CommandContext(ctx, cliPath, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Stdin = bytes.NewBufferString(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, runErr
		}
	}

	return &core.ProviderResult{
		Provider:  provider,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		RawOutput: stdout.String(),
		Status:    statusFromExit(exitCode),
	}, nil
}

func statusFromExit(exitCode int) string {
	if exitCode == 0 {
		return "completed"
	}
	return "failed"
}
