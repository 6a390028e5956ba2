package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fernridge/conductor/core"
)

// readOnlyShellVerbs is the fixed whitelist of commands the helper agent
// may execute directly. Adapted from the teacher's CommandTool allow-list
// (tools/command.go): same "extract the base command, reject anything
// not on the list" shape, narrowed to a fixed read-only verb set instead
// of an operator-configurable one.
var readOnlyShellVerbs = map[string]bool{
	"ls": true, "find": true, "grep": true, "cat": true, "head": true,
	"tail": true, "wc": true, "file": true, "stat": true, "test": true,
	"[": true, "readlink": true, "pwd": true, "basename": true, "dirname": true,
}

var excludedListingDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, ".cache": true, "target": true,
}

// HelperResponse is the JSON contract the helper agent must return.
type HelperResponse struct {
	IsValid              bool     `json:"isValid"`
	VerificationCommands []string `json:"verificationCommands"`
	Reasoning            string   `json:"reasoning,omitempty"`
}

// CommandOutcome records one whitelisted verification command's result,
// captured for the audit log.
type CommandOutcome struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// HelperAgentDriver implements the read-only helper fallback path: enumerate the
// working directory, ask a helper session to verify the failed criteria
// read-only, and either trust its isValid verdict or execute its
// emitted whitelisted commands directly.
type HelperAgentDriver struct {
	dispatcher    *ProviderDispatcher
	promptBuilder PromptBuilder
}

// NewHelperAgentDriver builds a driver over the shared ProviderDispatcher
// and PromptBuilder (the helper dispatches under a distinct
// `helper:<feature_id>` session, using the same
// dispatcher as the primary task flow).
func NewHelperAgentDriver(dispatcher *ProviderDispatcher, promptBuilder PromptBuilder) *HelperAgentDriver {
	return &HelperAgentDriver{dispatcher: dispatcher, promptBuilder: promptBuilder}
}

// EnumerateFiles walks workingDirectory depth-first, excluding dependency
// and build directories, capped at core.HelperFileListingCap entries.
func EnumerateFiles(workingDirectory string) ([]string, error) {
	var files []string
	err := filepath.Walk(workingDirectory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the listing
		}
		if len(files) >= core.HelperFileListingCap {
			return filepath.SkipDir
		}
		if info.IsDir() {
			if excludedListingDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(workingDirectory, path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		if len(files) >= core.HelperFileListingCap {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return files, err
	}
	return files, nil
}

// Verify runs the helper fallback for one failed validation: it builds
// and dispatches a helper prompt, and if the helper does not directly
// confirm validity, executes its emitted read-only commands.
func (h *HelperAgentDriver) Verify(ctx context.Context, req PromptRequest, workingDirectory, featureID string) (valid bool, outcomes []CommandOutcome, err error) {
	prompt, err := h.promptBuilder.BuildPrompt(ctx, req)
	if err != nil {
		return false, nil, err
	}

	result, allBroken, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		Prompt:           prompt,
		WorkingDirectory: workingDirectory,
		AgentMode:        "helper",
		SessionHandle:    "helper:" + featureID,
	})
	if err != nil {
		return false, nil, err
	}
	if allBroken {
		return false, nil, fmt.Errorf("all providers unavailable for helper verification")
	}

	trailer, parseErr := parseHelperResponse(result.RawOutput)
	if parseErr != nil {
		return false, nil, parseErr
	}

	if trailer.IsValid {
		return true, nil, nil
	}

	outcomes = make([]CommandOutcome, 0, len(trailer.VerificationCommands))
	allPassed := true
	for _, command := range trailer.VerificationCommands {
		outcome, execErr := executeWhitelistedCommand(ctx, command, workingDirectory)
		outcomes = append(outcomes, outcome)
		if execErr != nil || outcome.ExitCode != 0 {
			allPassed = false
		}
	}
	if len(trailer.VerificationCommands) == 0 {
		allPassed = false
	}
	return allPassed, outcomes, nil
}

func parseHelperResponse(raw string) (*HelperResponse, error) {
	jsonText, parseErr := extractJSONTrailerText(raw, []string{"isValid", "verificationCommands"})
	if parseErr != "" {
		return nil, fmt.Errorf("helper response failed output parsing: %s", parseErr)
	}
	var resp HelperResponse
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil, fmt.Errorf("helper response failed output parsing: %s", ErrMalformedOutput)
	}
	return &resp, nil
}

func executeWhitelistedCommand(ctx context.Context, command, workingDirectory string) (CommandOutcome, error) {
	verb := baseVerb(command)
	if !readOnlyShellVerbs[verb] {
		return CommandOutcome{Command: command, Output: "rejected: verb not in read-only allow-list", ExitCode: -1},
			fmt.Errorf("command verb %q is not allowed", verb)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDirectory
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return CommandOutcome{Command: command, Output: out.String(), ExitCode: -1}, runErr
		}
	}
	return CommandOutcome{Command: command, Output: out.String(), ExitCode: exitCode}, nil
}

func baseVerb(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
