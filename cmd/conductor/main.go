// Command conductor is the operator CLI for the control-plane
// supervisor: it initializes persisted state, manages the goal and task
// queue, and drives or inspects the control loop.
//
// Usage (the connection flags are required on every command; $CONN stands
// for them below):
//
//	CONN="--redis-host localhost --redis-port 6379 --state-db 0 \
//	    --queue-db 1 --state-key conductor:state --queue-name tasks"
//	conductor init-state $CONN --execution-mode AUTO
//	conductor set-goal $CONN --description "Implement greet" --project-id demo
//	conductor enqueue $CONN --task-file tasks.json
//	conductor start $CONN
//	conductor status $CONN
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/fernridge/conductor"
)

// installSignalHandler cancels cancel on SIGINT/SIGTERM so "start" can
// persist its last-known state before exiting instead of being killed
// mid-iteration.
func installSignalHandler(cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}

// Process exit codes. 0 and 1 are fixed by the external interface; the
// rest are reserved to let an operator's monitoring distinguish a
// missing state key from a persist failure without parsing stderr.
const (
	ExitOK            = 0
	ExitHalted        = 1
	ExitStateNotFound = 2
	ExitPersistFailed = 3
	ExitUsageError    = 64
)

// CLI is the root command set. Connection parameters are required on
// every subcommand — there are no implicit Redis defaults — except
// SandboxRoot, which defaults to "./sandbox".
type CLI struct {
	RedisHost string `help:"Redis host." required:""`
	RedisPort int    `help:"Redis port." required:""`
	StateDB   int    `name:"state-db" help:"Redis DB index for the state key." required:""`
	QueueDB   int    `name:"queue-db" help:"Redis DB index for the task queue (must differ from state-db)." required:""`
	StateKey  string `help:"Key holding the persisted state blob." required:""`
	QueueName string `help:"List key used by the task queue." required:""`

	SandboxRoot string `help:"Root directory for project sandboxes, audit logs, and prompt logs." default:"./sandbox"`
	PolicyFile  string `name:"policy-file" help:"Optional YAML file overriding policy defaults (provider priority, helper mode, session caps, logging)." type:"path"`

	InitState InitStateCmd `cmd:"" name:"init-state" help:"Write the initial supervisor state; fails if the state key already exists."`
	SetGoal   SetGoalCmd   `cmd:"" name:"set-goal" help:"Set or replace the operator's goal."`
	Enqueue   EnqueueCmd   `cmd:"" help:"Enqueue one or more tasks from a JSON file."`
	Halt      HaltCmd      `cmd:"" help:"Halt the supervisor (operator-initiated)."`
	Resume    ResumeCmd    `cmd:"" help:"Resume a halted supervisor."`
	Start     StartCmd     `cmd:"" help:"Run the control loop until halt or completion."`
	Status    StatusCmd    `cmd:"" help:"Print a human-readable summary of the persisted state."`
	Metrics   MetricsCmd   `cmd:"" help:"Print queue depth, breaker state, and retry counters."`
	Version   VersionCmd   `cmd:"" help:"Print version information."`
}

// VersionCmd prints the supervisor's build metadata.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("conductor %s (protocol %s, commit %s, built %s)\n",
		conductor.Version, conductor.ProtocolVersion, conductor.GitCommit, conductor.BuildDate)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Operator CLI for the deterministic control-plane supervisor."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	if err == nil {
		os.Exit(ExitOK)
	}

	fmt.Fprintln(os.Stderr, err)
	if code, ok := err.(exitCoder); ok {
		os.Exit(code.ExitCode())
	}
	os.Exit(ExitHalted)
}

// exitCoder lets a command's Run error carry a specific exit code
// instead of the default operator-halt code 1.
type exitCoder interface {
	error
	ExitCode() int
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) ExitCode() int { return e.code }
func (e *cliError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}
