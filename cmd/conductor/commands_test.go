package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// newTestCLI builds a CLI pointed at an isolated in-process miniredis
// instance, matching the orchestration package's own
// setupDispatcherTestRedis-style harness: no network, no mocks of the
// storage layer itself.
func newTestCLI(t *testing.T) *CLI {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("split miniredis addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	return &CLI{
		RedisHost:   host,
		RedisPort:   port,
		StateDB:     0,
		QueueDB:     1,
		StateKey:    "supervisor:state",
		QueueName:   "tasks",
		SandboxRoot: t.TempDir(),
	}
}

func TestInitStateCmdWritesInitialState(t *testing.T) {
	cli := newTestCLI(t)
	cmd := &InitStateCmd{ExecutionMode: "AUTO"}
	if err := cmd.Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}

	status := &StatusCmd{}
	if err := status.Run(cli); err != nil {
		t.Fatalf("status after init-state: %v", err)
	}
}

func TestInitStateCmdFailsIfStateAlreadyExists(t *testing.T) {
	cli := newTestCLI(t)
	cmd := &InitStateCmd{ExecutionMode: "AUTO"}
	if err := cmd.Run(cli); err != nil {
		t.Fatalf("first init-state: %v", err)
	}
	if err := cmd.Run(cli); err == nil {
		t.Fatal("expected second init-state to fail, got nil")
	}
}

func TestSetGoalCmdPersistsGoal(t *testing.T) {
	cli := newTestCLI(t)
	if err := (&InitStateCmd{ExecutionMode: "AUTO"}).Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}

	goal := &SetGoalCmd{Description: "implement greet", ProjectID: "demo"}
	if err := goal.Run(cli); err != nil {
		t.Fatalf("set-goal: %v", err)
	}

	sup, err := buildSupervisor(cli)
	if err != nil {
		t.Fatalf("build supervisor: %v", err)
	}
	defer sup.Close()

	state, err := sup.state.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Goal.Description != "implement greet" || state.Goal.ProjectID != "demo" {
		t.Fatalf("unexpected goal: %+v", state.Goal)
	}
}

func TestSetGoalCmdWithoutStateFails(t *testing.T) {
	cli := newTestCLI(t)
	goal := &SetGoalCmd{Description: "implement greet"}
	err := goal.Run(cli)
	if err == nil {
		t.Fatal("expected set-goal without prior init-state to fail")
	}
	if code, ok := err.(exitCoder); !ok || code.ExitCode() != ExitStateNotFound {
		t.Fatalf("expected ExitStateNotFound, got %v", err)
	}
}

func TestHaltAndResumeCmd(t *testing.T) {
	cli := newTestCLI(t)
	if err := (&InitStateCmd{ExecutionMode: "AUTO"}).Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}

	if err := (&HaltCmd{Reason: "manual stop"}).Run(cli); err != nil {
		t.Fatalf("halt: %v", err)
	}
	sup, err := buildSupervisor(cli)
	if err != nil {
		t.Fatalf("build supervisor: %v", err)
	}
	state, err := sup.state.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Supervisor.Status != "HALTED" {
		t.Fatalf("expected HALTED, got %s", state.Supervisor.Status)
	}
	sup.Close()

	if err := (&ResumeCmd{}).Run(cli); err != nil {
		t.Fatalf("resume: %v", err)
	}
	sup, err = buildSupervisor(cli)
	if err != nil {
		t.Fatalf("build supervisor: %v", err)
	}
	defer sup.Close()
	state, err = sup.state.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Supervisor.Status != "RUNNING" || state.Supervisor.HaltReason != "" {
		t.Fatalf("expected resumed RUNNING state, got %+v", state.Supervisor)
	}
}

func TestEnqueueCmdAcceptsSingleAndArrayTaskFiles(t *testing.T) {
	cli := newTestCLI(t)
	if err := (&InitStateCmd{ExecutionMode: "AUTO"}).Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}

	single := t.TempDir() + "/single.json"
	writeFile(t, single, `{"task_id":"t1","instructions":"do it","acceptance_criteria":["works"]}`)
	if err := (&EnqueueCmd{TaskFile: single}).Run(cli); err != nil {
		t.Fatalf("enqueue single: %v", err)
	}

	many := t.TempDir() + "/many.json"
	writeFile(t, many, `[
		{"task_id":"t2","instructions":"do it","acceptance_criteria":["works"]},
		{"task_id":"t3","instructions":"do it","acceptance_criteria":["works"]}
	]`)
	if err := (&EnqueueCmd{TaskFile: many}).Run(cli); err != nil {
		t.Fatalf("enqueue array: %v", err)
	}

	sup, err := buildSupervisor(cli)
	if err != nil {
		t.Fatalf("build supervisor: %v", err)
	}
	defer sup.Close()
	length, err := sup.queue.Length(context.Background())
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", length)
	}
}

func TestEnqueueCmdRejectsTaskMissingRequiredFields(t *testing.T) {
	cli := newTestCLI(t)
	if err := (&InitStateCmd{ExecutionMode: "AUTO"}).Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}

	path := t.TempDir() + "/bad.json"
	writeFile(t, path, `{"task_id":"t1"}`)
	err := (&EnqueueCmd{TaskFile: path}).Run(cli)
	if err == nil {
		t.Fatal("expected enqueue of incomplete task to fail")
	}
	if code, ok := err.(exitCoder); !ok || code.ExitCode() != ExitUsageError {
		t.Fatalf("expected ExitUsageError, got %v", err)
	}
}

func TestMetricsCmdReportsQueueAndBreakerState(t *testing.T) {
	cli := newTestCLI(t)
	if err := (&InitStateCmd{ExecutionMode: "AUTO"}).Run(cli); err != nil {
		t.Fatalf("init-state: %v", err)
	}
	taskFile := t.TempDir() + "/task.json"
	writeFile(t, taskFile, `{"task_id":"t1","instructions":"do it","acceptance_criteria":["works"]}`)
	if err := (&EnqueueCmd{TaskFile: taskFile}).Run(cli); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := (&MetricsCmd{}).Run(cli); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
