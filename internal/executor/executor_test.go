package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/wire"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return New(checks.NewRegistry(), nil, t.TempDir())
}

func TestExecuteSync_Success(t *testing.T) {
	e := newTestExecutor(t)
	params, _ := json.Marshal(commandParams{Command: "echo hello"})
	cmd := wire.Command{ID: "c1", CommandType: wire.CommandCheck, Params: params, TimeoutSecs: 5}

	result, status := e.ExecuteSync(context.Background(), cmd)

	if status != wire.ResponseCompleted {
		t.Fatalf("status = %q, want %q", status, wire.ResponseCompleted)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestExecuteSync_NonZeroExit(t *testing.T) {
	e := newTestExecutor(t)
	params, _ := json.Marshal(commandParams{Command: "false"})
	cmd := wire.Command{ID: "c2", CommandType: wire.CommandCheck, Params: params, TimeoutSecs: 5}

	result, status := e.ExecuteSync(context.Background(), cmd)

	if status != wire.ResponseFailed {
		t.Fatalf("status = %q, want %q", status, wire.ResponseFailed)
	}
	if result.ExitCode == 0 {
		t.Fatal("exit code = 0, want non-zero")
	}
}

func TestExecuteSync_Timeout(t *testing.T) {
	e := newTestExecutor(t)
	params, _ := json.Marshal(commandParams{Command: "sleep 5"})
	cmd := wire.Command{ID: "c3", CommandType: wire.CommandCheck, Params: params, TimeoutSecs: 1}

	result, status := e.ExecuteSync(context.Background(), cmd)

	if status != wire.ResponseTimeout {
		t.Fatalf("status = %q, want %q", status, wire.ResponseTimeout)
	}
	if !result.TimedOut {
		t.Fatal("TimedOut = false, want true")
	}
}

func TestExecuteAsync_ReturnsJobIDAndWritesLog(t *testing.T) {
	dir := t.TempDir()
	e := New(checks.NewRegistry(), nil, dir)

	params, _ := json.Marshal(commandParams{Command: "echo detached-output"})
	cmd := wire.Command{ID: "c4", CommandType: wire.CommandStart, Params: params}

	jobID, err := e.ExecuteAsync(cmd, nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	if jobID == "" {
		t.Fatal("jobID is empty")
	}

	logPath := filepath.Join(dir, jobID+".log")
	// The log file is opened before Start(), so it must exist immediately
	// even if the detached child hasn't flushed output to it yet.
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected job log at %q: %v", logPath, err)
	}
}

func TestExecuteAsync_DeliversTerminalCompletionOnExit(t *testing.T) {
	e := newTestExecutor(t)
	params, _ := json.Marshal(commandParams{Command: "echo done"})
	cmd := wire.Command{ID: "c5", CommandType: wire.CommandStart, Params: params}

	done := make(chan AsyncCompletion, 1)
	jobID, err := e.ExecuteAsync(cmd, func(c AsyncCompletion) { done <- c })
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}

	select {
	case completion := <-done:
		if completion.JobID != jobID {
			t.Errorf("JobID = %q, want %q", completion.JobID, jobID)
		}
		if completion.Status != wire.ResponseCompleted {
			t.Errorf("Status = %q, want %q", completion.Status, wire.ResponseCompleted)
		}
		if completion.Result.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", completion.Result.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onComplete callback")
	}
}

func TestExecuteAsync_DeliversFailedCompletionOnNonZeroExit(t *testing.T) {
	e := newTestExecutor(t)
	params, _ := json.Marshal(commandParams{Command: "false"})
	cmd := wire.Command{ID: "c6", CommandType: wire.CommandStart, Params: params}

	done := make(chan AsyncCompletion, 1)
	if _, err := e.ExecuteAsync(cmd, func(c AsyncCompletion) { done <- c }); err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}

	select {
	case completion := <-done:
		if completion.Status != wire.ResponseFailed {
			t.Errorf("Status = %q, want %q", completion.Status, wire.ResponseFailed)
		}
		if completion.Result.ExitCode == 0 {
			t.Error("ExitCode = 0, want non-zero")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onComplete callback")
	}
}
