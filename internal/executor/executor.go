// Package executor runs commands on behalf of the Gateway/Backend. Two
// execution modes exist: synchronous (command types "check" and "native"),
// which capture output and return a single terminal result, and
// asynchronous (command types "start", "stop", "restart", "action"), which
// spawn a fully detached process and return immediately with a job id.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// DefaultJobLogDir is where detached job stdout/stderr is redirected.
const DefaultJobLogDir = "/var/log/opsmap/jobs"

// Executor dispatches Commands to their sync or async execution path.
type Executor struct {
	checks    *checks.Registry
	logger    *slog.Logger
	jobLogDir string
}

// New creates an Executor. jobLogDir defaults to DefaultJobLogDir when
// empty.
func New(registry *checks.Registry, logger *slog.Logger, jobLogDir string) *Executor {
	if jobLogDir == "" {
		jobLogDir = DefaultJobLogDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{checks: registry, logger: logger, jobLogDir: jobLogDir}
}

// commandParams is the params shape shared by shell-executed command types.
type commandParams struct {
	Command   string          `json:"command"`
	Args      []string        `json:"args,omitempty"`
	RunAsUser string          `json:"run_as_user,omitempty"`
	CheckType string          `json:"check_type,omitempty"` // used by command_type == "native"
	Config    json.RawMessage `json:"config,omitempty"`     // used by command_type == "native"
}

// ExecuteSync runs a "check" or "native" command to completion, honouring
// cmd.TimeoutSecs, and returns the terminal CommandResult.
func (e *Executor) ExecuteSync(ctx context.Context, cmd wire.Command) (wire.CommandResult, string) {
	var p commandParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return wire.CommandResult{ExitCode: -1}, wire.ResponseFailed
		}
	}

	timeout := time.Duration(cmd.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cmd.CommandType == wire.CommandNative {
		start := time.Now()
		res := e.checks.Run(runCtx, p.CheckType, p.Config)
		result := wire.CommandResult{
			DurationMs: time.Since(start).Milliseconds(),
		}
		if res.Status == wire.StatusOK {
			result.ExitCode = 0
		} else {
			result.ExitCode = 1
		}
		result.Stdout = res.Message
		status := wire.ResponseCompleted
		if res.Status == wire.StatusError {
			status = wire.ResponseFailed
		}
		return result, status
	}

	return e.executeShell(runCtx, p)
}

// executeShell runs p.Command under "sh -c", capturing stdout and stderr
// concurrently to avoid pipe-buffer deadlock, honouring ctx's deadline.
func (e *Executor) executeShell(ctx context.Context, p commandParams) (wire.CommandResult, string) {
	if p.Command == "" {
		return wire.CommandResult{ExitCode: -1}, wire.ResponseFailed
	}

	full := p.Command
	for _, a := range p.Args {
		full += " " + a
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", full)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := ctx.Err() == context.DeadlineExceeded

	result := wire.CommandResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
		TimedOut:   timedOut,
	}

	status := wire.ResponseCompleted
	switch {
	case timedOut:
		result.ExitCode = -1
		status = wire.ResponseTimeout
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		status = wire.ResponseFailed
	default:
		result.ExitCode = 0
	}

	return result, status
}

// AsyncCompletion is the terminal outcome of a detached job, delivered once
// the spawned process exits. onComplete callbacks passed to ExecuteAsync
// receive one of these.
type AsyncCompletion struct {
	JobID  string
	Result wire.CommandResult
	Status string
}

// ExecuteAsync spawns a fully detached process for "start"/"stop"/
// "restart"/"action" command types and returns its job id immediately. The
// spawned process outlives this call, this agent process, and survives the
// agent being killed: it is given its own session (SysProcAttr.Setsid),
// which detaches it from any controlling terminal and means it never
// receives a SIGHUP when a parent session leader exits — the combined
// effect of the reference fork/setsid/fork sequence this is adapted from
// (see design notes on the detachment protocol).
//
// onComplete, if non-nil, is invoked exactly once from a background
// goroutine when the detached process exits, carrying the terminal
// CommandResponse the caller owes the two-response async protocol. It must
// not block for long: the reaper goroutine blocks on it before moving on.
func (e *Executor) ExecuteAsync(cmd wire.Command, onComplete func(AsyncCompletion)) (jobID string, err error) {
	var p commandParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return "", fmt.Errorf("executor: invalid params: %w", err)
		}
	}
	if p.Command == "" {
		return "", fmt.Errorf("executor: command is required for async execution")
	}

	jobID = uuid.NewString()

	if err := os.MkdirAll(e.jobLogDir, 0o755); err != nil {
		return "", fmt.Errorf("executor: create job log dir: %w", err)
	}
	logPath := filepath.Join(e.jobLogDir, jobID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("executor: open job log %q: %w", logPath, err)
	}
	defer logFile.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("executor: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	full := p.Command
	for _, a := range p.Args {
		full += " " + a
	}

	proc := exec.Command("/bin/sh", "-c", full)
	proc.Stdin = devNull
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.Dir = "/"
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if p.RunAsUser != "" {
		cred, err := credentialFor(p.RunAsUser)
		if err != nil {
			return "", fmt.Errorf("executor: resolve run_as_user %q: %w", p.RunAsUser, err)
		}
		proc.SysProcAttr.Credential = cred
	}

	// Narrowest achievable approximation of a per-child umask without a raw
	// fork: apply process-wide, start, then restore immediately. POSIX
	// umask has no per-child scope outside of an actual fork.
	prevUmask := syscall.Umask(0)
	startErr := proc.Start()
	syscall.Umask(prevUmask)
	if startErr != nil {
		return "", fmt.Errorf("executor: spawn detached job: %w", startErr)
	}

	// Reap in the background without blocking the caller. The job's exit
	// still owes the dispatcher a terminal response under the two-response
	// async protocol, so its outcome is captured and handed to onComplete
	// rather than discarded.
	start := time.Now()
	go func() {
		waitErr := proc.Wait()
		duration := time.Since(start)

		result := wire.CommandResult{DurationMs: duration.Milliseconds(), JobID: jobID}
		status := wire.ResponseCompleted
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
			} else {
				result.ExitCode = -1
			}
			status = wire.ResponseFailed
		}

		e.logger.Info("executor: detached job exited",
			slog.String("job_id", jobID),
			slog.Int("exit_code", result.ExitCode),
			slog.String("status", status),
		)

		if onComplete != nil {
			onComplete(AsyncCompletion{JobID: jobID, Result: result, Status: status})
		}
	}()

	e.logger.Info("executor: detached job started",
		slog.String("job_id", jobID),
		slog.String("command", p.Command),
		slog.String("log_path", logPath),
	)

	return jobID, nil
}

// credentialFor resolves username to a syscall.Credential with Gid set
// alongside Uid so the kernel applies both atomically during execve,
// preserving the "group before user" ordering requirement of the original
// detachment protocol.
func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
