// Package assistant – executor.go runs shell commands on the host after the
// command guard has had its say.
//
// Every code path produces an ExecResult; the executor never returns a Go
// error for a command that merely failed, timed out, or was denied. Denial
// is the fail-closed default: a flagged command with no way to ask the user
// does not run.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ExitTimedOut is the sentinel exit code for wall-clock timeouts, matching
// the conventional timeout(1) value.
const ExitTimedOut = 124

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Denied   bool   `json:"denied"`
}

// ExecRequest describes one command to run.
type ExecRequest struct {
	Command string
	// Cwd is the working directory; empty means inherit.
	Cwd string
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
	// RequireSafeCwd denies the request when Cwd resolves outside the
	// workspace.
	RequireSafeCwd bool
	// Confirm answers needs_confirmation decisions. Nil denies.
	Confirm ConfirmFunc
}

// HostExecutor runs guarded shell commands.
type HostExecutor struct {
	guard          *CommandGuard
	workspace      string
	defaultTimeout time.Duration
	maxOutputBytes int
	maxResultChars int
	logger         *slog.Logger
}

// NewHostExecutor wires a guard and output limits into an executor.
func NewHostExecutor(guard *CommandGuard, workspace string, cfg ExecConfig, logger *slog.Logger) *HostExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostExecutor{
		guard:          guard,
		workspace:      workspace,
		defaultTimeout: cfg.ExecTimeout(),
		maxOutputBytes: cfg.MaxOutputBytes,
		maxResultChars: cfg.MaxResultChars,
		logger:         logger.With("component", "host_executor"),
	}
}

// Execute classifies, confirms when needed, and runs the command.
func (e *HostExecutor) Execute(ctx context.Context, req ExecRequest) ExecResult {
	decision, reason := e.guard.Classify(req.Command)

	switch decision {
	case DecisionBlocked:
		e.logger.Warn("command blocked", "command", req.Command, "reason", reason)
		return denied(fmt.Sprintf("command blocked: %s", reason))

	case DecisionNeedsConfirmation:
		if req.Confirm == nil {
			e.logger.Warn("command denied, no confirmation channel", "command", req.Command)
			return denied(fmt.Sprintf("command requires confirmation (%s) and no approver is available", reason))
		}
		approved, err := req.Confirm(ctx, req.Command, reason)
		if err != nil {
			e.logger.Warn("confirmation failed, denying", "command", req.Command, "error", err)
			return denied(fmt.Sprintf("confirmation failed: %v", err))
		}
		if !approved {
			e.logger.Info("command denied by user", "command", req.Command)
			return denied("command denied by user")
		}
	}

	if req.RequireSafeCwd && req.Cwd != "" {
		if !e.insideWorkspace(req.Cwd) {
			return denied(fmt.Sprintf("working directory %q is outside the workspace", req.Cwd))
		}
	}

	return e.run(ctx, req)
}

func (e *HostExecutor) run(ctx context.Context, req ExecRequest) ExecResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", req.Command)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killProcessGroup(cmd.Process.Pid)
	}

	stdout := newCappedBuffer(e.maxOutputBytes)
	stderr := newCappedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		e.logger.Warn("command timed out", "command", req.Command, "timeout", timeout)
		return ExecResult{
			Stdout:   e.clip(stdout.String(), stdout.Omitted()),
			Stderr:   fmt.Sprintf("command timed out after %v", timeout),
			ExitCode: ExitTimedOut,
			TimedOut: true,
		}
	}

	result := ExecResult{
		Stdout: e.clip(stdout.String(), stdout.Omitted()),
		Stderr: e.clip(stderr.String(), stderr.Omitted()),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The shell never started. Shape it like a denial so the
			// caller sees a result, not a crash.
			e.logger.Error("spawn failed", "command", req.Command, "error", err)
			return denied(fmt.Sprintf("failed to start command: %v", err))
		}
	}

	e.logger.Debug("command finished",
		"exit_code", result.ExitCode,
		"duration", elapsed.Round(time.Millisecond),
		"stdout_bytes", stdout.Len(),
		"stderr_bytes", stderr.Len(),
	)
	return result
}

func (e *HostExecutor) insideWorkspace(dir string) bool {
	absWorkspace, err := filepath.Abs(e.workspace)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absWorkspace, absDir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// clip enforces the char cap on a captured stream. omittedBytes counts what
// the capped buffer already dropped at capture time.
func (e *HostExecutor) clip(s string, omittedBytes int) string {
	omitted := omittedBytes
	if e.maxResultChars > 0 && len(s) > e.maxResultChars {
		omitted += len(s) - e.maxResultChars
		s = s[:e.maxResultChars]
	}
	if omitted > 0 {
		s += fmt.Sprintf("\n... [%d chars omitted]", omitted)
	}
	return s
}

func denied(msg string) ExecResult {
	return ExecResult{Stderr: msg, ExitCode: 1, Denied: true}
}

// ── capped buffer ──

// cappedBuffer keeps the first max bytes written and counts the rest. It
// never blocks or errors, so a chatty child cannot stall on a full pipe.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	omitted int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
		b.omitted += len(p) - room
	} else {
		b.omitted += len(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *cappedBuffer) Omitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.omitted
}
