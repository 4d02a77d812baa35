package tools

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
)

const defaultLogLimit = 200

type execOutput struct {
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

type logsOutput struct {
	Process domain.ManagedProcess `json:"process"`
	Entries []domain.LogEntry     `json:"entries"`
	NextSeq int64                 `json:"next_seq"`
}

type listProcessesOutput struct {
	Processes []domain.ManagedProcess `json:"processes"`
}

// prepareCommand confines cwd and checks the command line against the guard.
// It returns the resolved directory and its workspace-relative form.
func (t *Toolbox) prepareCommand(runID, cwd, command string, args []string) (string, string, error) {
	if sandbox.IsAbsolute(cwd) {
		return "", "", fmt.Errorf("%w: absolute cwd %q", sandbox.ErrPathEscape, cwd)
	}
	ws, err := t.sandbox.Workspace(runID)
	if err != nil {
		return "", "", err
	}
	dir, err := ws.Resolve(cwd)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", "", fmt.Errorf("%w: cwd %q", sandbox.ErrNotFound, cwd)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%w: cwd %q is not a directory", ErrInvalidInput, cwd)
	}
	rel := ws.Rel(dir)
	if err := t.guard.Check(ws, rel, command, args); err != nil {
		return "", "", err
	}
	return dir, rel, nil
}

// execTimeout picks the explicit input timeout, then the caller budget, then
// the default, never exceeding the configured maximum.
func (t *Toolbox) execTimeout(in ProcessExecInput, call *Call) time.Duration {
	timeout := t.limits.ExecTimeout
	if call.Timeout > 0 {
		timeout = call.Timeout
	}
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	if t.limits.ExecTimeoutMax > 0 && timeout > t.limits.ExecTimeoutMax {
		timeout = t.limits.ExecTimeoutMax
	}
	return timeout
}

func (t *Toolbox) processExec(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(ProcessExecInput)
	dir, _, err := t.prepareCommand(call.RunID, in.Cwd, in.Command, in.Args)
	if err != nil {
		return nil, err
	}
	res, err := process.Exec(ctx, process.ExecSpec{
		Command:     in.Command,
		Args:        in.Args,
		Dir:         dir,
		Timeout:     t.execTimeout(in, call),
		OutputLimit: t.limits.OutputLimit,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: execOutput{
		ExitCode:   res.ExitCode,
		Signal:     res.Signal,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.Duration.Milliseconds(),
	}}, nil
}

func (t *Toolbox) processStart(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(ProcessStartInput)
	dir, rel, err := t.prepareCommand(call.RunID, in.Cwd, in.Command, in.Args)
	if err != nil {
		return nil, err
	}
	proc, err := t.processes.Start(process.StartSpec{
		RunID:   call.RunID,
		Command: in.Command,
		Args:    in.Args,
		Dir:     dir,
		Cwd:     rel,
	})
	if err != nil {
		return nil, &domain.ToolFailure{
			ReasonCode:  domain.ReasonExecutionError,
			Message:     "failed to start process",
			Diagnostics: map[string]any{"process_id": proc.ProcessID},
			Err:         err,
		}
	}
	return &Result{Output: proc}, nil
}

func (t *Toolbox) processStatus(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(ProcessStatusInput)
	proc, err := t.processes.Get(call.RunID, in.ProcessID)
	if err != nil {
		return nil, err
	}
	return &Result{Output: proc}, nil
}

func (t *Toolbox) processLogs(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(ProcessLogsInput)
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	entries, proc, err := t.processes.Logs(call.RunID, in.ProcessID, in.AfterSeq, limit)
	if err != nil {
		return nil, err
	}
	next := in.AfterSeq
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	return &Result{Output: logsOutput{Process: proc, Entries: entries, NextSeq: next}}, nil
}

func (t *Toolbox) processStop(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(ProcessStopInput)
	proc, err := t.processes.Stop(ctx, call.RunID, in.ProcessID, in.Force)
	if err != nil {
		return nil, err
	}
	return &Result{Output: proc}, nil
}

func (t *Toolbox) processList(ctx context.Context, call *Call) (*Result, error) {
	return &Result{Output: listProcessesOutput{Processes: t.processes.List(call.RunID)}}, nil
}
