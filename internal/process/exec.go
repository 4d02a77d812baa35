package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ExecSpec describes a synchronous command run.
type ExecSpec struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string
	Timeout     time.Duration
	OutputLimit int64
}

// ExecResult is the buffered outcome of a command that ran to completion.
type ExecResult struct {
	ExitCode int
	Signal   string
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// outputBudget is shared by stdout and stderr so the ceiling applies to
// their combined size.
type outputBudget struct {
	mu       sync.Mutex
	limit    int64
	used     int64
	exceeded bool
	onExceed func()
}

type budgetWriter struct {
	budget *outputBudget
	buf    bytes.Buffer
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	b := w.budget
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return len(p), nil
	}
	if b.limit > 0 && b.used+int64(len(p)) > b.limit {
		w.buf.Write(p[:b.limit-b.used])
		b.used = b.limit
		b.exceeded = true
		b.onExceed()
		return len(p), nil
	}
	b.used += int64(len(p))
	w.buf.Write(p)
	return len(p), nil
}

// Exec runs a command to completion. A timeout or an output ceiling breach
// kills the whole process group and returns ErrTimeout or ErrOutputLimit
// with no partial result. A nonzero exit status is not an error.
func Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if spec.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, spec.Timeout, ErrTimeout)
		defer cancelTimeout()
	}

	budget := &outputBudget{limit: spec.OutputLimit, onExceed: func() { cancel(ErrOutputLimit) }}
	stdout := &budgetWriter{budget: budget}
	stderr := &budgetWriter{budget: budget}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		return killCommandProcess(cmd)
	}
	// Grandchildren holding the pipes open must not stall Wait forever.
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	budget.mu.Lock()
	exceeded := budget.exceeded
	budget.mu.Unlock()
	if err := interruption(err, context.Cause(ctx), exceeded, spec); err != nil {
		return nil, err
	}

	result := &ExecResult{
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.buf.String(),
		Duration: duration,
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
	case errors.As(err, &exitErr):
	default:
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		result.Signal = exitSignal(cmd.ProcessState)
	}
	return result, nil
}

// interruption reports why a run must not count as completed. An output
// breach always fails; otherwise a run that returned no error completed, even
// if its deadline passed before the check.
func interruption(runErr, cause error, outputExceeded bool, spec ExecSpec) error {
	if outputExceeded {
		return fmt.Errorf("%w: more than %d bytes", ErrOutputLimit, spec.OutputLimit)
	}
	if runErr == nil || cause == nil {
		return nil
	}
	switch {
	case errors.Is(cause, ErrOutputLimit):
		return fmt.Errorf("%w: more than %d bytes", ErrOutputLimit, spec.OutputLimit)
	case errors.Is(cause, ErrTimeout):
		return fmt.Errorf("%w: after %s", ErrTimeout, spec.Timeout)
	default:
		return fmt.Errorf("command interrupted: %w", cause)
	}
}
