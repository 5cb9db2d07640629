// Package executor runs the sound server's command-line tools with a bounded wait.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/GiGurra/cmder"
)

// DefaultTimeout bounds every command so a hung tool never stalls the poll loop.
const DefaultTimeout = 2 * time.Second

// Runner is what the poller and the commander need from an executor.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Kind classifies an execution failure.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindNonZeroExit
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNonZeroExit:
		return "non_zero_exit"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *ExecError.
var (
	ErrNotFound    = errors.New("command not found")
	ErrNonZeroExit = errors.New("command exited with failure status")
	ErrTimeout     = errors.New("command timed out")
)

// ExecError describes a failed command.
type ExecError struct {
	Kind    Kind
	Command string
	// Code is the exit status for KindNonZeroExit, -1 when it could not be recovered.
	Code   int
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", e.Command)
	switch e.Kind {
	case KindNotFound:
		b.WriteString("not found in PATH")
	case KindNonZeroExit:
		fmt.Fprintf(&b, "exit status %d", e.Code)
	case KindTimeout:
		b.WriteString("timed out")
	default:
		b.WriteString("failed")
	}
	if e.Err != nil && e.Kind != KindNonZeroExit {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, ": %s", out)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *ExecError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNonZeroExit:
		return e.Kind == KindNonZeroExit
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// Executor spawns commands and captures their standard output.
type Executor struct {
	timeout  time.Duration
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// New returns an Executor. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		timeout:  timeout,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Timeout reports the per-command wait bound.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Run executes name with args and returns its standard output.
//
// The process is killed and reaped when the timeout elapses or ctx is canceled.
// Failures are *ExecError, except parent cancellation which returns ctx.Err().
func (e *Executor) Run(ctx context.Context, name string, args ...string) (string, error) {
	command := strings.Join(append([]string{name}, args...), " ")

	if _, err := e.lookPath(name); err != nil {
		return "", &ExecError{Kind: KindNotFound, Command: command, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	result := cmder.New(append([]string{name}, args...)...).
		WithAttemptTimeout(e.timeout).
		Run(runCtx)
	e.logger.Debug("command finished", "command", command, "elapsed", time.Since(started), "error", result.Err)

	if result.Err == nil {
		return result.StdOut, nil
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("%s: %w", command, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(result.Err, context.DeadlineExceeded) {
		return "", &ExecError{Kind: KindTimeout, Command: command, Err: result.Err}
	}
	if errors.Is(result.Err, exec.ErrNotFound) {
		return "", &ExecError{Kind: KindNotFound, Command: command, Err: result.Err}
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(result.Err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return "", &ExecError{
		Kind:    KindNonZeroExit,
		Command: command,
		Code:    code,
		Output:  result.Combined,
		Err:     result.Err,
	}
}
