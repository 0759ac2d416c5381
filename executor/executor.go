package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/projecteru2/sprout/types"
)

// Command is one host command. Args are passed as argv; executors that
// need a shell line quote them with shellquote.
type Command struct {
	Args    []string
	Timeout time.Duration // zero uses the executor default
}

// Result is the outcome of a command that ran to completion, including a
// nonzero exit.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r *Result) OK() bool { return r.ExitCode == 0 }

// Executor runs commands on one host. A nonzero exit is a Result, not an
// error; timeouts, transport and auth failures are *types.ExecutionError.
type Executor interface {
	Host() string
	Execute(ctx context.Context, cmd Command) (*Result, error)
	Close() error
}

// Line renders argv as a single shell-safe string.
func Line(args []string) string { return shellquote.Join(args...) }

// Run executes args and converts a nonzero exit into *types.ExecutionError.
func Run(ctx context.Context, ex Executor, args ...string) (*Result, error) {
	res, err := ex.Execute(ctx, Command{Args: args})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return res, NonzeroExit(ex.Host(), args, res)
	}
	return res, nil
}

// ContextCause classifies a command cut short by its context: a deadline is a
// timeout, anything else is the caller cancelling.
func ContextCause(err error) types.ExecCause {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.CauseTimeout
	}
	return types.CauseCanceled
}

// NonzeroExit builds the ExecutionError for a failed Result.
func NonzeroExit(host string, args []string, res *Result) *types.ExecutionError {
	return &types.ExecutionError{
		Host:     host,
		Command:  Line(args),
		Cause:    types.CauseNonzeroExit,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
	}
}

// Observer receives the latency and outcome of every command.
type Observer func(host string, elapsed time.Duration, err error)

type observed struct {
	Executor
	observe Observer
}

// WithObserver wraps ex so each Execute reports to fn.
func WithObserver(ex Executor, fn Observer) Executor {
	if fn == nil {
		return ex
	}
	return &observed{Executor: ex, observe: fn}
}

func (o *observed) Execute(ctx context.Context, cmd Command) (*Result, error) {
	start := time.Now()
	res, err := o.Executor.Execute(ctx, cmd)
	o.observe(o.Host(), time.Since(start), err)
	return res, err
}
