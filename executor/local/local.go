package local

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/executor"
	"github.com/projecteru2/sprout/types"
)

// compile-time interface check.
var _ executor.Executor = (*Local)(nil)

// Local runs commands on the machine sprout runs on. With NSEnter set it
// enters the namespaces of TargetPID so ZFS and the runtime see the host's
// mount table even when sprout is containerized.
type Local struct {
	Name      string
	NSEnter   bool
	TargetPID int
	Timeout   time.Duration
}

// New returns a Local executor.
func New(name string, nsenter bool, targetPID int, timeout time.Duration) *Local {
	return &Local{Name: name, NSEnter: nsenter, TargetPID: targetPID, Timeout: timeout}
}

func (l *Local) Host() string { return l.Name }

func (l *Local) Close() error { return nil }

// Execute runs cmd.Args directly (no shell) under a deadline.
func (l *Local) Execute(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if len(cmd.Args) == 0 {
		return nil, types.Invalidf("empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := l.argv(cmd.Args)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	c.Stdout, c.Stderr = &stdout, &stderr
	log.WithFunc("local.Execute").Debugf(ctx, "%s", executor.Line(argv))

	err := c.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &types.ExecutionError{
			Host:    l.Name,
			Command: executor.Line(cmd.Args),
			Cause:   executor.ContextCause(ctxErr),
			Stderr:  stderr.String(),
			Err:     ctxErr,
		}
	}
	res := &executor.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, &types.ExecutionError{
		Host:    l.Name,
		Command: executor.Line(cmd.Args),
		Cause:   types.CauseConnection,
		Err:     err,
	}
}

func (l *Local) argv(args []string) []string {
	if !l.NSEnter {
		return args
	}
	out := []string{"nsenter", "-t", strconv.Itoa(l.TargetPID), "-m", "-u", "-i", "-n", "-p", "--"}
	return append(out, args...)
}
