// Package fake provides a scripted Executor for tests.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/projecteru2/sprout/executor"
)

// compile-time interface check.
var _ executor.Executor = (*Executor)(nil)

// Handler answers one matched command.
type Handler func(args []string) (*executor.Result, error)

type rule struct {
	prefix string
	fn     Handler
}

// Executor records every command and answers from rules matched by the
// prefix of the quoted command line. Later rules take precedence.
// Unmatched commands succeed with empty output.
type Executor struct {
	Name string

	mu    sync.Mutex
	rules []rule
	calls []string
}

// New returns an empty fake for host name.
func New(name string) *Executor { return &Executor{Name: name} }

func (f *Executor) Host() string { return f.Name }

func (f *Executor) Close() error { return nil }

// On registers fn for commands whose line starts with prefix.
func (f *Executor) On(prefix string, fn Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, fn: fn})
}

// Reply registers a fixed result for prefix.
func (f *Executor) Reply(prefix, stdout, stderr string, code int) {
	f.On(prefix, func([]string) (*executor.Result, error) {
		return &executor.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	})
}

// Fail registers an error for prefix.
func (f *Executor) Fail(prefix string, err error) {
	f.On(prefix, func([]string) (*executor.Result, error) { return nil, err })
}

// Calls returns the quoted command lines executed so far.
func (f *Executor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports whether any executed line starts with prefix.
func (f *Executor) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *Executor) Execute(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line := executor.Line(cmd.Args)
	f.mu.Lock()
	f.calls = append(f.calls, line)
	var fn Handler
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			fn = f.rules[i].fn
			break
		}
	}
	f.mu.Unlock()
	if fn == nil {
		return &executor.Result{}, nil
	}
	return fn(cmd.Args)
}
