package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Driver-specific sentinels wrap one of these so callers can
// classify with errors.Is without knowing which driver failed.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrResourceConflict   = errors.New("resource conflict")
	ErrDependencyConflict = errors.New("dependency conflict")
	ErrSourceNotFound     = errors.New("source not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrExecution          = errors.New("execution failed")
	ErrHealthCheckTimeout = errors.New("health check timed out")
	ErrExhaustedRange     = errors.New("port range exhausted")
	ErrHostNotReady       = errors.New("host not validated")
)

// ExecCause classifies a command failure.
type ExecCause string

const (
	CauseTimeout     ExecCause = "timeout"
	CauseConnection  ExecCause = "connection"
	CauseAuth        ExecCause = "auth"
	CauseNonzeroExit ExecCause = "nonzero_exit"
	CauseCanceled    ExecCause = "canceled"
)

// ExecutionError is returned when a host command cannot be run to completion,
// or when a driver treats a nonzero exit as fatal.
type ExecutionError struct {
	Host     string
	Command  string
	Cause    ExecCause
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s: %q", e.Cause, e.Host, e.Command)
	if e.Cause == CauseNonzeroExit {
		fmt.Fprintf(&b, " exited %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is makes every ExecutionError match ErrExecution.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// DependencyConflictError names the live descendants blocking a removal.
type DependencyConflictError struct {
	Target   string
	Blockers []string
}

func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("%s has live dependents: %s", e.Target, strings.Join(e.Blockers, ", "))
}

func (e *DependencyConflictError) Is(target error) bool { return target == ErrDependencyConflict }

// ProvisionError reports a failed creation after compensation ran.
// Warnings lists compensation steps that themselves failed.
type ProvisionError struct {
	Database string
	Phase    Phase
	Err      error
	Warnings []string
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s failed at %s: %v", e.Database, e.Phase, e.Err)
	if len(e.Warnings) > 0 {
		msg += " (compensation warnings: " + strings.Join(e.Warnings, "; ") + ")"
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Invalidf builds an ErrInvalidArgument with context.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
