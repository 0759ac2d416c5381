package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
)

var (
	ErrNotFound  = fmt.Errorf("container not found: %w", types.ErrNotFound)
	ErrNameInUse = fmt.Errorf("container name in use: %w", types.ErrResourceConflict)
	ErrExited    = fmt.Errorf("container exited: %w", types.ErrExecution)
)

// Health values reported by the runtime's own healthcheck.
const (
	HealthNone      = "none"
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Mount is a host path bound into the container.
type Mount struct {
	Source string
	Target string
}

// Spec describes a database container.
type Spec struct {
	Name          string
	Image         string
	Env           map[string]string
	HostPort      int
	ContainerPort int
	Mounts        []Mount
	Labels        map[string]string
	// HealthCmd is the runtime-level healthcheck, run inside the container.
	HealthCmd []string
}

// State is a point-in-time view of a container.
type State struct {
	ID        string
	Name      string
	Status    string // created, running, exited, ...
	Running   bool
	Health    string
	ExitCode  int
	StartedAt time.Time
}

// Runtime manages containers on one host.
type Runtime interface {
	Version(ctx context.Context) (string, error)
	PullImage(ctx context.Context, image string) error
	// Launch creates and starts a container. Returns its ID.
	Launch(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Restart(ctx context.Context, name string, timeout time.Duration) error
	// Remove force-removes a container. A missing container is not an error.
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (*State, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	Close() error
}

// Probe checks readiness from outside the container.
type Probe func(ctx context.Context) error

// WaitHealthy polls until the container is running and probe succeeds, the
// container exits, or timeout passes. Timeout yields ErrHealthCheckTimeout.
func WaitHealthy(ctx context.Context, rt Runtime, name string, timeout, interval time.Duration, probe Probe) error {
	logger := log.WithFunc("container.WaitHealthy")
	var lastErr error
	err := utils.WaitFor(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		st, err := rt.Inspect(ctx, name)
		if err != nil {
			lastErr = err
			return false, nil
		}
		if !st.Running {
			if st.Status == "exited" || st.Status == "dead" {
				return false, fmt.Errorf("%s (code %d): %w", name, st.ExitCode, ErrExited)
			}
			lastErr = fmt.Errorf("container %s", st.Status)
			return false, nil
		}
		if err := probe(ctx); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(err, ErrExited):
		return err
	case lastErr != nil:
		logger.Warnf(ctx, "%s not ready: %v", name, lastErr)
		return fmt.Errorf("%s: %w (last: %v)", name, types.ErrHealthCheckTimeout, lastErr)
	default:
		return fmt.Errorf("%s: %w", name, types.ErrHealthCheckTimeout)
	}
}
