package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/types"
)

// StartDatabase starts a stopped database and waits until it is healthy.
// Starting a running database is a no-op.
func (e *Engine) StartDatabase(ctx context.Context, ref string) error {
	return e.lifecycle(ctx, ref, "start", types.StatusRunning, func(ctx context.Context, t *target) error {
		if err := t.backend.Runtime.Start(ctx, t.db.ContainerName); err != nil {
			return err
		}
		return e.waitHealthy(ctx, t)
	})
}

// StopDatabase stops a running database. Stopping a stopped database is a
// no-op.
func (e *Engine) StopDatabase(ctx context.Context, ref string) error {
	return e.lifecycle(ctx, ref, "stop", types.StatusStopped, func(ctx context.Context, t *target) error {
		return t.backend.Runtime.Stop(ctx, t.db.ContainerName, e.conf.StopTimeout())
	})
}

// RestartDatabase restarts a database and waits until it is healthy.
func (e *Engine) RestartDatabase(ctx context.Context, ref string) error {
	return e.lifecycle(ctx, ref, "restart", "", func(ctx context.Context, t *target) error {
		if err := t.backend.Runtime.Restart(ctx, t.db.ContainerName, e.conf.StopTimeout()); err != nil {
			return err
		}
		return e.waitHealthy(ctx, t)
	})
}

// lifecycle runs op on a settled database and records the resulting
// status. want, when non-empty, makes the call a no-op for a database
// already in that status. A failed op leaves the database in error.
func (e *Engine) lifecycle(ctx context.Context, ref, op string, want types.DatabaseStatus, fn func(context.Context, *target) error) error {
	logger := log.WithFunc("workflow." + op)
	db, _, err := e.loadDatabase(ctx, ref)
	if err != nil {
		return err
	}
	unlock := e.lockDB(db.ID)
	defer unlock()

	t, err := e.resolve(ctx, db.ID)
	if err != nil {
		return err
	}
	switch t.db.Status {
	case types.StatusRunning, types.StatusStopped, types.StatusError:
	default:
		return fmt.Errorf("%s database %s in status %s: %w", op, t.db.Name, t.db.Status, types.ErrResourceConflict)
	}
	if want != "" && t.db.Status == want {
		logger.Debugf(ctx, "database %s already %s", t.db.Name, want)
		return nil
	}

	if err := fn(ctx, t); err != nil {
		if errors.Is(err, container.ErrNotFound) {
			err = fmt.Errorf("container of %s is gone: %w", t.db.Name, err)
		}
		e.markError(ctx, t.db.ID, err)
		return fmt.Errorf("%s %s: %w", op, t.db.Name, err)
	}

	status := want
	if status == "" {
		status = types.StatusRunning
	}
	if err := e.persist(ctx, t.db.ID, func(r *types.Database) {
		r.Status = status
		r.LastError = ""
	}); err != nil {
		return err
	}
	t.db.Status = status
	logger.Infof(ctx, "database %s %s", t.db.Name, status)
	e.publish(ctx, e.event(lifecycleEvent(op), &t.db, nil))
	return nil
}

func lifecycleEvent(op string) events.Type {
	switch op {
	case "start":
		return events.DatabaseStarted
	case "stop":
		return events.DatabaseStopped
	default:
		return events.DatabaseRestarted
	}
}

func (e *Engine) waitHealthy(ctx context.Context, t *target) error {
	return container.WaitHealthy(ctx, t.backend.Runtime, t.db.ContainerName,
		e.conf.HealthTimeout(), e.conf.HealthInterval(), e.healthProbe(&t.host, &t.db))
}
