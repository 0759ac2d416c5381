package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/lineage"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
)

// DeleteDatabase removes a database, its container and its dataset. A
// database with live descendants is refused with a
// *types.DependencyConflictError unless force is set, in which case the
// descendants are deleted first, deepest first. Deleting a database that
// is already deleted is a no-op.
func (e *Engine) DeleteDatabase(ctx context.Context, ref string, force bool) error {
	logger := log.WithFunc("workflow.DeleteDatabase")
	db, _, err := e.loadDatabase(ctx, ref)
	if err != nil {
		return err
	}
	if !db.Live() {
		return nil
	}
	if force {
		_, ds, err := e.lineage.HasLiveDescendants(ctx, db.ID)
		if err != nil {
			return err
		}
		for _, d := range ds {
			logger.Infof(ctx, "cascade: deleting %s (depth %d) below %s", d.Database.Name, d.Depth, db.Name)
			if err := e.deleteOne(ctx, d.Database.ID, false); err != nil {
				return fmt.Errorf("cascade delete %s: %w", d.Database.Name, err)
			}
		}
	}
	return e.deleteOne(ctx, db.ID, false)
}

// deleteOne runs the deletion phases for one database. resume skips the
// dependency gate for a deletion that already passed it.
func (e *Engine) deleteOne(ctx context.Context, id string, resume bool) (err error) {
	unlock := e.lockDB(id)
	defer unlock()
	defer func() { e.metrics.Deletion(err) }()

	if !resume {
		if err = e.gateDelete(ctx, id); err != nil {
			return err
		}
	}
	t, err := e.resolve(ctx, id)
	if err != nil {
		return err
	}
	if !t.db.Live() {
		return nil
	}
	return e.teardown(ctx, t)
}

// gateDelete checks for live descendants and moves the record to deleting
// in one transaction. Once deleting, the record can no longer be a clone
// source, so no descendant can appear behind the gate.
func (e *Engine) gateDelete(ctx context.Context, id string) error {
	return e.store.Update(ctx, func(idx *meta.Index) error {
		rec := idx.Databases[id]
		if rec == nil {
			return fmt.Errorf("database %s: %w", id, types.ErrNotFound)
		}
		if !rec.Live() {
			return nil
		}
		if rec.Status == types.StatusProvisioning {
			return fmt.Errorf("database %s is still provisioning: %w", rec.Name, types.ErrResourceConflict)
		}
		if err := lineage.Blockers(rec.Name, lineage.LiveDescendants(idx, id)); err != nil {
			return err
		}
		rec.Status = types.StatusDeleting
		rec.Phase = types.PhaseDependencyChecked
		rec.UpdatedAt = time.Now()
		return nil
	})
}

// teardown removes the container, destroys the dataset and retires the
// record, persisting each phase. A failing step leaves the record in the
// error status at the last phase reached.
func (e *Engine) teardown(ctx context.Context, t *target) error {
	logger := log.WithFunc("workflow.teardown")
	db := &t.db
	b := t.backend

	if db.Phase != types.PhaseContainerRemoved && db.Phase != types.PhaseStorageDestroyed {
		if db.ContainerName != "" {
			if err := removeContainer(ctx, b.Runtime, db.ContainerName); err != nil {
				e.markError(ctx, db.ID, err)
				return fmt.Errorf("remove container %s: %w", db.ContainerName, err)
			}
		}
		if err := e.setPhase(ctx, db.ID, types.PhaseContainerRemoved); err != nil {
			return err
		}
	}
	if db.Phase != types.PhaseStorageDestroyed && db.Dataset != "" {
		if err := ignoreMissing(b.Volume.Destroy(ctx, db.Dataset, true), volume.ErrNotFound); err != nil {
			e.markError(ctx, db.ID, err)
			return fmt.Errorf("destroy dataset %s: %w", db.Dataset, err)
		}
		if err := e.setPhase(ctx, db.ID, types.PhaseStorageDestroyed); err != nil {
			return err
		}
	}
	if err := e.retire(ctx, db.ID, ""); err != nil {
		return err
	}
	db.Status = types.StatusDeleted
	logger.Infof(ctx, "database %s deleted, port %d released", db.Name, db.Port)
	e.publish(ctx, e.event(events.DatabaseDeleted, db, nil))

	removed, err := e.lineage.CleanupOrphans(ctx, db.HostID, b.Volume)
	e.metrics.OrphansRemoved(len(removed))
	if err != nil {
		logger.Warnf(ctx, "orphan cleanup on %s: %v", t.host.Name, err)
	}
	return nil
}

// retire marks a record deleted, drops the snapshot records of its
// destroyed dataset, and flags the clone-origin snapshot it came from for
// removal once nothing else references it.
func (e *Engine) retire(ctx context.Context, id, reason string) error {
	return e.store.Update(ctx, func(idx *meta.Index) error {
		rec := idx.Databases[id]
		if rec == nil {
			return fmt.Errorf("database %s: %w", id, types.ErrNotFound)
		}
		now := time.Now()
		rec.Status = types.StatusDeleted
		rec.Phase = types.PhaseDeleted
		if reason != "" {
			rec.Phase = types.PhaseFailed
			rec.LastError = reason
		}
		rec.UpdatedAt = now
		rec.DeletedAt = &now
		for _, s := range idx.SnapshotsOf(id) {
			delete(idx.Snapshots, s.ID)
		}
		releaseOrigin(idx, rec.SourceSnapshot)
		return nil
	})
}

// releaseOrigin flags a clone-origin snapshot for removal when no live
// database uses it as a source any more.
func releaseOrigin(idx *meta.Index, snapID string) {
	s := idx.Snapshots[snapID]
	if s == nil || s.Origin != types.OriginClone {
		return
	}
	for _, db := range idx.Databases {
		if db.Live() && db.SourceSnapshot == snapID {
			return
		}
	}
	s.RemovalRequested = true
}

// removeContainer is Runtime.Remove treating a missing container as gone.
func removeContainer(ctx context.Context, rt container.Runtime, name string) error {
	return ignoreMissing(rt.Remove(ctx, name), container.ErrNotFound)
}
