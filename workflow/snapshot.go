package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/lineage"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/volume"
)

// CreateSnapshot takes a manual snapshot of a running or stopped database.
func (e *Engine) CreateSnapshot(ctx context.Context, dbRef, label string) (*types.Snapshot, error) {
	db, _, err := e.loadDatabase(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	unlock := e.lockDB(db.ID)
	defer unlock()

	t, err := e.resolve(ctx, db.ID)
	if err != nil {
		return nil, err
	}
	if !t.db.Cloneable() {
		return nil, fmt.Errorf("snapshot %s in status %s: %w", t.db.Name, t.db.Status, types.ErrResourceConflict)
	}
	snap, err := e.recordSnapshot(ctx, t.backend, &t.db, label, types.OriginManual)
	if err != nil {
		return nil, err
	}
	ev := e.event(events.SnapshotCreated, &t.db, nil)
	ev.Detail = snap.FullName()
	e.publish(ctx, ev)
	return snap, nil
}

// recordSnapshot snapshots db's dataset and stores the record. A label
// already recorded for the dataset is a conflict before any host command.
func (e *Engine) recordSnapshot(ctx context.Context, b *host.Backend, db *types.Database, label string, origin types.SnapshotOrigin) (*types.Snapshot, error) {
	if err := e.store.With(ctx, func(idx *meta.Index) error {
		if idx.SnapshotByName(db.Dataset, label) != nil {
			return fmt.Errorf("%s@%s: %w", db.Dataset, label, volume.ErrDuplicateLabel)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	id, err := utils.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	if _, err := b.Volume.Snapshot(ctx, db.Dataset, label); err != nil {
		return nil, err
	}
	snap := &types.Snapshot{
		ID:         id,
		HostID:     db.HostID,
		DatabaseID: db.ID,
		Dataset:    db.Dataset,
		Label:      label,
		Origin:     origin,
		CreatedAt:  time.Now(),
	}
	if err := e.store.Update(ctx, func(idx *meta.Index) error {
		cp := *snap
		idx.Snapshots[id] = &cp
		return nil
	}); err != nil {
		return nil, err
	}
	log.WithFunc("workflow.recordSnapshot").Infof(ctx, "snapshot %s (%s)", snap.FullName(), origin)
	return snap, nil
}

// DeleteSnapshot destroys a snapshot no live database was restored or
// cloned from. Otherwise it returns a *types.DependencyConflictError.
func (e *Engine) DeleteSnapshot(ctx context.Context, ref string) error {
	var snap types.Snapshot
	var h types.Host
	if err := e.store.With(ctx, func(idx *meta.Index) error {
		id, err := idx.ResolveSnapshot(ref)
		if err != nil {
			return err
		}
		snap = *idx.Snapshots[id]
		if err := lineage.Blockers(snap.FullName(), lineage.SnapshotDescendants(idx, id)); err != nil {
			return err
		}
		hp := idx.Hosts[snap.HostID]
		if hp == nil {
			return fmt.Errorf("host %s: %w", snap.HostID, types.ErrNotFound)
		}
		h = *hp
		return nil
	}); err != nil {
		return err
	}
	b, err := e.backends.Backend(ctx, &h)
	if err != nil {
		return err
	}

	unlock := e.lockDB(snap.DatabaseID)
	defer unlock()

	// A restore may have been admitted since the first check.
	has, ds, err := e.lineage.SnapshotHasLiveDescendants(ctx, snap.ID)
	if err != nil {
		return err
	}
	if has {
		return lineage.Blockers(snap.FullName(), ds)
	}
	if err := ignoreMissing(b.Volume.Destroy(ctx, snap.FullName(), false), volume.ErrNotFound); err != nil {
		return err
	}
	if err := e.store.Update(ctx, func(idx *meta.Index) error {
		delete(idx.Snapshots, snap.ID)
		return nil
	}); err != nil {
		return err
	}
	log.WithFunc("workflow.DeleteSnapshot").Infof(ctx, "snapshot %s deleted", snap.FullName())
	ev := events.New(events.SnapshotDeleted, snap.HostID, snap.DatabaseID, "")
	ev.Detail = snap.FullName()
	e.publish(ctx, ev)
	return nil
}
