package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/gc"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/volume"
)

// orphanSnapshot is the typed GC snapshot for one host's clone-origin snapshots.
type orphanSnapshot struct {
	candidates []string            // origin=clone snapshot IDs nobody pins
	pinned     map[string]struct{} // snapshot IDs still a live database's source
}

// PinnedSnapshotIDs implements the gc pinning protocol.
func (s orphanSnapshot) PinnedSnapshotIDs() map[string]struct{} { return s.pinned }

// GCModule returns the orphan-snapshot module for hostID.
//
// ReadDB (under lock): collects clone-origin snapshots on the host that no
// live database references and whose owner is gone or asked for removal.
//
// Resolve: drops candidates pinned by any module.
//
// Collect (under lock): destroys each snapshot that still exists on the host,
// then removes its record.
func (t *Tracker) GCModule(hostID string, drv volume.Driver, removed *[]string) gc.Module[orphanSnapshot] {
	return gc.Module[orphanSnapshot]{
		Name:   "lineage:" + hostID,
		Locker: t.locker,
		ReadDB: func(context.Context) (orphanSnapshot, error) {
			snap := orphanSnapshot{pinned: make(map[string]struct{})}
			err := t.store.Read(func(idx *meta.Index) error {
				for _, db := range idx.Databases {
					if db.Live() && db.SourceSnapshot != "" {
						snap.pinned[db.SourceSnapshot] = struct{}{}
					}
				}
				for id, s := range idx.Snapshots {
					if s.HostID != hostID || s.Origin != types.OriginClone {
						continue
					}
					if _, ok := snap.pinned[id]; ok {
						continue
					}
					owner := idx.Databases[s.DatabaseID]
					if owner == nil || !owner.Live() || s.RemovalRequested {
						snap.candidates = append(snap.candidates, id)
					}
				}
				return nil
			})
			return snap, err
		},
		Resolve: func(snap orphanSnapshot, others map[string]any) []string {
			return utils.FilterUnreferenced(snap.candidates, utils.MergeSets(snap.pinned, gc.Collect(others, gc.SnapshotIDs)))
		},
		Collect: func(ctx context.Context, ids []string) error {
			logger := log.WithFunc("lineage.CleanupOrphans")
			var errs []error
			for _, id := range ids {
				var full string
				if err := t.store.Read(func(idx *meta.Index) error {
					if s := idx.Snapshots[id]; s != nil {
						full = s.FullName()
					}
					return nil
				}); err != nil || full == "" {
					continue
				}
				exists, err := drv.Exists(ctx, full)
				if err != nil {
					errs = append(errs, fmt.Errorf("probe %s: %w", full, err))
					continue
				}
				if exists {
					if err := drv.Destroy(ctx, full, false); err != nil && !errors.Is(err, volume.ErrNotFound) {
						errs = append(errs, fmt.Errorf("destroy %s: %w", full, err))
						continue
					}
				}
				if err := t.store.Write(func(idx *meta.Index) error {
					delete(idx.Snapshots, id)
					return nil
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				logger.Infof(ctx, "removed orphan snapshot %s", full)
				if removed != nil {
					*removed = append(*removed, full)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// CleanupOrphans runs the orphan-snapshot module for one host and returns
// the snapshots it removed.
func (t *Tracker) CleanupOrphans(ctx context.Context, hostID string, drv volume.Driver) ([]string, error) {
	var removed []string
	o := gc.New()
	gc.Register(o, t.GCModule(hostID, drv, &removed))
	err := o.Run(ctx)
	return removed, err
}

// RegisterGC registers the module for hostID with the given Orchestrator.
func (t *Tracker) RegisterGC(orch *gc.Orchestrator, hostID string, drv volume.Driver, removed *[]string) {
	gc.Register(orch, t.GCModule(hostID, drv, removed))
}
