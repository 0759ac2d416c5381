package lineage

import (
	"context"
	"fmt"
	"slices"

	"github.com/projecteru2/sprout/lock"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/storage"
	"github.com/projecteru2/sprout/types"
)

// Tracker answers genealogy queries. The graph is never stored on its own:
// it is rebuilt from each database's source fields on every query.
type Tracker struct {
	store  storage.Store[meta.Index]
	locker lock.Locker
}

// New returns a Tracker over store. locker must be the lock guarding store.
func New(store storage.Store[meta.Index], locker lock.Locker) *Tracker {
	return &Tracker{store: store, locker: locker}
}

// Descendant is a live database below a target, with its distance from it.
type Descendant struct {
	Database *types.Database
	Depth    int
}

// RecordEdge sets child's parent references after checking that they exist,
// are live and sit on child's host. It runs inside the transaction that
// inserts child, so the parent cannot vanish in between. An edge is written
// once; a child that already has one is rejected.
func RecordEdge(idx *meta.Index, child *types.Database, parentDB, parentSnap string) error {
	if child.SourceDatabase != "" || child.SourceSnapshot != "" {
		return fmt.Errorf("%s already has a lineage edge: %w", child.Name, types.ErrInvalidArgument)
	}
	if parentDB != "" {
		p := idx.Databases[parentDB]
		if p == nil || !p.Cloneable() {
			return fmt.Errorf("source database %s: %w", parentDB, types.ErrSourceNotFound)
		}
		if p.HostID != child.HostID {
			return types.Invalidf("source database %s is on another host", p.Name)
		}
	}
	if parentSnap != "" {
		s := idx.Snapshots[parentSnap]
		if s == nil || s.RemovalRequested {
			return fmt.Errorf("source snapshot %s: %w", parentSnap, types.ErrSourceNotFound)
		}
		if s.HostID != child.HostID {
			return types.Invalidf("source snapshot %s is on another host", s.FullName())
		}
		if parentDB != "" && s.DatabaseID != parentDB {
			return types.Invalidf("snapshot %s does not belong to %s", s.FullName(), parentDB)
		}
	}
	child.SourceDatabase = parentDB
	child.SourceSnapshot = parentSnap
	return nil
}

// BindSnapshot completes a clone edge with the origin snapshot synthesized
// for it. Only a clone whose snapshot side is still empty may be bound.
func BindSnapshot(idx *meta.Index, childID, snapID string) error {
	child, snap := idx.Databases[childID], idx.Snapshots[snapID]
	if child == nil || snap == nil {
		return fmt.Errorf("bind %s to %s: %w", childID, snapID, types.ErrNotFound)
	}
	if child.SourceSnapshot != "" {
		return types.Invalidf("%s already bound to snapshot %s", child.Name, child.SourceSnapshot)
	}
	if child.SourceDatabase != snap.DatabaseID {
		return types.Invalidf("snapshot %s is not of %s's source", snap.FullName(), child.Name)
	}
	child.SourceSnapshot = snapID
	return nil
}

// ParentOf returns the database a record descends from, directly or via a
// snapshot, or "".
func ParentOf(idx *meta.Index, db *types.Database) string {
	if db.SourceDatabase != "" {
		return db.SourceDatabase
	}
	if s := idx.Snapshots[db.SourceSnapshot]; s != nil {
		return s.DatabaseID
	}
	return ""
}

// Children builds the parent → children index over every record, live or not.
func Children(idx *meta.Index) map[string][]string {
	out := make(map[string][]string)
	for id, db := range idx.Databases {
		if p := ParentOf(idx, db); p != "" {
			out[p] = append(out[p], id)
		}
	}
	for _, ids := range out {
		slices.Sort(ids)
	}
	return out
}

// LiveDescendants walks down from dbID through live and deleted records
// and returns the live ones, deepest first, so deleting them in order never
// hits a live child.
func LiveDescendants(idx *meta.Index, dbID string) []Descendant {
	return walk(idx, Children(idx), Children(idx)[dbID], 1)
}

// SnapshotDescendants returns the live databases restored or cloned from
// snapID, with their own live descendants, deepest first.
func SnapshotDescendants(idx *meta.Index, snapID string) []Descendant {
	var roots []string
	for id, db := range idx.Databases {
		if db.SourceSnapshot == snapID {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return walk(idx, Children(idx), roots, 1)
}

func walk(idx *meta.Index, children map[string][]string, ids []string, depth int) []Descendant {
	var out []Descendant
	for _, id := range ids {
		out = append(out, walk(idx, children, children[id], depth+1)...)
		if db := idx.Databases[id]; db != nil && db.Live() {
			out = append(out, Descendant{Database: db, Depth: depth})
		}
	}
	slices.SortStableFunc(out, func(a, b Descendant) int { return b.Depth - a.Depth })
	return out
}

// Blockers turns descendants into a DependencyConflictError, or nil.
func Blockers(target string, ds []Descendant) error {
	if len(ds) == 0 {
		return nil
	}
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Database.Name)
	}
	return &types.DependencyConflictError{Target: target, Blockers: names}
}

// HasLiveDescendants reports whether any live database descends from the
// database dbID and returns them.
func (t *Tracker) HasLiveDescendants(ctx context.Context, dbID string) (bool, []Descendant, error) {
	var ds []Descendant
	err := t.store.With(ctx, func(idx *meta.Index) error {
		if idx.Databases[dbID] == nil {
			return fmt.Errorf("database %s: %w", dbID, types.ErrNotFound)
		}
		ds = LiveDescendants(idx, dbID)
		return nil
	})
	return len(ds) > 0, ds, err
}

// SnapshotHasLiveDescendants is HasLiveDescendants for a snapshot target.
func (t *Tracker) SnapshotHasLiveDescendants(ctx context.Context, snapID string) (bool, []Descendant, error) {
	var ds []Descendant
	err := t.store.With(ctx, func(idx *meta.Index) error {
		if idx.Snapshots[snapID] == nil {
			return fmt.Errorf("snapshot %s: %w", snapID, types.ErrNotFound)
		}
		ds = SnapshotDescendants(idx, snapID)
		return nil
	})
	return len(ds) > 0, ds, err
}
