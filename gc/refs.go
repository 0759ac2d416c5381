package gc

// Collect aggregates ID sets from all snapshots in others using the given
// accessor. Snapshots that don't support the accessor return nil and are
// silently skipped.
//
//	pinned := gc.Collect(others, gc.SnapshotIDs)
func Collect(others map[string]any, accessor func(any) map[string]struct{}) map[string]struct{} {
	result := make(map[string]struct{})
	for _, snap := range others {
		for id := range accessor(snap) {
			result[id] = struct{}{}
		}
	}
	return result
}

// --- Cross-module protocols ---
//
// Each protocol is an unexported interface (implementation detail) paired
// with an exported accessor function. Snapshot types in other packages
// implement the interface by adding the matching method.

// pinnedSnapshotIDs is implemented by snapshots that know which snapshot
// records are still the lineage source of a live database.
type pinnedSnapshotIDs interface {
	PinnedSnapshotIDs() map[string]struct{}
}

// SnapshotIDs extracts pinned snapshot IDs from a snapshot.
// Returns nil if the snapshot does not implement PinnedSnapshotIDs.
func SnapshotIDs(snap any) map[string]struct{} {
	if p, ok := snap.(pinnedSnapshotIDs); ok {
		return p.PinnedSnapshotIDs()
	}
	return nil
}
