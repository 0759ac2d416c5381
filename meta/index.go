package meta

import (
	"fmt"
	"slices"
	"strings"

	"github.com/projecteru2/sprout/types"
)

// minPrefix is the shortest ID prefix accepted as a reference.
const minPrefix = 3

// Index is the persisted metadata for every host, database, and snapshot.
// Deleted databases stay in Databases for history; only live records hold
// ports and names.
type Index struct {
	Hosts     map[string]*types.Host     `json:"hosts"`
	HostNames map[string]string          `json:"host_names"` // name → host ID
	Databases map[string]*types.Database `json:"databases"`
	Snapshots map[string]*types.Snapshot `json:"snapshots"`
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.Hosts == nil {
		idx.Hosts = make(map[string]*types.Host)
	}
	if idx.HostNames == nil {
		idx.HostNames = make(map[string]string)
	}
	if idx.Databases == nil {
		idx.Databases = make(map[string]*types.Database)
	}
	if idx.Snapshots == nil {
		idx.Snapshots = make(map[string]*types.Snapshot)
	}
}

// ResolveHost resolves a ref (exact ID, name, or ID prefix ≥3 chars) to a host ID.
func (idx *Index) ResolveHost(ref string) (string, error) {
	if idx.Hosts[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.HostNames[ref]; ok && idx.Hosts[id] != nil {
		return id, nil
	}
	id, err := resolvePrefix(idx.Hosts, ref)
	if err != nil {
		return "", fmt.Errorf("host %q: %w", ref, err)
	}
	return id, nil
}

// ResolveDatabase resolves a ref to a database ID. Names only match live
// records; hostID, when non-empty, restricts name matches to that host.
// Deleted records remain reachable by exact ID or prefix.
func (idx *Index) ResolveDatabase(ref, hostID string) (string, error) {
	if idx.Databases[ref] != nil {
		return ref, nil
	}
	var byName []string
	for id, db := range idx.Databases {
		if db.Name == ref && db.Live() && (hostID == "" || db.HostID == hostID) {
			byName = append(byName, id)
		}
	}
	switch len(byName) {
	case 1:
		return byName[0], nil
	case 0:
	default:
		return "", fmt.Errorf("%w: database name %q exists on several hosts, qualify with a host", types.ErrInvalidArgument, ref)
	}
	id, err := resolvePrefix(idx.Databases, ref)
	if err != nil {
		return "", fmt.Errorf("database %q: %w", ref, err)
	}
	return id, nil
}

// ResolveSnapshot resolves a ref (ID, dataset@label, or ID prefix) to a snapshot ID.
func (idx *Index) ResolveSnapshot(ref string) (string, error) {
	if idx.Snapshots[ref] != nil {
		return ref, nil
	}
	if strings.Contains(ref, "@") {
		for id, s := range idx.Snapshots {
			if s.FullName() == ref {
				return id, nil
			}
		}
	}
	id, err := resolvePrefix(idx.Snapshots, ref)
	if err != nil {
		return "", fmt.Errorf("snapshot %q: %w", ref, err)
	}
	return id, nil
}

// LiveByName returns the live database called name on hostID, or nil.
func (idx *Index) LiveByName(hostID, name string) *types.Database {
	for _, db := range idx.Databases {
		if db.HostID == hostID && db.Name == name && db.Live() {
			return db
		}
	}
	return nil
}

// PortsInUse returns the ports held by live databases on hostID.
func (idx *Index) PortsInUse(hostID string) map[int]string {
	used := make(map[int]string)
	for id, db := range idx.Databases {
		if db.HostID == hostID && db.Live() && db.Port > 0 {
			used[db.Port] = id
		}
	}
	return used
}

// LiveDatabases returns live databases, restricted to hostID when non-empty,
// ordered by creation time.
func (idx *Index) LiveDatabases(hostID string) []*types.Database {
	var out []*types.Database
	for _, db := range idx.Databases {
		if db.Live() && (hostID == "" || db.HostID == hostID) {
			out = append(out, db)
		}
	}
	sortDatabases(out)
	return out
}

// SnapshotsOf returns the snapshot records owned by a database, oldest first.
func (idx *Index) SnapshotsOf(dbID string) []*types.Snapshot {
	var out []*types.Snapshot
	for _, s := range idx.Snapshots {
		if s.DatabaseID == dbID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *types.Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SnapshotByName returns the snapshot record for dataset@label, or nil.
func (idx *Index) SnapshotByName(dataset, label string) *types.Snapshot {
	for _, s := range idx.Snapshots {
		if s.Dataset == dataset && s.Label == label {
			return s
		}
	}
	return nil
}

func sortDatabases(dbs []*types.Database) {
	slices.SortFunc(dbs, func(a, b *types.Database) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func resolvePrefix[V any](m map[string]*V, ref string) (string, error) {
	if len(ref) < minPrefix {
		return "", types.ErrNotFound
	}
	var match string
	for id := range m {
		if strings.HasPrefix(id, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: ambiguous ref %q: multiple matches", types.ErrInvalidArgument, ref)
			}
			match = id
		}
	}
	if match == "" {
		return "", types.ErrNotFound
	}
	return match, nil
}
