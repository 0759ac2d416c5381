package volume

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/sprout/types"
)

var (
	ErrAlreadyExists  = fmt.Errorf("dataset already exists: %w", types.ErrResourceConflict)
	ErrDuplicateLabel = fmt.Errorf("snapshot label already exists: %w", types.ErrResourceConflict)
	ErrNotFound       = fmt.Errorf("dataset not found: %w", types.ErrNotFound)
	ErrSourceNotFound = fmt.Errorf("source snapshot not found: %w", types.ErrSourceNotFound)
	ErrHasDependents  = fmt.Errorf("dataset has dependent clones: %w", types.ErrDependencyConflict)
	ErrRootUnmounted  = fmt.Errorf("storage root not mounted: %w", types.ErrStorageUnavailable)
)

// CreateOptions tunes a new dataset.
type CreateOptions struct {
	QuotaBytes int64
}

// Usage is best-effort space accounting. Known is false when the query
// failed; callers must not treat that as zero.
type Usage struct {
	Logical    int64 `json:"logical"`
	Referenced int64 `json:"referenced"`
	Known      bool  `json:"known"`
}

// SnapshotInfo is a snapshot as the storage layer sees it.
type SnapshotInfo struct {
	Name      string    `json:"name"` // dataset@label
	Dataset   string    `json:"dataset"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// RootStatus is the result of a storage pre-flight check.
type RootStatus struct {
	Version string
	Exists  bool
	Mounted bool
}

// Driver manages copy-on-write datasets on one host.
type Driver interface {
	// CreateDataset creates root/name mounted at root's mount base, owned by
	// the engine user. Returns the dataset and mountpoint.
	CreateDataset(ctx context.Context, root types.StorageRoot, name string, opts CreateOptions) (dataset, mountpoint string, err error)
	// Snapshot creates dataset@label and returns its full name.
	Snapshot(ctx context.Context, dataset, label string) (string, error)
	// Clone creates root/name from snapshot. Returns dataset and mountpoint.
	Clone(ctx context.Context, snapshot string, root types.StorageRoot, name string, opts CreateOptions) (dataset, mountpoint string, err error)
	// Destroy removes a dataset or snapshot. Recursive also removes the
	// dataset's own snapshots, never dependent clones.
	Destroy(ctx context.Context, target string, recursive bool) error
	Exists(ctx context.Context, target string) (bool, error)
	Usage(ctx context.Context, target string) Usage
	ListSnapshots(ctx context.Context, dataset string) ([]SnapshotInfo, error)
	// Inspect reports tooling version and root state.
	Inspect(ctx context.Context, root types.StorageRoot) (RootStatus, error)
	// EnsureRoot creates the root dataset if missing.
	EnsureRoot(ctx context.Context, root types.StorageRoot) error
}
