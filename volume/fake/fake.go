// Package fake provides an in-memory volume.Driver for tests.
package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
)

// compile-time interface check.
var _ volume.Driver = (*Driver)(nil)

// Driver models datasets, snapshots and clone origins with the same
// dependency rules as zfs. Error fields inject failures.
type Driver struct {
	mu        sync.Mutex
	datasets  map[string]string // dataset → origin snapshot
	snapshots map[string]time.Time

	Unmounted   bool
	CreateErr   error
	CloneErr    error
	SnapshotErr error
	DestroyErr  error
}

// New returns an empty Driver.
func New() *Driver {
	return &Driver{datasets: make(map[string]string), snapshots: make(map[string]time.Time)}
}

func (d *Driver) CreateDataset(_ context.Context, root types.StorageRoot, name string, _ volume.CreateOptions) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Unmounted {
		return "", "", fmt.Errorf("%s: %w", root.Dataset, volume.ErrRootUnmounted)
	}
	if d.CreateErr != nil {
		return "", "", d.CreateErr
	}
	ds := root.DatasetPath(name)
	if _, ok := d.datasets[ds]; ok {
		return "", "", fmt.Errorf("%s: %w", ds, volume.ErrAlreadyExists)
	}
	d.datasets[ds] = ""
	return ds, root.Mountpoint(name), nil
}

func (d *Driver) Snapshot(_ context.Context, dataset, label string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SnapshotErr != nil {
		return "", d.SnapshotErr
	}
	if _, ok := d.datasets[dataset]; !ok {
		return "", fmt.Errorf("%s: %w", dataset, volume.ErrNotFound)
	}
	full := dataset + "@" + label
	if _, ok := d.snapshots[full]; ok {
		return "", fmt.Errorf("%s: %w", full, volume.ErrDuplicateLabel)
	}
	d.snapshots[full] = time.Now()
	return full, nil
}

func (d *Driver) Clone(_ context.Context, snapshot string, root types.StorageRoot, name string, _ volume.CreateOptions) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CloneErr != nil {
		return "", "", d.CloneErr
	}
	if _, ok := d.snapshots[snapshot]; !ok {
		return "", "", fmt.Errorf("%s: %w", snapshot, volume.ErrSourceNotFound)
	}
	ds := root.DatasetPath(name)
	if _, ok := d.datasets[ds]; ok {
		return "", "", fmt.Errorf("%s: %w", ds, volume.ErrAlreadyExists)
	}
	d.datasets[ds] = snapshot
	return ds, root.Mountpoint(name), nil
}

func (d *Driver) Destroy(_ context.Context, target string, recursive bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DestroyErr != nil {
		return d.DestroyErr
	}
	if strings.Contains(target, "@") {
		if _, ok := d.snapshots[target]; !ok {
			return fmt.Errorf("%s: %w", target, volume.ErrNotFound)
		}
		if d.hasClones(target) {
			return fmt.Errorf("%s: %w", target, volume.ErrHasDependents)
		}
		delete(d.snapshots, target)
		return nil
	}
	if _, ok := d.datasets[target]; !ok {
		return fmt.Errorf("%s: %w", target, volume.ErrNotFound)
	}
	own := d.snapshotsOf(target)
	if len(own) > 0 && !recursive {
		return fmt.Errorf("%s has snapshots: %w", target, volume.ErrHasDependents)
	}
	for _, s := range own {
		if d.hasClones(s) {
			return fmt.Errorf("%s: %w", s, volume.ErrHasDependents)
		}
	}
	for _, s := range own {
		delete(d.snapshots, s)
	}
	delete(d.datasets, target)
	return nil
}

func (d *Driver) Exists(_ context.Context, target string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.snapshots[target]; ok {
		return true, nil
	}
	_, ok := d.datasets[target]
	return ok, nil
}

func (d *Driver) Usage(_ context.Context, target string) volume.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.datasets[target]; !ok {
		return volume.Usage{}
	}
	return volume.Usage{Logical: 1 << 20, Referenced: 1 << 20, Known: true}
}

func (d *Driver) ListSnapshots(_ context.Context, dataset string) ([]volume.SnapshotInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []volume.SnapshotInfo
	for _, s := range d.snapshotsOf(dataset) {
		_, label, _ := strings.Cut(s, "@")
		out = append(out, volume.SnapshotInfo{Name: s, Dataset: dataset, Label: label, CreatedAt: d.snapshots[s]})
	}
	return out, nil
}

func (d *Driver) Inspect(context.Context, types.StorageRoot) (volume.RootStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return volume.RootStatus{Version: "fake", Exists: true, Mounted: !d.Unmounted}, nil
}

func (d *Driver) EnsureRoot(context.Context, types.StorageRoot) error { return nil }

// HasDataset reports whether a dataset exists.
func (d *Driver) HasDataset(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.datasets[name]
	return ok
}

// HasSnapshot reports whether dataset@label exists.
func (d *Driver) HasSnapshot(full string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.snapshots[full]
	return ok
}

// OriginOf returns the snapshot a dataset was cloned from.
func (d *Driver) OriginOf(dataset string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.datasets[dataset]
}

// Snapshots returns every snapshot, sorted.
func (d *Driver) Snapshots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.snapshots))
	for s := range d.snapshots {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (d *Driver) snapshotsOf(dataset string) []string {
	var out []string
	for s := range d.snapshots {
		if strings.HasPrefix(s, dataset+"@") {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

func (d *Driver) hasClones(snapshot string) bool {
	for _, origin := range d.datasets {
		if origin == snapshot {
			return true
		}
	}
	return false
}
