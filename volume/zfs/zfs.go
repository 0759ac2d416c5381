package zfs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/executor"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
)

const (
	// engineUID owns the data directory inside the postgres image.
	engineUID = "999:999"

	recordSize  = "8K"
	compression = "lz4"
)

// compile-time interface check.
var _ volume.Driver = (*ZFS)(nil)

// datasetLocks serializes operations per host+dataset across every ZFS
// instance in the process.
var datasetLocks = kmutex.New()

// ZFS drives the zfs CLI through an Executor.
type ZFS struct {
	exec executor.Executor
}

// New returns a ZFS driver bound to ex.
func New(ex executor.Executor) *ZFS {
	return &ZFS{exec: ex}
}

// CreateDataset runs zfs create and hands the mountpoint to the engine user.
// A failed ownership change destroys the fresh dataset.
func (z *ZFS) CreateDataset(ctx context.Context, root types.StorageRoot, name string, opts volume.CreateOptions) (string, string, error) {
	if err := z.requireMounted(ctx, root); err != nil {
		return "", "", err
	}
	dataset, mountpoint := root.DatasetPath(name), root.Mountpoint(name)
	unlock := z.lock(dataset)
	defer unlock()

	args := []string{"zfs", "create",
		"-o", "compression=" + compression,
		"-o", "recordsize=" + recordSize,
		"-o", "mountpoint=" + mountpoint,
	}
	if opts.QuotaBytes > 0 {
		args = append(args, "-o", "quota="+strconv.FormatInt(opts.QuotaBytes, 10))
	}
	args = append(args, dataset)
	if err := z.run(ctx, args, volume.ErrNotFound); err != nil {
		return "", "", err
	}
	if err := z.prepareMount(ctx, mountpoint); err != nil {
		if derr := z.run(ctx, []string{"zfs", "destroy", "-r", dataset}, volume.ErrNotFound); derr != nil && !errors.Is(derr, volume.ErrNotFound) {
			log.WithFunc("zfs.CreateDataset").Warnf(ctx, "cleanup %s after failed ownership change: %v", dataset, derr)
		}
		return "", "", err
	}
	return dataset, mountpoint, nil
}

// Snapshot creates dataset@label.
func (z *ZFS) Snapshot(ctx context.Context, dataset, label string) (string, error) {
	if label == "" || strings.ContainsAny(label, "@/ ") {
		return "", types.Invalidf("bad snapshot label %q", label)
	}
	unlock := z.lock(dataset)
	defer unlock()

	full := dataset + "@" + label
	err := z.run(ctx, []string{"zfs", "snapshot", full}, volume.ErrSourceNotFound)
	if errors.Is(err, volume.ErrAlreadyExists) {
		return "", fmt.Errorf("%s: %w", full, volume.ErrDuplicateLabel)
	}
	if err != nil {
		return "", err
	}
	return full, nil
}

// Clone creates root/name from snapshot.
func (z *ZFS) Clone(ctx context.Context, snapshot string, root types.StorageRoot, name string, opts volume.CreateOptions) (string, string, error) {
	srcDataset, _, ok := strings.Cut(snapshot, "@")
	if !ok {
		return "", "", types.Invalidf("%q is not a snapshot name", snapshot)
	}
	dataset, mountpoint := root.DatasetPath(name), root.Mountpoint(name)
	unlock := z.lock(srcDataset, dataset)
	defer unlock()

	args := []string{"zfs", "clone", "-o", "mountpoint=" + mountpoint}
	if opts.QuotaBytes > 0 {
		args = append(args, "-o", "quota="+strconv.FormatInt(opts.QuotaBytes, 10))
	}
	args = append(args, snapshot, dataset)
	if err := z.run(ctx, args, volume.ErrSourceNotFound); err != nil {
		return "", "", err
	}
	return dataset, mountpoint, nil
}

// Destroy removes target. A missing target is reported as ErrNotFound so
// callers doing compensation can treat it as already done.
func (z *ZFS) Destroy(ctx context.Context, target string, recursive bool) error {
	dataset, _, _ := strings.Cut(target, "@")
	unlock := z.lock(dataset)
	defer unlock()

	args := []string{"zfs", "destroy"}
	if recursive {
		args = append(args, "-r")
	}
	args = append(args, target)
	return z.run(ctx, args, volume.ErrNotFound)
}

func (z *ZFS) Exists(ctx context.Context, target string) (bool, error) {
	err := z.run(ctx, []string{"zfs", "list", "-H", "-o", "name", "-t", "all", target}, volume.ErrNotFound)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, volume.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Usage never fails; an unreadable dataset yields Known=false.
func (z *ZFS) Usage(ctx context.Context, target string) volume.Usage {
	res, err := executor.Run(ctx, z.exec, "zfs", "get", "-Hp", "-o", "value", "logicalused,referenced", target)
	if err != nil {
		log.WithFunc("zfs.Usage").Warnf(ctx, "usage of %s unavailable: %v", target, err)
		return volume.Usage{}
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 { //nolint:mnd
		return volume.Usage{}
	}
	logical, err1 := strconv.ParseInt(fields[0], 10, 64)
	referenced, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return volume.Usage{}
	}
	return volume.Usage{Logical: logical, Referenced: referenced, Known: true}
}

// ListSnapshots returns the direct snapshots of dataset, oldest first.
func (z *ZFS) ListSnapshots(ctx context.Context, dataset string) ([]volume.SnapshotInfo, error) {
	res, err := z.exec.Execute(ctx, executor.Command{
		Args: []string{"zfs", "list", "-H", "-p", "-o", "name,creation", "-t", "snapshot", "-d", "1", dataset},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, classify(z.exec.Host(), []string{"zfs", "list", dataset}, res, volume.ErrNotFound)
	}
	var out []volume.SnapshotInfo
	for line := range strings.SplitSeq(strings.TrimSpace(res.Stdout), "\n") {
		name, created, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		ds, label, ok := strings.Cut(name, "@")
		if !ok {
			continue
		}
		info := volume.SnapshotInfo{Name: name, Dataset: ds, Label: label}
		if sec, err := strconv.ParseInt(strings.TrimSpace(created), 10, 64); err == nil {
			info.CreatedAt = time.Unix(sec, 0)
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b volume.SnapshotInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Inspect reports the zfs userland version and whether the root dataset
// exists and is mounted.
func (z *ZFS) Inspect(ctx context.Context, root types.StorageRoot) (volume.RootStatus, error) {
	var st volume.RootStatus
	res, err := executor.Run(ctx, z.exec, "zfs", "version")
	if err != nil {
		return st, fmt.Errorf("zfs tooling: %w", err)
	}
	st.Version, _, _ = strings.Cut(strings.TrimSpace(res.Stdout), "\n")

	res, err = z.exec.Execute(ctx, executor.Command{Args: []string{"zfs", "get", "-H", "-o", "value", "mounted", root.Dataset}})
	if err != nil {
		return st, err
	}
	if !res.OK() {
		if isMissing(res.Stderr) {
			return st, nil
		}
		return st, executor.NonzeroExit(z.exec.Host(), []string{"zfs", "get", "mounted", root.Dataset}, res)
	}
	st.Exists = true
	st.Mounted = strings.TrimSpace(res.Stdout) == "yes"
	return st, nil
}

// EnsureRoot creates the root dataset with its parents when missing.
func (z *ZFS) EnsureRoot(ctx context.Context, root types.StorageRoot) error {
	unlock := z.lock(root.Dataset)
	defer unlock()
	err := z.run(ctx, []string{"zfs", "create", "-p", "-o", "mountpoint=" + root.MountBase, root.Dataset}, volume.ErrNotFound)
	if errors.Is(err, volume.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (z *ZFS) requireMounted(ctx context.Context, root types.StorageRoot) error {
	res, err := z.exec.Execute(ctx, executor.Command{Args: []string{"zfs", "get", "-H", "-o", "value", "mounted", root.Dataset}})
	if err != nil {
		return err
	}
	if !res.OK() || strings.TrimSpace(res.Stdout) != "yes" {
		return fmt.Errorf("%s: %w", root.Dataset, volume.ErrRootUnmounted)
	}
	return nil
}

func (z *ZFS) prepareMount(ctx context.Context, mountpoint string) error {
	if _, err := executor.Run(ctx, z.exec, "chown", engineUID, mountpoint); err != nil {
		return fmt.Errorf("chown %s: %w", mountpoint, err)
	}
	if _, err := executor.Run(ctx, z.exec, "chmod", "700", mountpoint); err != nil {
		return fmt.Errorf("chmod %s: %w", mountpoint, err)
	}
	return nil
}

// run executes args and maps zfs stderr onto volume sentinels. missing is
// the sentinel used for "does not exist".
func (z *ZFS) run(ctx context.Context, args []string, missing error) error {
	res, err := z.exec.Execute(ctx, executor.Command{Args: args})
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	return classify(z.exec.Host(), args, res, missing)
}

// lock takes the per-dataset locks in sorted order and returns the release.
func (z *ZFS) lock(datasets ...string) func() {
	keys := make([]string, 0, len(datasets))
	for _, d := range datasets {
		keys = append(keys, z.exec.Host()+"|"+d)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	for _, k := range keys {
		datasetLocks.Lock(k)
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			datasetLocks.Unlock(keys[i])
		}
	}
}

func classify(host string, args []string, res *executor.Result, missing error) error {
	stderr := strings.TrimSpace(res.Stderr)
	base := executor.NonzeroExit(host, args, res)
	switch {
	case strings.Contains(stderr, "already exists"):
		return fmt.Errorf("%s: %w", stderr, volume.ErrAlreadyExists)
	case isMissing(stderr):
		return fmt.Errorf("%s: %w", stderr, missing)
	case strings.Contains(stderr, "dependent clones"), strings.Contains(stderr, "has children"):
		return fmt.Errorf("%s: %w", stderr, volume.ErrHasDependents)
	case strings.Contains(stderr, "not mounted"), strings.Contains(stderr, "pool I/O is currently suspended"):
		return fmt.Errorf("%w: %w", volume.ErrRootUnmounted, base)
	default:
		return base
	}
}

func isMissing(stderr string) bool {
	return strings.Contains(stderr, "does not exist") || strings.Contains(stderr, "no such pool")
}
