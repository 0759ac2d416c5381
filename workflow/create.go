package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/lineage"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/volume"
)

const (
	containerPrefix = "sprout_db_"
	enginePort      = 5432
	dataDir         = "/var/lib/postgresql/data"
	rootLabel       = "root"

	labelDatabase = "io.sprout.database"
	labelHost     = "io.sprout.host"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]{1,61}[A-Za-z0-9]$`)

// ValidateName checks a database name and returns its canonical form.
func ValidateName(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", types.Invalidf("database name %q: 3-63 letters, digits or underscores, not starting or ending with an underscore", name)
	}
	return strings.ToLower(name), nil
}

// ContainerName returns the runtime container name of a database.
func ContainerName(name string) string { return containerPrefix + name }

// compensation is one undo action pushed after a forward step succeeds.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// provision carries one creation attempt through its steps.
type provision struct {
	rec     types.Database
	host    types.Host
	source  string // full name of the snapshot cloned from
	undo    []compensation
	reached types.Phase
}

func (p *provision) push(name string, fn func(ctx context.Context) error) {
	p.undo = append(p.undo, compensation{name: name, fn: fn})
}

// CreateDatabase provisions a database: reserve a port, prepare storage,
// launch the container and wait for it to accept the carried credential.
// Any failure unwinds the completed steps in reverse order before returning
// a *types.ProvisionError.
func (e *Engine) CreateDatabase(ctx context.Context, spec types.CreateSpec) (*types.Database, error) {
	logger := log.WithFunc("workflow.CreateDatabase")
	start := time.Now()

	p, err := e.prepare(ctx, &spec)
	if err != nil {
		e.metrics.Provision(string(spec.CreationType), "rejected", time.Since(start))
		return nil, err
	}
	b, err := e.backends.Backend(ctx, &p.host)
	if err != nil {
		e.metrics.Provision(string(spec.CreationType), "rejected", time.Since(start))
		return nil, err
	}

	// Reserve checks the name, the source and records the lineage edge in
	// the same transaction that takes the port.
	if _, err = e.ports.Reserve(ctx, &p.rec, func(idx *meta.Index) error {
		return e.admit(idx, &spec, p)
	}); err != nil {
		e.metrics.Provision(string(spec.CreationType), "rejected", time.Since(start))
		return nil, err
	}
	p.reached = types.PhasePortAllocated
	logger.Infof(ctx, "provisioning %s (%s) on %s port %d", p.rec.Name, p.rec.CreationType, p.host.Name, p.rec.Port)

	unlock := e.lockDB(p.rec.ID)
	defer unlock()

	if err = e.runSteps(ctx, p, b); err != nil {
		warnings := e.rollbackCreate(ctx, p, err)
		perr := &types.ProvisionError{Database: p.rec.Name, Phase: p.reached, Err: err, Warnings: warnings}
		logger.Warnf(ctx, "%v", perr)
		e.metrics.Provision(string(p.rec.CreationType), "failed", time.Since(start))
		failed := p.rec
		failed.Status = types.StatusDeleted
		e.publish(ctx, e.event(events.DatabaseCreateFailed, &failed, err))
		return nil, perr
	}

	e.afterRunning(ctx, p, b)
	e.metrics.Provision(string(p.rec.CreationType), "ok", time.Since(start))
	e.publish(ctx, e.event(events.DatabaseCreated, &p.rec, nil))
	logger.Infof(ctx, "database %s running on %s:%d", p.rec.Name, p.host.Name, p.rec.Port)
	rec := p.rec
	return &rec, nil
}

// prepare validates spec and builds the initial record.
func (e *Engine) prepare(ctx context.Context, spec *types.CreateSpec) (*provision, error) {
	name, err := ValidateName(spec.Name)
	if err != nil {
		return nil, err
	}
	if spec.Version == "" {
		spec.Version = e.conf.DefaultPGVersion
	}
	if !slices.Contains(e.conf.PGVersions, spec.Version) {
		return nil, types.Invalidf("version %q not in %v", spec.Version, e.conf.PGVersions)
	}
	if spec.CreationType == "" {
		spec.CreationType = types.CreationEmpty
	}
	switch spec.CreationType {
	case types.CreationEmpty:
		if spec.SourceDatabase != "" || spec.SourceSnapshot != "" {
			return nil, types.Invalidf("an empty database takes no source")
		}
	case types.CreationClone:
		if spec.SourceDatabase == "" {
			return nil, types.Invalidf("clone needs a source database")
		}
	case types.CreationSnapshotRestore:
		if spec.SourceSnapshot == "" {
			return nil, types.Invalidf("restore needs a source snapshot")
		}
	default:
		return nil, types.Invalidf("unknown creation type %q", spec.CreationType)
	}
	if spec.QuotaBytes < 0 {
		return nil, types.Invalidf("negative quota")
	}

	h, err := e.loadHost(ctx, spec.HostID)
	if err != nil {
		return nil, err
	}
	if !h.Validation.Ready() {
		return nil, fmt.Errorf("host %s: %w", h.Name, types.ErrHostNotReady)
	}
	id, err := utils.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now()
	return &provision{
		host: h,
		rec: types.Database{
			ID:            id,
			HostID:        h.ID,
			Name:          name,
			DBName:        name,
			Version:       spec.Version,
			Image:         e.conf.Image(spec.Version),
			Status:        types.StatusProvisioning,
			Phase:         types.PhaseRequested,
			CreationType:  spec.CreationType,
			QuotaBytes:    spec.QuotaBytes,
			Dataset:       h.Root.DatasetPath(name),
			Mountpoint:    h.Root.Mountpoint(name),
			ContainerName: ContainerName(name),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}, nil
}

// admit runs inside the reservation transaction. It rejects name
// collisions, resolves the source, records the lineage edge and picks the
// credential.
func (e *Engine) admit(idx *meta.Index, spec *types.CreateSpec, p *provision) error {
	rec := &p.rec
	rec.SourceDatabase, rec.SourceSnapshot = "", ""
	if idx.Hosts[rec.HostID] == nil {
		return fmt.Errorf("host %s: %w", rec.HostID, types.ErrNotFound)
	}
	if idx.LiveByName(rec.HostID, rec.Name) != nil {
		return fmt.Errorf("database %s on %s: %w", rec.Name, p.host.Name, types.ErrResourceConflict)
	}
	resolved := *spec
	switch spec.CreationType {
	case types.CreationClone:
		srcID, err := idx.ResolveDatabase(spec.SourceDatabase, rec.HostID)
		if err != nil {
			return sourceMissing(err)
		}
		if err := lineage.RecordEdge(idx, rec, srcID, ""); err != nil {
			return err
		}
		src := idx.Databases[srcID]
		rec.DBName = src.DBName
		resolved.SourceDatabase = srcID
	case types.CreationSnapshotRestore:
		snapID, err := idx.ResolveSnapshot(spec.SourceSnapshot)
		if err != nil {
			return sourceMissing(err)
		}
		if err := lineage.RecordEdge(idx, rec, "", snapID); err != nil {
			return err
		}
		snap := idx.Snapshots[snapID]
		if owner := idx.Databases[snap.DatabaseID]; owner != nil {
			rec.DBName = owner.DBName
		}
		resolved.SourceSnapshot = snapID
		p.source = snap.FullName()
	}
	cred, err := e.creds.Resolve(idx, &resolved)
	if err != nil {
		return err
	}
	rec.Credential = cred
	return nil
}

func sourceMissing(err error) error {
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("%w: %w", types.ErrSourceNotFound, err)
	}
	return err
}

// runSteps runs the forward steps after the port is held.
func (e *Engine) runSteps(ctx context.Context, p *provision, b *host.Backend) error {
	if err := e.stepStorage(ctx, p, b); err != nil {
		return err
	}
	if err := e.stepContainer(ctx, p, b); err != nil {
		return err
	}
	return e.stepHealth(ctx, p, b)
}

// stepStorage creates or clones the dataset.
func (e *Engine) stepStorage(ctx context.Context, p *provision, b *host.Backend) error {
	rec := &p.rec
	opts := volume.CreateOptions{QuotaBytes: rec.QuotaBytes}
	var err error
	switch rec.CreationType {
	case types.CreationEmpty:
		_, _, err = b.Volume.CreateDataset(ctx, p.host.Root, rec.Name, opts)
	case types.CreationClone:
		if err = e.originSnapshot(ctx, p, b); err != nil {
			return err
		}
		_, _, err = b.Volume.Clone(ctx, p.source, p.host.Root, rec.Name, opts)
	case types.CreationSnapshotRestore:
		_, _, err = b.Volume.Clone(ctx, p.source, p.host.Root, rec.Name, opts)
	}
	if err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}
	p.push("destroy dataset", func(ctx context.Context) error {
		return ignoreMissing(b.Volume.Destroy(ctx, rec.Dataset, true), volume.ErrNotFound)
	})
	if err := e.setPhase(ctx, rec.ID, types.PhaseStorageReady); err != nil {
		return err
	}
	p.reached = types.PhaseStorageReady
	return nil
}

// originSnapshot synthesizes the clone-origin snapshot of the source,
// records it and binds it to the new database's lineage edge.
func (e *Engine) originSnapshot(ctx context.Context, p *provision, b *host.Backend) error {
	rec := &p.rec
	var srcDataset string
	if err := e.store.With(ctx, func(idx *meta.Index) error {
		src := idx.Databases[rec.SourceDatabase]
		if src == nil {
			return fmt.Errorf("source database %s: %w", rec.SourceDatabase, types.ErrSourceNotFound)
		}
		srcDataset = src.Dataset
		return nil
	}); err != nil {
		return err
	}
	label := fmt.Sprintf("clone-%s-%s", rec.Name, time.Now().UTC().Format("20060102T150405.000000000"))
	full, err := b.Volume.Snapshot(ctx, srcDataset, label)
	if err != nil {
		if errors.Is(err, volume.ErrNotFound) {
			return fmt.Errorf("snapshot source %s: %w", srcDataset, types.ErrSourceNotFound)
		}
		return fmt.Errorf("snapshot source: %w", err)
	}
	snapID, err := utils.GenerateID()
	if err != nil {
		_ = b.Volume.Destroy(context.WithoutCancel(ctx), full, false)
		return fmt.Errorf("generate id: %w", err)
	}
	p.source = full
	p.push("destroy origin snapshot", func(ctx context.Context) error {
		if err := ignoreMissing(b.Volume.Destroy(ctx, full, false), volume.ErrNotFound); err != nil {
			return err
		}
		return e.store.Update(ctx, func(idx *meta.Index) error {
			delete(idx.Snapshots, snapID)
			return nil
		})
	})
	return e.store.Update(ctx, func(idx *meta.Index) error {
		idx.Snapshots[snapID] = &types.Snapshot{
			ID:         snapID,
			HostID:     rec.HostID,
			DatabaseID: rec.SourceDatabase,
			Dataset:    srcDataset,
			Label:      label,
			Origin:     types.OriginClone,
			CreatedAt:  time.Now(),
		}
		if err := lineage.BindSnapshot(idx, rec.ID, snapID); err != nil {
			return err
		}
		rec.SourceSnapshot = snapID
		return nil
	})
}

// stepContainer pulls the image and launches the container.
func (e *Engine) stepContainer(ctx context.Context, p *provision, b *host.Backend) error {
	rec := &p.rec
	if err := b.Runtime.PullImage(ctx, rec.Image); err != nil {
		return fmt.Errorf("pull %s: %w", rec.Image, err)
	}
	cid, err := b.Runtime.Launch(ctx, e.containerSpec(rec))
	if errors.Is(err, container.ErrNameInUse) {
		// the name belongs to a container this attempt did not create
		return fmt.Errorf("launch %s: %w", rec.ContainerName, err)
	}
	// The runtime may create the container and then fail to start it.
	p.push("remove container", func(ctx context.Context) error { return removeContainer(ctx, b.Runtime, rec.ContainerName) })
	if err != nil {
		return fmt.Errorf("launch %s: %w", rec.ContainerName, err)
	}
	rec.ContainerID = cid
	if err := e.persist(ctx, rec.ID, func(r *types.Database) {
		r.ContainerID = cid
		r.Phase = types.PhaseContainerLaunched
	}); err != nil {
		return err
	}
	p.reached = types.PhaseContainerLaunched
	return nil
}

// stepHealth waits until the database accepts the credential on its record,
// which for clones and restores is the carried one.
func (e *Engine) stepHealth(ctx context.Context, p *provision, b *host.Backend) error {
	rec := &p.rec
	if err := container.WaitHealthy(ctx, b.Runtime, rec.ContainerName,
		e.conf.HealthTimeout(), e.conf.HealthInterval(), e.healthProbe(&p.host, rec)); err != nil {
		return err
	}
	rec.Status = types.StatusRunning
	rec.Phase = types.PhaseHealthVerified
	if err := e.persist(ctx, rec.ID, func(r *types.Database) {
		r.Status = types.StatusRunning
		r.Phase = types.PhaseHealthVerified
		r.LastError = ""
	}); err != nil {
		return err
	}
	p.reached = types.PhaseHealthVerified
	return nil
}

func (e *Engine) containerSpec(rec *types.Database) container.Spec {
	return container.Spec{
		Name:  rec.ContainerName,
		Image: rec.Image,
		Env: map[string]string{
			"POSTGRES_DB":          rec.DBName,
			"POSTGRES_USER":        rec.Credential.Username,
			"POSTGRES_PASSWORD":    rec.Credential.Password,
			"POSTGRES_INITDB_ARGS": "--data-checksums",
		},
		HostPort:      rec.Port,
		ContainerPort: enginePort,
		Mounts:        []container.Mount{{Source: rec.Mountpoint, Target: dataDir}},
		Labels: map[string]string{
			labelDatabase: rec.ID,
			labelHost:     rec.HostID,
		},
		HealthCmd: []string{"pg_isready", "-U", rec.Credential.Username},
	}
}

// rollbackCreate unwinds the completed steps in reverse order. It runs on a
// context detached from the caller's cancellation. The port is released
// only when every step unwound; otherwise the record is kept in the error
// status, still holding its port, for Recover or DeleteDatabase to finish.
func (e *Engine) rollbackCreate(ctx context.Context, p *provision, cause error) []string {
	logger := log.WithFunc("workflow.rollbackCreate")
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.CompensationTimeout())
	defer cancel()

	var warnings []string
	for i := len(p.undo) - 1; i >= 0; i-- {
		step := p.undo[i]
		err := step.fn(cctx)
		e.metrics.Compensation(step.name, err)
		if err != nil {
			logger.Warnf(ctx, "%s: %s: %v", p.rec.Name, step.name, err)
			warnings = append(warnings, fmt.Sprintf("%s: %v", step.name, err))
		}
	}
	if len(warnings) > 0 {
		if err := e.persist(cctx, p.rec.ID, func(r *types.Database) {
			r.Status = types.StatusError
			r.Phase = types.PhaseFailed
			r.LastError = cause.Error()
		}); err != nil {
			warnings = append(warnings, fmt.Sprintf("mark failed: %v", err))
		}
		return warnings
	}
	err := e.ports.Release(cctx, p.rec.ID, cause.Error())
	e.metrics.Compensation("release port", err)
	if err != nil {
		logger.Warnf(ctx, "%s: release port: %v", p.rec.Name, err)
		warnings = append(warnings, fmt.Sprintf("release port: %v", err))
	}
	return warnings
}

// afterRunning takes the root snapshot and, for clones and restores,
// renames the inner database. Neither failure undoes the provision.
func (e *Engine) afterRunning(ctx context.Context, p *provision, b *host.Backend) {
	logger := log.WithFunc("workflow.afterRunning")
	rec := &p.rec
	if _, err := e.recordSnapshot(ctx, b, rec, rootLabel, types.OriginRoot); err != nil {
		logger.Warnf(ctx, "root snapshot of %s: %v", rec.Name, err)
	}
	if rec.DBName == rec.Name {
		return
	}
	if err := e.rename(ctx, e.connInfo(&p.host, rec), rec.DBName, rec.Name, e.conf.ProbeTimeout()); err != nil {
		logger.Warnf(ctx, "rename inner database of %s from %s: %v", rec.Name, rec.DBName, err)
		return
	}
	if err := e.persist(ctx, rec.ID, func(r *types.Database) { r.DBName = rec.Name }); err != nil {
		logger.Warnf(ctx, "record rename of %s: %v", rec.Name, err)
		return
	}
	rec.DBName = rec.Name
}

func ignoreMissing(err error, missing error) error {
	if err == nil || errors.Is(err, missing) {
		return nil
	}
	return err
}
