package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/lineage"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
)

// DatabaseInfo is a database record enriched with live host state.
type DatabaseInfo struct {
	Database  types.Database   `json:"database"`
	Host      string           `json:"host"`
	Container *container.State `json:"container,omitempty"`
	// ContainerError explains a missing Container.
	ContainerError string       `json:"container_error,omitempty"`
	Usage          volume.Usage `json:"usage"`
}

// InspectDatabase returns the record with the container state and the
// dataset usage. An unknown usage is reported as such, not as an error.
func (e *Engine) InspectDatabase(ctx context.Context, ref string) (*DatabaseInfo, error) {
	t, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	info := &DatabaseInfo{Database: t.db, Host: t.host.Name}
	if !t.db.Live() {
		return info, nil
	}
	if st, err := t.backend.Runtime.Inspect(ctx, t.db.ContainerName); err != nil {
		info.ContainerError = err.Error()
	} else {
		info.Container = st
	}
	if t.db.Dataset != "" {
		info.Usage = t.backend.Volume.Usage(ctx, t.db.Dataset)
	}
	return info, nil
}

// Refresh reconciles a settled database's status with its container:
// running ↔ stopped follow the container, a missing container is an error.
func (e *Engine) Refresh(ctx context.Context, ref string) (*types.Database, error) {
	db, _, err := e.loadDatabase(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.lockDB(db.ID)
	defer unlock()

	t, err := e.resolve(ctx, db.ID)
	if err != nil {
		return nil, err
	}
	switch t.db.Status {
	case types.StatusRunning, types.StatusStopped, types.StatusError:
	default:
		return &t.db, nil
	}

	status, lastErr := t.db.Status, t.db.LastError
	st, err := t.backend.Runtime.Inspect(ctx, t.db.ContainerName)
	switch {
	case errors.Is(err, container.ErrNotFound):
		status, lastErr = types.StatusError, "container missing"
	case err != nil:
		return nil, err
	case st.Running:
		status = types.StatusRunning
		if t.db.Status == types.StatusError {
			lastErr = ""
		}
	default:
		status = types.StatusStopped
	}
	if status == t.db.Status && lastErr == t.db.LastError {
		return &t.db, nil
	}
	log.WithFunc("workflow.Refresh").Infof(ctx, "database %s: %s -> %s", t.db.Name, t.db.Status, status)
	if err := e.persist(ctx, t.db.ID, func(r *types.Database) {
		r.Status = status
		r.LastError = lastErr
	}); err != nil {
		return nil, err
	}
	t.db.Status, t.db.LastError = status, lastErr
	return &t.db, nil
}

// RefreshHost refreshes every live database on a host and updates the
// per-host gauges.
func (e *Engine) RefreshHost(ctx context.Context, hostRef string) error {
	h, err := e.loadHost(ctx, hostRef)
	if err != nil {
		return err
	}
	dbs, err := e.ListDatabases(ctx, h.ID, false)
	if err != nil {
		return err
	}
	var errs []error
	byStatus := make(map[string]int)
	for _, db := range dbs {
		cur, err := e.Refresh(ctx, db.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", db.Name, err))
			cur = db
		}
		byStatus[string(cur.Status)]++
	}
	e.metrics.Databases(h.Name, byStatus)
	if n, err := e.ports.InUse(ctx, h.ID); err == nil {
		e.metrics.PortsInUse(h.Name, n)
	}
	return errors.Join(errs...)
}

// FetchLogs returns the last tail lines of a database's container output.
func (e *Engine) FetchLogs(ctx context.Context, ref string, tail int) (string, error) {
	t, err := e.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return t.backend.Runtime.Logs(ctx, t.db.ContainerName, tail)
}

// GetConnectionInfo returns how a client reaches a live database.
func (e *Engine) GetConnectionInfo(ctx context.Context, ref string) (types.ConnectionInfo, error) {
	db, h, err := e.loadDatabase(ctx, ref)
	if err != nil {
		return types.ConnectionInfo{}, err
	}
	if !db.Live() {
		return types.ConnectionInfo{}, fmt.Errorf("database %s is deleted: %w", db.Name, types.ErrNotFound)
	}
	return e.connInfo(&h, &db), nil
}

// ListDatabases returns databases on hostRef (all hosts when empty) ordered
// by creation. Deleted records are included only with all.
func (e *Engine) ListDatabases(ctx context.Context, hostRef string, all bool) ([]*types.Database, error) {
	var out []*types.Database
	err := e.store.With(ctx, func(idx *meta.Index) error {
		hostID := ""
		if hostRef != "" {
			id, err := idx.ResolveHost(hostRef)
			if err != nil {
				return err
			}
			hostID = id
		}
		for _, db := range idx.Databases {
			if (all || db.Live()) && (hostID == "" || db.HostID == hostID) {
				cp := *db
				out = append(out, &cp)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *types.Database) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, err
}

// ListSnapshots returns the snapshots of one database when dbRef is set,
// otherwise of every database on hostRef (all hosts when both are empty).
func (e *Engine) ListSnapshots(ctx context.Context, hostRef, dbRef string) ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := e.store.With(ctx, func(idx *meta.Index) error {
		hostID := ""
		if hostRef != "" {
			id, err := idx.ResolveHost(hostRef)
			if err != nil {
				return err
			}
			hostID = id
		}
		dbID := ""
		if dbRef != "" {
			id, err := idx.ResolveDatabase(dbRef, hostID)
			if err != nil {
				return err
			}
			dbID = id
		}
		for _, s := range idx.Snapshots {
			if (dbID == "" || s.DatabaseID == dbID) && (hostID == "" || s.HostID == hostID) {
				cp := *s
				out = append(out, &cp)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *types.Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, err
}

// GetDependencies returns the live databases descending from ref, deepest
// first.
func (e *Engine) GetDependencies(ctx context.Context, ref string) ([]*types.Database, error) {
	var out []*types.Database
	err := e.store.With(ctx, func(idx *meta.Index) error {
		id, err := idx.ResolveDatabase(ref, "")
		if err != nil {
			return err
		}
		for _, d := range lineage.LiveDescendants(idx, id) {
			cp := *d.Database
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}
