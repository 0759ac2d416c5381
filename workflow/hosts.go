package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
)

// AddHost registers a host. It starts unvalidated; databases can only be
// placed on it after ValidateHost succeeds.
func (e *Engine) AddHost(ctx context.Context, h types.Host) (*types.Host, error) {
	if h.Name == "" {
		return nil, types.Invalidf("host name is required")
	}
	switch h.Mode {
	case types.ModeLocal:
		h.SSH = nil
	case types.ModeRemote:
		if h.SSH == nil || h.SSH.Address == "" || h.SSH.User == "" {
			return nil, types.Invalidf("remote host %s needs an SSH address and user", h.Name)
		}
	default:
		return nil, types.Invalidf("unknown connection mode %q", h.Mode)
	}
	if h.Root.Dataset == "" || h.Root.MountBase == "" {
		return nil, types.Invalidf("host %s needs a storage root dataset and mount base", h.Name)
	}
	if h.Root.Pool == "" {
		h.Root.Pool, _, _ = strings.Cut(h.Root.Dataset, "/")
	}
	id, err := utils.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now()
	h.ID, h.CreatedAt, h.UpdatedAt = id, now, now
	h.Validation = types.HostValidation{}

	if err := e.store.Update(ctx, func(idx *meta.Index) error {
		if _, taken := idx.HostNames[h.Name]; taken {
			return fmt.Errorf("host name %s: %w", h.Name, types.ErrResourceConflict)
		}
		cp := h
		idx.Hosts[id] = &cp
		idx.HostNames[h.Name] = id
		return nil
	}); err != nil {
		return nil, err
	}
	log.WithFunc("workflow.AddHost").Infof(ctx, "host %s (%s) added as %s", h.Name, h.Mode, id)
	return &h, nil
}

// ListHosts returns every host ordered by name.
func (e *Engine) ListHosts(ctx context.Context) ([]*types.Host, error) {
	var out []*types.Host
	err := e.store.With(ctx, func(idx *meta.Index) error {
		for _, h := range idx.Hosts {
			cp := *h
			out = append(out, &cp)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *types.Host) int { return strings.Compare(a.Name, b.Name) })
	return out, err
}

// RemoveHost forgets a host. Hosts still carrying live databases are
// refused with a *types.DependencyConflictError.
func (e *Engine) RemoveHost(ctx context.Context, ref string) error {
	var id string
	if err := e.store.Update(ctx, func(idx *meta.Index) error {
		var err error
		if id, err = idx.ResolveHost(ref); err != nil {
			return err
		}
		h := idx.Hosts[id]
		if live := idx.LiveDatabases(id); len(live) > 0 {
			names := make([]string, 0, len(live))
			for _, db := range live {
				names = append(names, db.Name)
			}
			return &types.DependencyConflictError{Target: h.Name, Blockers: names}
		}
		for sid, s := range idx.Snapshots {
			if s.HostID == id {
				delete(idx.Snapshots, sid)
			}
		}
		delete(idx.HostNames, h.Name)
		delete(idx.Hosts, id)
		return nil
	}); err != nil {
		return err
	}
	if d, ok := e.backends.(interface{ Drop(string) }); ok {
		d.Drop(id)
	}
	log.WithFunc("workflow.RemoveHost").Infof(ctx, "host %s removed", ref)
	return nil
}

// ValidateHost runs the pre-flight check and caches the result on the host
// record. With ensureRoot a missing storage root is created first.
func (e *Engine) ValidateHost(ctx context.Context, ref string, ensureRoot bool) (*types.Host, error) {
	h, err := e.loadHost(ctx, ref)
	if err != nil {
		return nil, err
	}
	b, err := e.backends.Backend(ctx, &h)
	if err != nil {
		return nil, err
	}
	v := host.Validate(ctx, b, &h, ensureRoot)
	if err := e.store.Update(ctx, func(idx *meta.Index) error {
		rec := idx.Hosts[h.ID]
		if rec == nil {
			return fmt.Errorf("host %s: %w", h.Name, types.ErrNotFound)
		}
		rec.Validation = v
		rec.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		return nil, err
	}
	h.Validation = v
	return &h, nil
}
