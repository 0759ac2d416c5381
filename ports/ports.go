package ports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/storage"
	"github.com/projecteru2/sprout/types"
)

// Allocator hands out host ports from an inclusive range. A port is held by
// a database record for as long as the record is live; allocation and the
// insert of the owning record happen in one store transaction.
type Allocator struct {
	store storage.Store[meta.Index]

	mu sync.RWMutex
	lo int
	hi int
}

// New returns an Allocator over [lo, hi].
func New(store storage.Store[meta.Index], lo, hi int) *Allocator {
	return &Allocator{store: store, lo: lo, hi: hi}
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lo, a.hi
}

// SetRange replaces the bounds. Ports already held outside the new range
// stay with their databases until released.
func (a *Allocator) SetRange(lo, hi int) error {
	if lo <= 0 || hi > 65535 || lo > hi {
		return types.Invalidf("port range %d-%d", lo, hi)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lo, a.hi = lo, hi
	return nil
}

// Pick returns the lowest port in range not held by a live database on
// hostID. Callers must hold the store lock.
func (a *Allocator) Pick(idx *meta.Index, hostID string) (int, error) {
	lo, hi := a.Range()
	used := idx.PortsInUse(hostID)
	for p := lo; p <= hi; p++ {
		if _, taken := used[p]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("host %s, range %d-%d: %w", hostID, lo, hi, types.ErrExhaustedRange)
}

// Reserve runs check, picks a port and inserts rec holding it, all under one
// store update. check sees the index before insertion and may reject the
// request (name collision, vanished source).
func (a *Allocator) Reserve(ctx context.Context, rec *types.Database, check func(*meta.Index) error) (int, error) {
	var port int
	err := a.store.Update(ctx, func(idx *meta.Index) error {
		if check != nil {
			if err := check(idx); err != nil {
				return err
			}
		}
		if idx.Databases[rec.ID] != nil {
			return fmt.Errorf("database id %s: %w", rec.ID, types.ErrResourceConflict)
		}
		p, err := a.Pick(idx, rec.HostID)
		if err != nil {
			return err
		}
		port = p
		stored := *rec
		stored.Port = p
		stored.Phase = types.PhasePortAllocated
		idx.Databases[rec.ID] = &stored
		return nil
	})
	if err != nil {
		return 0, err
	}
	rec.Port = port
	rec.Phase = types.PhasePortAllocated
	return port, nil
}

// Release frees the port of dbID by retiring its record. The record stays
// for history with the failure reason.
func (a *Allocator) Release(ctx context.Context, dbID, reason string) error {
	return a.store.Update(ctx, func(idx *meta.Index) error {
		rec := idx.Databases[dbID]
		if rec == nil || !rec.Live() {
			return nil
		}
		now := time.Now()
		log.WithFunc("ports.Release").Infof(ctx, "release port %d on host %s held by %s", rec.Port, rec.HostID, rec.Name)
		rec.Status = types.StatusDeleted
		rec.Phase = types.PhaseFailed
		rec.LastError = reason
		rec.UpdatedAt = now
		rec.DeletedAt = &now
		return nil
	})
}

// InUse returns how many ports are held on hostID.
func (a *Allocator) InUse(ctx context.Context, hostID string) (int, error) {
	var n int
	return n, a.store.With(ctx, func(idx *meta.Index) error {
		n = len(idx.PortsInUse(hostID))
		return nil
	})
}
