package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/config"
	"github.com/projecteru2/sprout/credential"
	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/lineage"
	"github.com/projecteru2/sprout/lock"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/metrics"
	"github.com/projecteru2/sprout/ports"
	"github.com/projecteru2/sprout/probe"
	"github.com/projecteru2/sprout/storage"
	"github.com/projecteru2/sprout/types"
)

// ProbeFunc checks that a database accepts authenticated connections.
type ProbeFunc func(ctx context.Context, info types.ConnectionInfo, timeout time.Duration) error

// RenameFunc renames the database inside the engine.
type RenameFunc func(ctx context.Context, info types.ConnectionInfo, from, to string, timeout time.Duration) error

// Engine runs database workflows against the hosts recorded in the store.
// Every step that changes state on a host is persisted before the next one
// starts, so an interrupted workflow can be finished by Recover.
type Engine struct {
	conf     *config.Config
	store    storage.Store[meta.Index]
	backends host.Provider
	ports    *ports.Allocator
	lineage  *lineage.Tracker
	creds    *credential.Manager
	events   events.Publisher
	metrics  *metrics.Metrics

	probe  ProbeFunc
	rename RenameFunc

	// ops serializes lifecycle operations per database ID.
	ops *kmutex.Kmutex
}

// Option customizes an Engine.
type Option func(*Engine)

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

// WithMetrics records workflow metrics into m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithProbe replaces the connectivity probe.
func WithProbe(fn ProbeFunc) Option { return func(e *Engine) { e.probe = fn } }

// WithRename replaces the in-engine rename used after a clone.
func WithRename(fn RenameFunc) Option { return func(e *Engine) { e.rename = fn } }

// WithCredentials replaces the credential manager.
func WithCredentials(m *credential.Manager) Option { return func(e *Engine) { e.creds = m } }

// New wires an Engine. locker must be the lock guarding store.
func New(conf *config.Config, store storage.Store[meta.Index], locker lock.Locker, backends host.Provider, opts ...Option) *Engine {
	e := &Engine{
		conf:     conf,
		store:    store,
		backends: backends,
		ports:    ports.New(store, conf.PortRangeStart, conf.PortRangeEnd),
		lineage:  lineage.New(store, locker),
		creds:    credential.New(),
		events:   events.Noop{},
		probe:    probe.Postgres,
		rename:   probe.RenameDatabase,
		ops:      kmutex.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lineage exposes the dependency tracker.
func (e *Engine) Lineage() *lineage.Tracker { return e.lineage }

// Ports exposes the port allocator.
func (e *Engine) Ports() *ports.Allocator { return e.ports }

// lockDB serializes workflows on one database and returns the release.
func (e *Engine) lockDB(id string) func() {
	e.ops.Lock(id)
	return func() { e.ops.Unlock(id) }
}

// target is a database with the host it lives on and that host's backend.
type target struct {
	db      types.Database
	host    types.Host
	backend *host.Backend
}

// loadHost resolves ref and returns a copy of the host record.
func (e *Engine) loadHost(ctx context.Context, ref string) (types.Host, error) {
	var h types.Host
	err := e.store.With(ctx, func(idx *meta.Index) error {
		id, err := idx.ResolveHost(ref)
		if err != nil {
			return err
		}
		h = *idx.Hosts[id]
		return nil
	})
	return h, err
}

// loadDatabase resolves ref and returns copies of the database and its host.
func (e *Engine) loadDatabase(ctx context.Context, ref string) (types.Database, types.Host, error) {
	var (
		db types.Database
		h  types.Host
	)
	err := e.store.With(ctx, func(idx *meta.Index) error {
		id, err := idx.ResolveDatabase(ref, "")
		if err != nil {
			return err
		}
		db = *idx.Databases[id]
		hp := idx.Hosts[db.HostID]
		if hp == nil {
			return fmt.Errorf("host %s of %s: %w", db.HostID, db.Name, types.ErrNotFound)
		}
		h = *hp
		return nil
	})
	return db, h, err
}

// resolve loads a database and its backend.
func (e *Engine) resolve(ctx context.Context, ref string) (*target, error) {
	db, h, err := e.loadDatabase(ctx, ref)
	if err != nil {
		return nil, err
	}
	b, err := e.backends.Backend(ctx, &h)
	if err != nil {
		return nil, err
	}
	return &target{db: db, host: h, backend: b}, nil
}

// persist applies fn to the stored record of id and stamps UpdatedAt.
func (e *Engine) persist(ctx context.Context, id string, fn func(*types.Database)) error {
	return e.store.Update(ctx, func(idx *meta.Index) error {
		rec := idx.Databases[id]
		if rec == nil {
			return fmt.Errorf("database %s: %w", id, types.ErrNotFound)
		}
		fn(rec)
		rec.UpdatedAt = time.Now()
		return nil
	})
}

// setPhase persists a workflow phase.
func (e *Engine) setPhase(ctx context.Context, id string, phase types.Phase) error {
	return e.persist(ctx, id, func(rec *types.Database) { rec.Phase = phase })
}

// markError records err on the database and flips it to the error status.
// Failures are logged; the caller returns its own error.
func (e *Engine) markError(ctx context.Context, id string, cause error) {
	if err := e.persist(ctx, id, func(rec *types.Database) {
		rec.Status = types.StatusError
		rec.LastError = cause.Error()
	}); err != nil {
		log.WithFunc("workflow.markError").Warnf(ctx, "mark database %s error: %v", id, err)
	}
}

// publish sends an event. Delivery failures are logged only.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		log.WithFunc("workflow.publish").Warnf(ctx, "publish %s for %s: %v", ev.Type, ev.Name, err)
	}
}

func (e *Engine) event(t events.Type, db *types.Database, cause error) events.Event {
	ev := events.New(t, db.HostID, db.ID, db.Name)
	ev.Status = string(db.Status)
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

// connInfo builds the client-side connection parameters of db on h.
func (e *Engine) connInfo(h *types.Host, db *types.Database) types.ConnectionInfo {
	return types.ConnectionInfo{
		Host:     h.Address(e.conf.LocalAddress),
		Port:     db.Port,
		Database: db.DBName,
		Username: db.Credential.Username,
		Password: db.Credential.Password,
	}
}

// healthProbe checks the database with the credential stored on its record.
func (e *Engine) healthProbe(h *types.Host, db *types.Database) func(context.Context) error {
	info := e.connInfo(h, db)
	return func(ctx context.Context) error {
		return e.probe(ctx, info, e.conf.ProbeTimeout())
	}
}
