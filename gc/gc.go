package gc

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/lock"
)

// Module is one garbage-collection participant with a typed snapshot S.
//
// ReadDB runs with Locker held and captures what the module knows.
// Resolve decides what to remove, given its own snapshot and every other
// module's snapshot keyed by module name. Collect runs with Locker still held.
type Module[S any] struct {
	Name    string
	Locker  lock.Locker
	ReadDB  func(ctx context.Context) (S, error)
	Resolve func(snap S, others map[string]any) []string
	Collect func(ctx context.Context, ids []string) error
}

type runner interface {
	name() string
	locker() lock.Locker
	readDB(ctx context.Context) (any, error)
	resolve(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) name() string        { return m.Name }
func (m Module[S]) locker() lock.Locker { return m.Locker }
func (m Module[S]) readDB(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}
func (m Module[S]) resolve(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others)
}
func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}

// Orchestrator runs registered modules as one consistent pass: every
// distinct locker is held from the first ReadDB to the last Collect.
type Orchestrator struct {
	modules []runner
}

// New returns an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed module. Module names must be unique.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one GC pass. Modules whose ReadDB fails are skipped; Collect
// failures are logged and joined into the returned error.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")
	if len(o.modules) == 0 {
		return nil
	}

	var held []lock.Locker
	seen := make(map[lock.Locker]struct{})
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Unlock(ctx)
		}
	}()
	for _, m := range o.modules {
		l := m.locker()
		if l == nil {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		if err := l.Lock(ctx); err != nil {
			return fmt.Errorf("lock %s: %w", m.name(), err)
		}
		seen[l] = struct{}{}
		held = append(held, l)
	}

	snaps := make(map[string]any, len(o.modules))
	for _, m := range o.modules {
		snap, err := m.readDB(ctx)
		if err != nil {
			logger.Warnf(ctx, "read %s: %v, skipped", m.name(), err)
			continue
		}
		snaps[m.name()] = snap
	}

	var errs []error
	for _, m := range o.modules {
		snap, ok := snaps[m.name()]
		if !ok {
			continue
		}
		others := make(map[string]any, len(snaps)-1)
		for name, s := range snaps {
			if name != m.name() {
				others[name] = s
			}
		}
		ids := m.resolve(snap, others)
		if len(ids) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d item(s)", m.name(), len(ids))
		if err := m.collect(ctx, ids); err != nil {
			logger.Warnf(ctx, "collect %s: %v", m.name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", m.name(), err))
		}
	}
	return errors.Join(errs...)
}
