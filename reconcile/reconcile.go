// Package reconcile runs the periodic pass that keeps records in line with
// what the hosts actually run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/workflow"
)

// Engine is the subset of the workflow engine a pass drives.
type Engine interface {
	ListHosts(ctx context.Context) ([]*types.Host, error)
	RefreshHost(ctx context.Context, hostRef string) error
	Recover(ctx context.Context) (*workflow.RecoverReport, error)
	CollectGarbage(ctx context.Context) ([]string, error)
}

// Loop refreshes every host concurrently, then recovers interrupted
// workflows and collects orphan snapshots, once per interval.
type Loop struct {
	eng  Engine
	pool *ants.Pool

	mu       sync.Mutex
	interval time.Duration
	reload   chan struct{}
}

// New creates a Loop whose host fan-out is bounded by poolSize.
func New(eng Engine, poolSize int, interval time.Duration) (*Loop, error) {
	if interval <= 0 {
		return nil, types.Invalidf("sync interval %s", interval)
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	return &Loop{eng: eng, pool: pool, interval: interval, reload: make(chan struct{}, 1)}, nil
}

// Close releases the pool.
func (l *Loop) Close() { l.pool.Release() }

// Interval returns the current period.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval changes the period; a running loop picks it up before its
// next tick. Non-positive values are ignored.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.interval = d
	l.mu.Unlock()
	select {
	case l.reload <- struct{}{}:
	default:
	}
}

// Tick runs one pass. Every stage runs even if an earlier one failed.
func (l *Loop) Tick(ctx context.Context) error {
	logger := log.WithFunc("reconcile.Tick")
	var errs []error

	hosts, err := l.eng.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	var ready []*types.Host
	for _, h := range hosts {
		if h.Validation.Ready() {
			ready = append(ready, h)
		}
	}
	if err := utils.Parallel(l.pool, ready, func(_ int, h *types.Host) error {
		if err := l.eng.RefreshHost(ctx, h.ID); err != nil {
			return fmt.Errorf("refresh %s: %w", h.Name, err)
		}
		return nil
	}); err != nil {
		errs = append(errs, err)
	}

	report, err := l.eng.Recover(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover: %w", err))
	}
	if report != nil && (len(report.Compensated) > 0 || len(report.Resumed) > 0) {
		logger.Infof(ctx, "recovered: compensated %v, resumed %v", report.Compensated, report.Resumed)
	}

	removed, err := l.eng.CollectGarbage(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("gc: %w", err))
	}
	if len(removed) > 0 {
		logger.Infof(ctx, "removed orphan snapshots: %v", removed)
	}
	return errors.Join(errs...)
}

// Run ticks immediately and then every interval until ctx is done. Pass
// failures are logged and do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	logger := log.WithFunc("reconcile.Run")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.reload:
			timer.Reset(l.Interval())
			logger.Infof(ctx, "interval now %s", l.Interval())
		case <-timer.C:
			if err := l.Tick(ctx); err != nil {
				logger.Warnf(ctx, "pass: %v", err)
			}
			timer.Reset(l.Interval())
		}
	}
}
