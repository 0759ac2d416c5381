package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/gc"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/volume"
)

// RecoverReport lists what Recover did, by database name.
type RecoverReport struct {
	Compensated []string `json:"compensated,omitempty"`
	Resumed     []string `json:"resumed,omitempty"`
}

// Recover finishes workflows a crashed or killed process left behind.
// Provisioning attempts idle for longer than the stale threshold, and
// failed attempts whose rollback was incomplete, are compensated.
// Deletions idle for longer than the threshold are resumed.
func (e *Engine) Recover(ctx context.Context) (*RecoverReport, error) {
	logger := log.WithFunc("workflow.Recover")
	cutoff := time.Now().Add(-e.conf.StaleProvision())

	var abandoned, interrupted []string
	names := make(map[string]string)
	if err := e.store.With(ctx, func(idx *meta.Index) error {
		for id, db := range idx.Databases {
			switch {
			case db.Status == types.StatusError && db.Phase == types.PhaseFailed:
				abandoned = append(abandoned, id)
			case db.UpdatedAt.After(cutoff):
				continue
			case db.Status == types.StatusProvisioning:
				abandoned = append(abandoned, id)
			case db.Status == types.StatusDeleting:
				interrupted = append(interrupted, id)
			default:
				continue
			}
			names[id] = db.Name
		}
		return nil
	}); err != nil {
		return nil, err
	}

	report := &RecoverReport{}
	compensated, err1 := utils.ForEach(ctx, abandoned, "compensate", e.compensateStale)
	resumed, err2 := utils.ForEach(ctx, interrupted, "resume delete", func(ctx context.Context, id string) error {
		return e.deleteOne(ctx, id, true)
	})
	for _, id := range compensated {
		report.Compensated = append(report.Compensated, names[id])
	}
	for _, id := range resumed {
		report.Resumed = append(report.Resumed, names[id])
	}
	if len(compensated)+len(resumed) > 0 {
		logger.Infof(ctx, "recovered: compensated %v, resumed %v", report.Compensated, report.Resumed)
	}
	return report, errors.Join(err1, err2)
}

// compensateStale undoes whatever an abandoned provision may have created
// and retires its record, releasing the port.
func (e *Engine) compensateStale(ctx context.Context, id string) error {
	unlock := e.lockDB(id)
	defer unlock()

	t, err := e.resolve(ctx, id)
	if err != nil {
		return err
	}
	db := &t.db
	if db.ContainerName != "" {
		if err := removeContainer(ctx, t.backend.Runtime, db.ContainerName); err != nil {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	if db.Dataset != "" {
		if err := ignoreMissing(t.backend.Volume.Destroy(ctx, db.Dataset, true), volume.ErrNotFound); err != nil {
			return fmt.Errorf("destroy dataset: %w", err)
		}
	}
	reason := fmt.Sprintf("abandoned at phase %s", db.Phase)
	if db.LastError != "" {
		reason = db.LastError
	}
	if err := e.retire(ctx, id, reason); err != nil {
		return err
	}
	e.metrics.Compensation("recover", nil)
	if _, err := e.lineage.CleanupOrphans(ctx, db.HostID, t.backend.Volume); err != nil {
		log.WithFunc("workflow.compensateStale").Warnf(ctx, "orphan cleanup on %s: %v", t.host.Name, err)
	}
	return nil
}

// CleanupOrphans removes the clone-origin snapshots on a host that nothing
// references any more.
func (e *Engine) CleanupOrphans(ctx context.Context, hostRef string) ([]string, error) {
	h, err := e.loadHost(ctx, hostRef)
	if err != nil {
		return nil, err
	}
	b, err := e.backends.Backend(ctx, &h)
	if err != nil {
		return nil, err
	}
	removed, err := e.lineage.CleanupOrphans(ctx, h.ID, b.Volume)
	e.metrics.OrphansRemoved(len(removed))
	return removed, err
}

// CollectGarbage runs orphan cleanup for every host in one GC pass. Hosts
// whose backend cannot be built are skipped with a warning.
func (e *Engine) CollectGarbage(ctx context.Context) ([]string, error) {
	logger := log.WithFunc("workflow.CollectGarbage")
	hosts, err := e.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	o := gc.New()
	for _, h := range hosts {
		b, err := e.backends.Backend(ctx, h)
		if err != nil {
			logger.Warnf(ctx, "skip host %s: %v", h.Name, err)
			continue
		}
		e.lineage.RegisterGC(o, h.ID, b.Volume, &removed)
	}
	err = o.Run(ctx)
	e.metrics.OrphansRemoved(len(removed))
	return removed, err
}
