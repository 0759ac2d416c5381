package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/events"
	natspub "github.com/projecteru2/sprout/events/nats"
	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/metrics"
	"github.com/projecteru2/sprout/utils"
	"github.com/projecteru2/sprout/workflow"
)

// runtimeEnv is everything a command needs to drive workflows.
type runtimeEnv struct {
	engine  *workflow.Engine
	metrics *metrics.Metrics
	close   func()
}

// initEngine opens the metadata store and wires the workflow engine with
// the host pool, events and metrics.
func initEngine(ctx context.Context) (*runtimeEnv, error) {
	store, locker, err := meta.Open(conf)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	var pub events.Publisher = events.Noop{}
	if conf.NATSURL != "" {
		p, err := natspub.New(ctx, conf.NATSURL)
		if err != nil {
			log.WithFunc("cmd.initEngine").Warnf(ctx, "events disabled: %v", err)
		} else {
			pub = p
		}
	}
	m := metrics.New()
	pool := host.NewPool(conf, m.ObserveExec)
	engine := workflow.New(conf, store, locker, pool,
		workflow.WithEvents(pub),
		workflow.WithMetrics(m),
	)
	return &runtimeEnv{
		engine:  engine,
		metrics: m,
		close: func() {
			if err := errors.Join(pool.Close(), pub.Close(), store.Close()); err != nil {
				log.WithFunc("cmd.close").Warnf(ctx, "close: %v", err)
			}
		},
	}, nil
}

// batchCmd runs fn for each ref best-effort and reports per-ref results.
func batchCmd(ctx context.Context, name, pastTense string, fn func(context.Context, string) error, refs []string) error {
	logger := log.WithFunc("cmd." + name)
	done, err := utils.ForEach(ctx, refs, name, fn)
	for _, ref := range done {
		logger.Infof(ctx, "%s: %s", pastTense, ref)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no databases %s", strings.ToLower(pastTense))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
