package cmd

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/sprout/reconcile"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the reconcile loop: refresh hosts, recover workflows, collect orphans",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.sync")
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	loop, err := reconcile.New(env.engine, conf.PoolSize, conf.SyncInterval())
	if err != nil {
		return err
	}
	defer loop.Close()

	if conf.MetricsAddr != "" {
		go func() {
			if err := env.metrics.Serve(ctx, conf.MetricsAddr); err != nil {
				logger.Warnf(ctx, "metrics server: %v", err)
			}
		}()
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			next, err := loadConfig()
			if err != nil {
				logger.Warnf(ctx, "ignoring config change: %v", err)
				return
			}
			if err := env.engine.Ports().SetRange(next.PortRangeStart, next.PortRangeEnd); err != nil {
				logger.Warnf(ctx, "port range: %v", err)
			}
			loop.SetInterval(next.SyncInterval())
			logger.Infof(ctx, "config reloaded from %s", e.Name)
		})
		viper.WatchConfig()
	}

	logger.Infof(ctx, "reconciling every %s", loop.Interval())
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}
