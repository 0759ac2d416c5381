package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/sprout/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sprout",
		Short:        "Sprout - PostgreSQL branching on ZFS",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	defaults := config.DefaultConfig()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", defaults.RootDir, "root data directory")
	cmd.PersistentFlags().String("store-backend", defaults.StoreBackend, "metadata store: json or badger")
	cmd.PersistentFlags().String("nats-url", "", "publish lifecycle events to this NATS server")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("store_backend", cmd.PersistentFlags().Lookup("store-backend"))
	_ = viper.BindPFlag("nats_url", cmd.PersistentFlags().Lookup("nats-url"))

	viper.SetEnvPrefix("SPROUT")
	viper.AutomaticEnv()

	cmd.AddCommand(
		hostCmd,
		createCmd,
		rmCmd,
		startCmd,
		stopCmd,
		restartCmd,
		psCmd,
		inspectCmd,
		conninfoCmd,
		logsCmd,
		depsCmd,
		snapshotCmd,
		gcCmd,
		recoverCmd,
		syncCmd,
		imageCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	conf = c
	return log.SetupLog(context.Background(), &conf.Log, "")
}

// loadConfig reads the config file (optional), env and flags over the defaults.
func loadConfig() (*config.Config, error) {
	c := config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// newCommandContext creates the root context, cancelled on SIGINT/SIGTERM so
// in-flight workflows run their compensation before exiting.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
