package cmd

import (
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop DB [DB...]",
	Short: "Stop running database(s)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart DB [DB...]",
	Short: "Restart database(s) and wait until they accept connections",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRestart,
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return batchCmd(ctx, "stop", "stopped", env.engine.StopDatabase, args)
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return batchCmd(ctx, "restart", "restarted", env.engine.RestartDatabase, args)
}
