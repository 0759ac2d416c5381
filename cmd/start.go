package cmd

import (
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start DB [DB...]",
	Short: "Start stopped database(s) and wait until they accept connections",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return batchCmd(ctx, "start", "started", env.engine.StartDatabase, args)
}
