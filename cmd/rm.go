package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rmCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm [flags] DB [DB...]",
		Short: "Delete database(s) (--force to delete live clones first)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRM,
	}
	cmd.Flags().Bool("force", false, "delete live descendants first, deepest first")
	return cmd
}()

func runRM(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	force, _ := cmd.Flags().GetBool("force")
	return batchCmd(ctx, "rm", "deleted", func(ctx context.Context, ref string) error {
		return env.engine.DeleteDatabase(ctx, ref, force)
	}, args)
}
