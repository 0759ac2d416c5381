package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Destroy system snapshots no live database depends on",
	RunE:  runGC,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Compensate abandoned provisions and resume interrupted deletions",
	RunE:  runRecover,
}

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	removed, err := env.engine.CollectGarbage(ctx)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	logger := log.WithFunc("cmd.gc")
	for _, name := range removed {
		logger.Infof(ctx, "removed: %s", name)
	}
	logger.Infof(ctx, "GC completed, %d snapshot(s) removed", len(removed))
	return nil
}

func runRecover(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	report, err := env.engine.Recover(ctx)
	if report != nil {
		logger := log.WithFunc("cmd.recover")
		for _, name := range report.Compensated {
			logger.Infof(ctx, "compensated: %s", name)
		}
		for _, name := range report.Resumed {
			logger.Infof(ctx, "deletion resumed: %s", name)
		}
	}
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	return nil
}
