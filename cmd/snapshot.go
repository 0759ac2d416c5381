package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var snapshotCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Manage database snapshots",
	}
	cmd.AddCommand(snapshotCreateCmd, snapshotLsCmd, snapshotRmCmd)
	return cmd
}()

var snapshotCreateCmd = &cobra.Command{
	Use:   "create DB LABEL",
	Short: "Take a point-in-time snapshot of a database",
	Args:  cobra.ExactArgs(2), //nolint:mnd
	RunE:  runSnapshotCreate,
}

var snapshotLsCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [DB]",
		Short: "List snapshots of a database, a host, or everything",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshotLs,
	}
	cmd.Flags().String("host", "", "only list snapshots on this host")
	return cmd
}()

var snapshotRmCmd = &cobra.Command{
	Use:   "rm SNAPSHOT [SNAPSHOT...]",
	Short: "Delete snapshot(s) no live database was created from",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSnapshotRm,
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	snap, err := env.engine.CreateSnapshot(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}
	fmt.Printf("%s\t%s\n", snap.ID, snap.FullName())
	return nil
}

func runSnapshotLs(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	hostRef, _ := cmd.Flags().GetString("host")
	dbRef := ""
	if len(args) == 1 {
		dbRef = args[0]
	}
	snaps, err := env.engine.ListSnapshots(ctx, hostRef, dbRef)
	if err != nil {
		return fmt.Errorf("snapshot ls: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSNAPSHOT\tORIGIN\tCREATED")
	for _, s := range snaps {
		name := s.FullName()
		if s.RemovalRequested {
			name += " (pending removal)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, name, s.Origin, s.CreatedAt.Local().Format(time.DateTime))
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runSnapshotRm(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return batchCmd(ctx, "snapshot rm", "deleted", env.engine.DeleteSnapshot, args)
}
