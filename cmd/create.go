package cmd

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/sprout/types"
)

var createCmd = newCreateCmd()

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Provision a database: empty, cloned from a database, or restored from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	cmd.Flags().String("host", "", "host to place the database on (required)")
	cmd.Flags().String("version", "", "PostgreSQL major version (default from config)")
	cmd.Flags().String("from", "", "clone the current state of this database")
	cmd.Flags().String("snapshot", "", "restore from this snapshot")
	cmd.Flags().String("quota", "", "dataset quota, e.g. 10G")
	_ = cmd.MarkFlagRequired("host")
	cmd.MarkFlagsMutuallyExclusive("from", "snapshot")
	return cmd
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	spec, err := createSpec(cmd, args[0])
	if err != nil {
		return err
	}

	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	db, err := env.engine.CreateDatabase(ctx, spec)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	log.WithFunc("cmd.create").Infof(ctx, "database %s (%s) running on port %d", db.Name, db.ID, db.Port)

	info, err := env.engine.GetConnectionInfo(ctx, db.ID)
	if err != nil {
		return err
	}
	fmt.Println(info.URI())
	return nil
}

func createSpec(cmd *cobra.Command, name string) (types.CreateSpec, error) {
	hostRef, _ := cmd.Flags().GetString("host")
	version, _ := cmd.Flags().GetString("version")
	from, _ := cmd.Flags().GetString("from")
	snapshot, _ := cmd.Flags().GetString("snapshot")
	quota, _ := cmd.Flags().GetString("quota")

	spec := types.CreateSpec{
		HostID:       hostRef,
		Name:         name,
		Version:      version,
		CreationType: types.CreationEmpty,
	}
	switch {
	case from != "":
		spec.CreationType = types.CreationClone
		spec.SourceDatabase = from
	case snapshot != "":
		spec.CreationType = types.CreationSnapshotRestore
		spec.SourceSnapshot = snapshot
	}
	if quota != "" {
		n, err := units.RAMInBytes(quota)
		if err != nil {
			return spec, fmt.Errorf("invalid --quota %q: %w", quota, err)
		}
		spec.QuotaBytes = n
	}
	return spec, nil
}
