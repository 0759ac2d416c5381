package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/sprout/types"
)

var hostCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage hosts",
	}
	cmd.AddCommand(hostAddCmd, hostLsCmd, hostRmCmd, hostValidateCmd)
	return cmd
}()

var hostAddCmd = newHostAddCmd()

func newHostAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [flags] NAME",
		Short: "Register a host (validate it before placing databases)",
		Args:  cobra.ExactArgs(1),
		RunE:  runHostAdd,
	}
	cmd.Flags().String("mode", string(types.ModeLocal), "connection mode: local or remote")
	cmd.Flags().String("dataset", "", "ZFS dataset that parents managed databases (required)")
	cmd.Flags().String("mount-base", "", "directory databases are mounted under (required)")
	cmd.Flags().String("pool", "", "ZFS pool (default: first component of --dataset)")
	cmd.Flags().String("ssh-address", "", "remote host address")
	cmd.Flags().Int("ssh-port", 22, "remote SSH port") //nolint:mnd
	cmd.Flags().String("ssh-user", "", "remote SSH user")
	cmd.Flags().String("ssh-password", "", "remote SSH password")
	cmd.Flags().String("ssh-key", "", "path to a PEM private key for the remote host")
	cmd.Flags().String("docker-socket", "", "container runtime socket on the remote host")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("mount-base")
	return cmd
}

var hostLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List hosts with validation state",
	RunE:  runHostLs,
}

var hostRmCmd = &cobra.Command{
	Use:   "rm HOST [HOST...]",
	Short: "Unregister host(s) that carry no live databases",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHostRm,
}

var hostValidateCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate HOST [HOST...]",
		Short: "Check tools, storage root and container runtime on host(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runHostValidate,
	}
	cmd.Flags().Bool("ensure-root", false, "create the storage root dataset when missing")
	return cmd
}()

func runHostAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	h, err := hostSpec(cmd, args[0])
	if err != nil {
		return err
	}

	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	added, err := env.engine.AddHost(ctx, h)
	if err != nil {
		return fmt.Errorf("host add: %w", err)
	}
	fmt.Println(added.ID)
	return nil
}

func hostSpec(cmd *cobra.Command, name string) (types.Host, error) {
	mode, _ := cmd.Flags().GetString("mode")
	dataset, _ := cmd.Flags().GetString("dataset")
	mountBase, _ := cmd.Flags().GetString("mount-base")
	pool, _ := cmd.Flags().GetString("pool")

	h := types.Host{
		Name: name,
		Mode: types.ConnectionMode(mode),
		Root: types.StorageRoot{Pool: pool, Dataset: dataset, MountBase: mountBase},
	}
	if h.Mode != types.ModeRemote {
		return h, nil
	}

	ssh := &types.SSHConfig{}
	ssh.Address, _ = cmd.Flags().GetString("ssh-address")
	ssh.Port, _ = cmd.Flags().GetInt("ssh-port")
	ssh.User, _ = cmd.Flags().GetString("ssh-user")
	ssh.Password, _ = cmd.Flags().GetString("ssh-password")
	ssh.DockerSocket, _ = cmd.Flags().GetString("docker-socket")
	if keyFile, _ := cmd.Flags().GetString("ssh-key"); keyFile != "" {
		pem, err := os.ReadFile(keyFile) //nolint:gosec
		if err != nil {
			return h, fmt.Errorf("read --ssh-key: %w", err)
		}
		ssh.PrivateKey = string(pem)
	}
	h.SSH = ssh
	return h, nil
}

func runHostLs(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	hosts, err := env.engine.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("host ls: %w", err)
	}
	if len(hosts) == 0 {
		fmt.Println("No hosts found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tMODE\tADDRESS\tDATASET\tREADY\tZFS\tRUNTIME")
	for _, h := range hosts {
		addr := "-"
		if h.SSH != nil {
			addr = h.SSH.Address
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			h.ID, h.Name, h.Mode, addr, h.Root.Dataset,
			h.Validation.Ready(),
			orDash(h.Validation.ZFSVersion),
			orDash(h.Validation.RuntimeVersion),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runHostRm(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return batchCmd(ctx, "host rm", "removed", env.engine.RemoveHost, args)
}

func runHostValidate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	ensureRoot, _ := cmd.Flags().GetBool("ensure-root")
	logger := log.WithFunc("cmd.host.validate")
	return batchCmd(ctx, "host validate", "validated", func(ctx context.Context, ref string) error {
		h, err := env.engine.ValidateHost(ctx, ref, ensureRoot)
		if err != nil {
			return err
		}
		if !h.Validation.Ready() {
			return fmt.Errorf("%s: %w: %s", h.Name, types.ErrHostNotReady, h.Validation.Message)
		}
		logger.Infof(ctx, "%s: zfs %s, runtime %s", h.Name, h.Validation.ZFSVersion, h.Validation.RuntimeVersion)
		return nil
	}, args)
}
