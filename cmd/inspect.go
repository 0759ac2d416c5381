package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect DB",
	Short: "Show detailed database info (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var conninfoCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conninfo DB",
		Short: "Print the connection string of a database",
		Args:  cobra.ExactArgs(1),
		RunE:  runConninfo,
	}
	cmd.Flags().Bool("json", false, "print host, port and credentials as JSON")
	return cmd
}()

var logsCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs DB",
		Short: "Print the container logs of a database",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	cmd.Flags().Int("tail", 100, "number of lines from the end (0 for all)") //nolint:mnd
	return cmd
}()

var depsCmd = &cobra.Command{
	Use:   "deps DB",
	Short: "List live databases that descend from a database, deepest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeps,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	info, err := env.engine.InspectDatabase(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	return printJSON(info)
}

func runConninfo(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	info, err := env.engine.GetConnectionInfo(ctx, args[0])
	if err != nil {
		return fmt.Errorf("conninfo: %w", err)
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(info)
	}
	fmt.Println(info.URI())
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	tail, _ := cmd.Flags().GetInt("tail")
	out, err := env.engine.FetchLogs(ctx, args[0], tail)
	if err != nil {
		return fmt.Errorf("logs: %w", err)
	}
	fmt.Print(out)
	return nil
}

func runDeps(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	deps, err := env.engine.GetDependencies(ctx, args[0])
	if err != nil {
		return fmt.Errorf("deps: %w", err)
	}
	if len(deps) == 0 {
		fmt.Println("No live dependents.")
		return nil
	}
	for _, db := range deps {
		fmt.Printf("%s\t%s\t%s\n", db.ID, db.Name, db.Status)
	}
	return nil
}
