package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var psCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List databases with status",
		RunE:  runPS,
	}
	cmd.Flags().Bool("all", false, "include deleted databases")
	cmd.Flags().String("host", "", "only list databases on this host")
	return cmd
}()

func runPS(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	all, _ := cmd.Flags().GetBool("all")
	hostRef, _ := cmd.Flags().GetString("host")

	dbs, err := env.engine.ListDatabases(ctx, hostRef, all)
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	if len(dbs) == 0 {
		fmt.Println("No databases found.")
		return nil
	}

	hostNames := map[string]string{}
	if hosts, err := env.engine.ListHosts(ctx); err == nil {
		for _, h := range hosts {
			hostNames[h.ID] = h.Name
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tHOST\tSTATUS\tVERSION\tPORT\tTYPE\tSOURCE\tQUOTA\tCREATED")
	for _, db := range dbs {
		source := db.SourceDatabase
		if db.SourceSnapshot != "" {
			source = db.SourceSnapshot
		}
		quota := "-"
		if db.QuotaBytes > 0 {
			quota = formatSize(db.QuotaBytes)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			db.ID,
			db.Name,
			hostNames[db.HostID],
			db.Status,
			db.Version,
			db.Port,
			db.CreationType,
			orDash(source),
			quota,
			db.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
