package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/projecteru2/sprout/images"
)

var imageCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect engine images",
	}
	cmd.AddCommand(imageCheckCmd)
	return cmd
}()

var imageCheckCmd = &cobra.Command{
	Use:   "check [VERSION...]",
	Short: "Resolve engine images against their registry (all supported versions by default)",
	RunE:  runImageCheck,
}

func runImageCheck(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	r, err := images.NewResolver(conf, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	results, checkErr := r.Check(ctx, args)
	if len(results) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "VERSION\tIMAGE\tDIGEST\tMULTI-ARCH\tERROR")
		for _, res := range results {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				res.Version, res.Image, orDash(res.Digest), res.MultiArch, orDash(res.Error))
		}
		w.Flush() //nolint:errcheck,gosec
	}
	if checkErr != nil {
		return fmt.Errorf("image check: %w", checkErr)
	}
	return nil
}
