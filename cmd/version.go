package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/sprout/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version, git revision, and build timestamp",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Print(version.String())
	},
}
