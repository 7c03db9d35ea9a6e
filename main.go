// Package main provides the packager entry point: the packaging service and
// its operator clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ckanops/packager/cmd"
)

func main() {
	root := &cobra.Command{
		Use:   "packager",
		Short: "Asynchronous export service for catalog resources",
		Long: `packager fetches catalog resources in the background, bundles them into
ZIP archives (plain tabular exports or Darwin Core Archives) and emails the
requester a download link.`,
		SilenceUsage: true,
	}

	root.AddCommand(cmd.NewServeCommand())
	root.AddCommand(cmd.NewStatusCommand())
	root.AddCommand(cmd.NewClearCachesCommand())
	root.AddCommand(cmd.NewStatsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
