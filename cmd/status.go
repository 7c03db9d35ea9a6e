package cmd

import (
	"net/url"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command, which reports the worker
// count and queue lengths of a running service.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postForm("/status", url.Values{})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd)
	return cmd
}

// NewClearCachesCommand creates the clear-caches command, which deletes
// every cached archive in the service's store directory.
func NewClearCachesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-caches",
		Short: "Delete all cached archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postForm("/clear_caches", url.Values{})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd)
	return cmd
}
