package cmd

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	statsResourceID string
	statsEmail      string
	statsOffset     int
	statsLimit      int
)

// NewStatsCommand creates the stats command group for querying the
// statistics store of a running service.
func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query packaging statistics",
	}
	cmd.AddCommand(newStatsTotalsCommand())
	cmd.AddCommand(newStatsListCommand("requests", "List logged packaging requests"))
	cmd.AddCommand(newStatsListCommand("errors", "List logged packaging errors"))
	return cmd
}

func newStatsTotalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Show per-resource counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			form := url.Values{}
			if statsResourceID != "" {
				form.Set("resource_id", statsResourceID)
			}
			body, err := postForm("/statistics", form)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVar(&statsResourceID, "resource-id", "", "Restrict to one resource")
	return cmd
}

func newStatsListCommand(kind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			form := url.Values{}
			form.Set("offset", strconv.Itoa(statsOffset))
			form.Set("limit", strconv.Itoa(statsLimit))
			if statsResourceID != "" {
				form.Set("resource_id", statsResourceID)
			}
			if statsEmail != "" {
				form.Set("email", statsEmail)
			}
			body, err := postForm("/statistics/"+kind, form)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVar(&statsResourceID, "resource-id", "", "Restrict to one resource")
	cmd.Flags().StringVar(&statsEmail, "email", "", "Restrict to one requester email")
	cmd.Flags().IntVar(&statsOffset, "offset", 0, "Pagination offset")
	cmd.Flags().IntVar(&statsLimit, "limit", 100, "Pagination limit")
	return cmd
}
