package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/doorplate-crawler/internal/api"
	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
)

// newBatchCmd creates the 'batch' subcommand.
func newBatchCmd() *cobra.Command {
	var (
		flags     queryFlags
		districts []string
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Query several districts in one batch",
		Long: `Runs the date inquiry for every selected district with bounded
concurrency. A failing district is reported in the output and does not stop
the others. Without --districts every district of the parent region is queried.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			codes, err := catalog.Resolve(cfg.Batch.ParentCode, districts)
			if err != nil {
				return fmt.Errorf("resolve districts: %w", err)
			}
			req, err := flags.request(api.EndpointBatch, cfg.Batch.ParentCode, codes)
			if err != nil {
				return err
			}
			return runQuery(cmd, &flags, req)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&districts, "districts", "d", nil, "district names or codes (default: all)")
	return cmd
}
