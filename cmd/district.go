package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/doorplate-crawler/internal/api"
	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
)

// newDistrictCmd creates the 'district' subcommand, a one-partition batch.
func newDistrictCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:     "district <name-or-code>",
		Short:   "Query a single district",
		Example: "  doorplate-crawler district 大安區 --start 114-09-01 --end 114-09-30 --kind 1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			codes, err := catalog.Resolve(cfg.Batch.ParentCode, args)
			if err != nil {
				return fmt.Errorf("resolve district: %w", err)
			}
			req, err := flags.request(api.EndpointDistrict, cfg.Batch.ParentCode, codes)
			if err != nil {
				return err
			}
			return runQuery(cmd, &flags, req)
		},
	}
	flags.register(cmd)
	return cmd
}
