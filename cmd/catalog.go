package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/doorplate-crawler/internal/catalog"
)

type catalogListing struct {
	ParentCode    string                 `json:"parent_code"`
	Districts     []catalog.District     `json:"districts"`
	RegisterKinds []catalog.RegisterKind `json:"register_kinds"`
}

// newCatalogCmd creates the 'catalog' subcommand. It never contacts the portal.
func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "catalog",
		Short:       "List the districts and register kinds accepted by batch and district",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			districts, err := catalog.Districts(cfg.Batch.ParentCode)
			if err != nil {
				return fmt.Errorf("list districts: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			if err := enc.Encode(catalogListing{
				ParentCode:    cfg.Batch.ParentCode,
				Districts:     districts,
				RegisterKinds: catalog.RegisterKinds(),
			}); err != nil {
				return fmt.Errorf("write catalog: %w", err)
			}
			return nil
		},
	}
}
