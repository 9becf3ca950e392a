package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/samber/do"
	"github.com/spf13/cobra"

	"github.com/kaws-project/kaws/server/internal/version"
)

func newVersionCommand(_ *do.Injector) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information and exit",
		Args:  cobra.NoArgs,
		// Version needs no config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			info, err := version.GetInfo()
			if err != nil {
				return fmt.Errorf("failed to read version info: %w", err)
			}
			if !asJSON {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return err
			}
			raw, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal version info: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the version info as JSON.")

	return cmd
}
