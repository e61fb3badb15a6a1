package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every archived image and report mismatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			summary, err := openStore(cfg).Verify()
			if err != nil {
				return err
			}
			for _, a := range summary.Mismatched {
				fmt.Fprintf(cmd.OutOrStdout(), "mismatch: %s\n", a.Path)
			}
			if err := summary.Err(); err != nil {
				return err
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: verified %d image(s) in %d configuration(s)\n",
				summary.Artifacts,
				summary.Configs,
			)
			return nil
		},
	}
}
