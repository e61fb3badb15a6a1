package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/fault"
)

func newArchiveCmd() *cobra.Command {
	var configID string

	cmd := &cobra.Command{
		Use:   "archive <image>",
		Short: "Store a built ELF image under its content hash",
		Long: `Store a built ELF image as <archive_root>/<config>/<sha256>.elf.

Run it as a post-build step. The configuration id defaults to $PIOENV.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if configID == "" {
				configID = cfg.ConfigID
			}
			if configID == "" {
				return fault.New(fault.Configuration, "archive", "configuration id is required").
					WithHints("pass --config-id or set PIOENV")
			}

			dest, err := openStore(cfg).ArchiveFile(args[0], configID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "build configuration id (default $PIOENV)")
	return cmd
}
