package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/bundle"
)

func newExportCmd() *cobra.Command {
	var (
		configID string
		sign     bool
		keyPath  string
	)

	cmd := &cobra.Command{
		Use:   "export <bundle.tar.zst>",
		Short: "Write archived images to a portable bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := bundle.ExportOptions{
				ConfigID: configID,
				Output:   args[0],
				Logger:   appLogger(),
			}
			if sign || keyPath != "" {
				signer, resolved, err := bundle.NewSSHSigner(keyPath)
				if err != nil {
					return err
				}
				opts.Signer = signer
				appLogger().Debug("signing bundle manifest with " + resolved)
			}

			m, err := bundle.Export(cmd.Context(), openStore(cfg), opts)
			if err != nil {
				return err
			}

			state := "unsigned"
			if m.Signature != "" {
				state = "signed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d image(s) to %s (%s)\n", len(m.Images), args[0], state)
			return nil
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "export only this configuration")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the manifest with an SSH key from ~/.ssh")
	cmd.Flags().StringVar(&keyPath, "key", "", "SSH private key used to sign (implies --sign)")
	return cmd
}
