package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/elfvault/pkg/bundle"
	"github.com/odvcencio/elfvault/pkg/fault"
)

func newImportCmd() *cobra.Command {
	var (
		requireSig  bool
		trustedKeys string
	)

	cmd := &cobra.Command{
		Use:   "import <bundle.tar.zst>",
		Short: "Verify a bundle and add its images to the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var trusted []ssh.PublicKey
			if trustedKeys != "" {
				trusted, err = bundle.LoadAuthorizedKeys(trustedKeys)
				if err != nil {
					return fault.Wrap(fault.Configuration, "import", err)
				}
			}

			m, err := bundle.Import(cmd.Context(), openStore(cfg), bundle.ImportOptions{
				Input:            args[0],
				RequireSignature: requireSig || trustedKeys != "",
				Trusted:          trusted,
				Logger:           appLogger(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d image(s) from %s\n", len(m.Images), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireSig, "require-signature", false, "reject bundles without a valid signature")
	cmd.Flags().StringVar(&trustedKeys, "trusted-keys", "", "authorized_keys file of accepted signers (implies --require-signature)")
	return cmd
}
