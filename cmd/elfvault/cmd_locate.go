package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/coredump"
	"github.com/odvcencio/elfvault/pkg/fault"
	"github.com/odvcencio/elfvault/pkg/locate"
)

func newLocateCmd() *cobra.Command {
	var (
		prog     string
		elfDirs  []string
		hash     string
		noRemote bool
	)

	cmd := &cobra.Command{
		Use:   "locate [core-dump]",
		Short: "Resolve the ELF image for a core dump without analyzing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && hash == "" && prog == "" {
				return fault.New(fault.Configuration, "locate", "nothing to resolve").
					WithHints("pass a core dump, --hash or --prog")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			partial := hash
			if partial == "" && len(args) == 1 {
				d, err := coredump.Load(args[0])
				if err != nil {
					return err
				}
				partial = d.AppSHA256
			}

			store := openStore(cfg)
			l := newLocator(cmd.Context(), cfg, store, elfDirs, !noRemote)
			res, err := l.Locate(cmd.Context(), locate.Request{PartialHash: partial, ExplicitPath: prog})
			if err != nil {
				return err
			}
			printResolution(cmd.OutOrStdout(), partial, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&prog, "prog", "", "explicit ELF image path")
	cmd.Flags().StringArrayVarP(&elfDirs, "elf-dir", "e", nil, "additional directory to search (repeatable)")
	cmd.Flags().StringVar(&hash, "hash", "", "partial app hash (overrides the core dump)")
	cmd.Flags().BoolVar(&noRemote, "no-remote", false, "do not consult the mirror")
	return cmd
}
