package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/coredump"
)

func newCoreinfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coreinfo <core-dump>",
		Short: "Show the format and app hash recorded in a core dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := coredump.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format:       %s\n", d.Format)
			if d.Version != 0 {
				fmt.Fprintf(out, "version:      0x%08x (format %d)\n", d.Version, coredump.DumpMajor(d.Version))
			}
			fmt.Fprintf(out, "machine:      %s\n", d.Machine)
			fmt.Fprintf(out, "info version: %d\n", d.InfoVersion)
			fmt.Fprintf(out, "app sha256:   %s\n", describeHash(d.AppSHA256))
			fmt.Fprintf(out, "core size:    %d bytes\n", len(d.ELF))
			return nil
		},
	}
}
