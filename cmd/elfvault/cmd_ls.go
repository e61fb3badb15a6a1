package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLsCmd() *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [config]",
		Short: "List archived images",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			configID := ""
			if len(args) == 1 {
				configID = args[0]
			}

			artifacts, err := openStore(cfg).List(configID)
			if err != nil {
				return err
			}
			if !long {
				for _, a := range artifacts {
					fmt.Fprintln(cmd.OutOrStdout(), a.Path)
				}
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONFIG\tHASH\tSIZE\tMODIFIED")
			for _, a := range artifacts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.ConfigID, a.Hash.Short(16), a.Size, a.ModTime.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show config, hash, size and modification time")
	return cmd
}
