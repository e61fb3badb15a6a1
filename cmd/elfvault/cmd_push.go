package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [config]",
		Short: "Upload archived images missing from the mirror bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := openMirror(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			configID := ""
			if len(args) == 1 {
				configID = args[0]
			}
			summary, err := client.Push(cmd.Context(), openStore(cfg), configID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d image(s), %d already present in s3://%s\n", summary.Uploaded, summary.Skipped, cfg.Mirror.Bucket)
			return nil
		},
	}
}
