package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		configID string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Archive ELF images as a build directory produces them",
		Long: `Watch a build tree and archive every settled *.elf file.

Without --config-id the image's parent directory names the configuration,
matching .pio/build/<env>/firmware.elf.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Watch.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if debounce <= 0 {
				debounce = cfg.Watch.Debounce.Duration
			}

			w, err := watch.New(openStore(cfg), watch.Options{
				Dir:      dir,
				ConfigID: configID,
				Debounce: debounce,
				Ext:      cfg.ImageExt,
				Logger:   appLogger(),
				OnArchive: func(src, dest string) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", src, dest)
				},
			})
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "configuration id for every image (default: parent directory name)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a file is archived (default from config)")
	return cmd
}
