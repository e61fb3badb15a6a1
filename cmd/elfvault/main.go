package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/elfvault/pkg/fault"
)

const version = "0.1.0-dev"

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		printError(os.Stderr, os.Stdout, err)
		if logger != nil {
			_ = logger.Sync()
		}
		os.Exit(fault.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "elfvault",
		Short:         "Archive firmware ELF images and resolve them for core dump analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := buildLogger(verbose)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./elfvault.toml)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newLocateCmd())
	root.AddCommand(newCoreinfoCmd())
	root.AddCommand(newLsCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newPushCmd())
	root.AddCommand(newWatchCmd())
	return root
}

// buildLogger writes console-encoded records to stderr so stdout carries
// only command output.
func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// printError reports err on errOut and any remediation hints on out.
func printError(errOut, out io.Writer, err error) {
	fmt.Fprintf(errOut, "error: %v\n", err)
	for _, h := range fault.HintsOf(err) {
		fmt.Fprintf(out, "  %s\n", h)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "elfvault %s\n", version)
		},
	}
}
