package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/elfvault/pkg/analyze"
	"github.com/odvcencio/elfvault/pkg/coredump"
	"github.com/odvcencio/elfvault/pkg/fault"
	"github.com/odvcencio/elfvault/pkg/locate"
	"github.com/odvcencio/elfvault/pkg/toolchain"
)

type analyzeFlags struct {
	chip         string
	port         string
	baud         int
	prog         string
	gdb          string
	elfDirs      []string
	psProfile    string
	skipEnvSetup bool
	hash         string
	noRemote     bool
}

func newAnalyzeCmd() *cobra.Command {
	var f analyzeFlags

	cmd := &cobra.Command{
		Use:   "analyze <core-dump>",
		Short: "Resolve the matching ELF image and run the core dump analyzer",
		Long: `Resolve the firmware image that produced a core dump and hand both to
the analyzer (esp-coredump by default).

The dump may be a raw partition read, the base64 text printed over UART, or
a bare ELF core. Its recorded app hash selects the archived image; without a
match the conventional names and then the newest image are used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.chip, "chip", "", "target chip: "+strings.Join(analyze.Chips, ", ")+" (default from config, else auto)")
	flags.StringVarP(&f.port, "port", "p", "", "serial port")
	flags.IntVarP(&f.baud, "baud", "b", 0, fmt.Sprintf("serial baud rate (default %d)", analyze.DefaultBaud))
	flags.StringVar(&f.prog, "prog", "", "explicit ELF image path")
	flags.StringVarP(&f.gdb, "gdb", "g", "", "explicit gdb path")
	flags.StringArrayVarP(&f.elfDirs, "elf-dir", "e", nil, "additional directory to search (repeatable)")
	flags.StringVar(&f.psProfile, "ps-profile", "", "environment bootstrap profile to source before discovery")
	flags.BoolVar(&f.skipEnvSetup, "skip-env-setup", false, "do not source the environment profile")
	flags.StringVar(&f.hash, "hash", "", "partial app hash (overrides the core dump)")
	flags.BoolVar(&f.noRemote, "no-remote", false, "do not consult the mirror")
	return cmd
}

func runAnalyze(cmd *cobra.Command, dumpPath string, f analyzeFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	chip := firstNonEmpty(f.chip, cfg.Analyze.Chip, "auto")
	if !analyze.ValidChip(chip) {
		return fault.New(fault.Configuration, "analyze", "unknown chip %q", chip).
			WithHints("choose one of: " + strings.Join(analyze.Chips, ", "))
	}
	baud := f.baud
	if baud <= 0 {
		baud = cfg.Analyze.Baud
	}
	if baud <= 0 {
		baud = analyze.DefaultBaud
	}

	dump, err := coredump.Load(dumpPath)
	if err != nil {
		return err
	}
	partial := f.hash
	if partial == "" {
		partial = dump.AppSHA256
	}
	fmt.Fprintf(out, "Core dump app SHA256: %s\n", describeHash(partial))

	store := openStore(cfg)
	l := newLocator(ctx, cfg, store, f.elfDirs, !f.noRemote)
	res, err := l.Locate(ctx, locate.Request{PartialHash: partial, ExplicitPath: f.prog})
	if err != nil {
		return err
	}
	printResolution(out, partial, res)

	tools, err := toolchain.Resolve(ctx, toolchain.Options{
		GDB:         firstNonEmpty(f.gdb, cfg.Analyze.GDB),
		Analyzer:    cfg.Analyze.Analyzer,
		Profile:     firstNonEmpty(f.psProfile, cfg.Analyze.PSProfile),
		SkipProfile: f.skipEnvSetup,
		RequireGDB:  cfg.Analyze.RequireGDB,
		Logger:      appLogger(),
	})
	if err != nil {
		return err
	}

	runner := &analyze.Runner{
		Analyzer: tools.Analyzer,
		Timeout:  cfg.Analyze.Timeout.Duration,
		Stdout:   out,
		Stderr:   cmd.ErrOrStderr(),
		Logger:   appLogger(),
	}
	return runner.Run(ctx, analyze.Request{
		Image: res.Path,
		Dump:  dump,
		Chip:  chip,
		Port:  f.port,
		Baud:  baud,
		GDB:   tools.GDB,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
