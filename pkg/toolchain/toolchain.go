package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/fault"
)

// DefaultAnalyzer is the esp-coredump console entry point.
const DefaultAnalyzer = "esp-coredump"

// ProfileTimeout bounds how long an environment profile may run.
const ProfileTimeout = 15 * time.Second

// Tools holds resolved executable paths. GDB is empty when none was found.
type Tools struct {
	GDB      string
	Analyzer string
	// SearchPath is the directory list discovery used, profile entries first.
	SearchPath []string
}

// Options configures Resolve.
type Options struct {
	// GDB is an explicit debugger path; it must exist.
	GDB string
	// Analyzer is a name or path for the analyzer executable.
	Analyzer string
	// Profile is an environment bootstrap script. Empty or SkipProfile
	// disables bootstrapping.
	Profile     string
	SkipProfile bool
	// RequireGDB turns a failed discovery into an error.
	RequireGDB bool
	// Home and PathDirs default to the user's home and $PATH.
	Home     string
	PathDirs []string
	// Strategies replaces the default gdb discovery chain.
	Strategies []Strategy
	Logger     *zap.Logger
}

// Resolve bootstraps the profile if any, then finds the debugger and the
// analyzer.
func Resolve(ctx context.Context, opts Options) (*Tools, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	pathDirs := opts.PathDirs
	if pathDirs == nil {
		pathDirs = SplitPathList(os.Getenv("PATH"))
	}
	if !opts.SkipProfile && opts.Profile != "" {
		dirs, err := LoadProfile(ctx, opts.Profile)
		if err != nil {
			log.Warn("environment profile not applied, continuing without it", zap.String("profile", opts.Profile), zap.Error(err))
		} else {
			log.Info("environment profile applied", zap.String("profile", opts.Profile), zap.Int("path_entries", len(dirs)))
			pathDirs = mergeDirs(dirs, pathDirs)
		}
	}

	tools := &Tools{SearchPath: pathDirs}

	if opts.GDB != "" {
		if _, err := os.Stat(opts.GDB); err != nil {
			return nil, fault.New(fault.Configuration, "gdb", "not found at %s", opts.GDB).WithHints(gdbHints()...)
		}
		tools.GDB = opts.GDB
	} else {
		home := opts.Home
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		strategies := opts.Strategies
		if strategies == nil {
			strategies = DefaultGDBStrategies(home, pathDirs)
		}
		if p, ok := Discover(ctx, strategies...); ok {
			tools.GDB = p
			log.Info("found gdb", zap.String("path", p))
		} else if opts.RequireGDB {
			return nil, fault.New(fault.Configuration, "gdb", "no debugger found").WithHints(gdbHints()...)
		} else {
			log.Warn("gdb not found, analysis may fail")
		}
	}

	analyzer := opts.Analyzer
	if analyzer == "" {
		analyzer = DefaultAnalyzer
	}
	if !strings.ContainsAny(analyzer, `/\`) {
		if p, ok := (SearchPathStrategy{Names: []string{analyzer}, Dirs: pathDirs}).Find(ctx); ok {
			analyzer = p
		}
	}
	tools.Analyzer = analyzer
	return tools, nil
}

func gdbHints() []string {
	return []string{
		"install the ESP-IDF toolchain (idf_tools.py install xtensa-esp-elf-gdb riscv32-esp-elf-gdb)",
		"or pass the debugger explicitly: --gdb path/to/xtensa-esp32s3-elf-gdb",
		"or point --ps-profile at the ESP-IDF export script",
	}
}

func mergeDirs(first, rest []string) []string {
	seen := make(map[string]struct{}, len(first)+len(rest))
	out := make([]string, 0, len(first)+len(rest))
	for _, list := range [][]string{first, rest} {
		for _, d := range list {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// LoadProfile runs an environment script in a child shell and returns the
// PATH it leaves behind. PowerShell runs the script on Windows and sh runs
// it elsewhere.
func LoadProfile(ctx context.Context, profile string) ([]string, error) {
	if _, err := os.Stat(profile); err != nil {
		return nil, fault.New(fault.Configuration, "profile", "profile %s not found", profile)
	}
	// POSIX "." searches PATH for names without a slash.
	if abs, err := filepath.Abs(profile); err == nil {
		profile = abs
	}

	ctx, cancel := context.WithTimeout(ctx, ProfileTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell.exe",
			"-NoProfile", "-ExecutionPolicy", "Bypass",
			"-Command", fmt.Sprintf(". '%s' | Out-Null; $env:PATH", strings.ReplaceAll(profile, "'", "''")))
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", `. "$1" >/dev/null 2>&1; printf '%s\n' "$PATH"`, "sh", profile)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.New(fault.Configuration, "profile", "timed out after %s", ProfileTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fault.New(fault.Configuration, "profile", "%s", msg)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fault.New(fault.Configuration, "profile", "profile produced an empty PATH")
	}
	return SplitPathList(last), nil
}
