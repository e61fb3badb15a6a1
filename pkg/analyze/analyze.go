// Package analyze runs the vendor core-dump analyzer against a resolved
// firmware image.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/coredump"
	"github.com/odvcencio/elfvault/pkg/fault"
)

// Chips lists the accepted --chip values.
var Chips = []string{
	"auto", "esp32", "esp32s2", "esp32s3", "esp32c2", "esp32c3",
	"esp32c5", "esp32c6", "esp32c61", "esp32h2", "esp32p4",
}

// ValidChip reports whether chip is one of Chips.
func ValidChip(chip string) bool {
	for _, c := range Chips {
		if c == chip {
			return true
		}
	}
	return false
}

// DefaultBaud is the serial rate used when none is given.
const DefaultBaud = 115200

// Request describes one analysis.
type Request struct {
	Image string
	Dump  *coredump.Dump
	Chip  string
	Port  string
	Baud  int
	GDB   string
	// TempDir hosts intermediate files; empty uses the system temp dir.
	TempDir string
}

// Runner invokes the analyzer executable.
type Runner struct {
	Analyzer string
	Timeout  time.Duration
	Stdout   io.Writer
	Stderr   io.Writer
	Logger   *zap.Logger
}

// Args builds the analyzer argument list for coreELF.
func Args(req Request, coreELF string) []string {
	chip := req.Chip
	if chip == "" {
		chip = "auto"
	}
	args := []string{"--chip", chip}
	if req.Port != "" {
		args = append(args, "--port", req.Port)
	}
	if req.Baud > 0 {
		args = append(args, "--baud", strconv.Itoa(req.Baud))
	}
	args = append(args, "info_corefile", "--core-format", "elf", "--core", coreELF)
	if req.GDB != "" {
		args = append(args, "--gdb", req.GDB)
	}
	return append(args, req.Image)
}

// Run writes the core ELF to a scratch directory, runs the analyzer and
// removes the scratch directory. Failures are *fault.Error values of kind
// Delegate wrapping an *Error.
func (r *Runner) Run(ctx context.Context, req Request) error {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if req.Dump == nil || len(req.Dump.ELF) == 0 {
		return delegateErr(&Error{Reason: ReasonBadInput, Err: errors.New("core dump has no ELF payload")})
	}
	if req.GDB != "" {
		if _, err := os.Stat(req.GDB); err != nil {
			return delegateErr(&Error{Reason: ReasonGDBMissing, Err: fmt.Errorf("gdb executable not found: %s", req.GDB)})
		}
	}
	analyzer := r.Analyzer
	if analyzer == "" {
		return delegateErr(&Error{Reason: ReasonAnalyzerMissing, Err: errors.New("no analyzer configured")})
	}

	scratch, err := os.MkdirTemp(req.TempDir, "elfvault-analyze-*")
	if err != nil {
		return fault.Wrap(fault.IO, "analyze scratch dir", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Debug("scratch cleanup failed", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	coreELF, err := req.Dump.WriteELF(scratch)
	if err != nil {
		return err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := Args(req, coreELF)
	log.Debug("running analyzer", zap.String("analyzer", analyzer), zap.Strings("args", args))

	tail := &tailBuffer{limit: 4096}
	cmd := exec.CommandContext(ctx, analyzer, args...)
	cmd.Stdout = orDiscard(r.Stdout)
	cmd.Stderr = io.MultiWriter(orDiscard(r.Stderr), tail)

	if err := cmd.Run(); err != nil {
		return delegateErr(classify(ctx, err, tail.String()))
	}
	return nil
}

func classify(ctx context.Context, err error, stderr string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return &Error{Reason: ReasonAnalyzerMissing, Err: err}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e := &Error{Reason: ReasonFailed, ExitCode: exitErr.ExitCode(), Err: err}
		if msg := lastLine(stderr); msg != "" {
			e.Err = fmt.Errorf("%w: %s", err, msg)
		}
		return e
	}
	return &Error{Reason: ReasonFailed, ExitCode: -1, Err: err}
}

func delegateErr(e *Error) error {
	return &fault.Error{Kind: fault.Delegate, Op: "analyze", Err: e, Hints: Hints(e.Reason)}
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
