package analyze

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/elfvault/pkg/coredump"
	"github.com/odvcencio/elfvault/pkg/fault"
)

func fakeAnalyzer(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script analyzer")
	}
	path := filepath.Join(t.TempDir(), "esp-coredump")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testDump() *coredump.Dump {
	return &coredump.Dump{Format: coredump.FormatELF, ELF: []byte("\x7fELF fake core")}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	require.True(t, fault.Is(err, fault.Delegate), "err = %v", err)
	var ae *Error
	require.True(t, errors.As(err, &ae), "err = %v", err)
	return ae.Reason
}

func TestArgs(t *testing.T) {
	args := Args(Request{Image: "fw.elf", Chip: "esp32s3", Port: "/dev/ttyUSB0", Baud: 115200, GDB: "/opt/gdb"}, "/tmp/core.elf")
	want := "--chip esp32s3 --port /dev/ttyUSB0 --baud 115200 info_corefile --core-format elf --core /tmp/core.elf --gdb /opt/gdb fw.elf"
	require.Equal(t, want, strings.Join(args, " "))

	args = Args(Request{Image: "fw.elf"}, "c.elf")
	require.Equal(t, "--chip auto info_corefile --core-format elf --core c.elf fw.elf", strings.Join(args, " "))
}

func TestRunPassesArgsAndCleansScratch(t *testing.T) {
	record := filepath.Join(t.TempDir(), "args.txt")
	analyzer := fakeAnalyzer(t, `
for a in "$@"; do echo "$a"; done > "`+record+`"
core=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--core" ]; then core="$2"; fi
  shift
done
cat "$core" >/dev/null || exit 9
echo "==== report ===="
`)
	scratchParent := t.TempDir()

	var stdout bytes.Buffer
	r := &Runner{Analyzer: analyzer, Stdout: &stdout}
	err := r.Run(context.Background(), Request{Image: "fw.elf", Dump: testDump(), Chip: "esp32", TempDir: scratchParent})
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "==== report ====")

	recorded, err := os.ReadFile(record)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(recorded)), "\n")
	require.Equal(t, "fw.elf", lines[len(lines)-1])
	require.Contains(t, lines, "info_corefile")

	entries, err := os.ReadDir(scratchParent)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directory must be removed")
}

func TestRunClassifiesExitFailure(t *testing.T) {
	analyzer := fakeAnalyzer(t, "echo 'Failed to load core dump' >&2\nexit 3\n")
	err := (&Runner{Analyzer: analyzer}).Run(context.Background(), Request{Image: "fw.elf", Dump: testDump()})
	require.Equal(t, ReasonFailed, reasonOf(t, err))

	var ae *Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, 3, ae.ExitCode)
	require.Contains(t, err.Error(), "Failed to load core dump")
	require.NotEmpty(t, fault.HintsOf(err))
}

func TestRunAnalyzerMissing(t *testing.T) {
	err := (&Runner{Analyzer: filepath.Join(t.TempDir(), "nope")}).Run(context.Background(), Request{Image: "fw.elf", Dump: testDump()})
	require.Equal(t, ReasonAnalyzerMissing, reasonOf(t, err))

	err = (&Runner{Analyzer: "elfvault-no-such-analyzer"}).Run(context.Background(), Request{Image: "fw.elf", Dump: testDump()})
	require.Equal(t, ReasonAnalyzerMissing, reasonOf(t, err))
}

func TestRunGDBMissing(t *testing.T) {
	r := &Runner{Analyzer: "unused"}
	err := r.Run(context.Background(), Request{Image: "fw.elf", Dump: testDump(), GDB: filepath.Join(t.TempDir(), "gdb")})
	require.Equal(t, ReasonGDBMissing, reasonOf(t, err))
	require.Equal(t, Hints(ReasonGDBMissing), fault.HintsOf(err))
}

func TestRunBadInput(t *testing.T) {
	err := (&Runner{Analyzer: "unused"}).Run(context.Background(), Request{Image: "fw.elf", Dump: &coredump.Dump{}})
	require.Equal(t, ReasonBadInput, reasonOf(t, err))
}

func TestRunTimeout(t *testing.T) {
	analyzer := fakeAnalyzer(t, "exec sleep 5\n")
	r := &Runner{Analyzer: analyzer, Timeout: 50 * time.Millisecond}
	err := r.Run(context.Background(), Request{Image: "fw.elf", Dump: testDump()})
	require.Equal(t, ReasonTimeout, reasonOf(t, err))
}

func TestValidChip(t *testing.T) {
	require.True(t, ValidChip("auto"))
	require.True(t, ValidChip("esp32s3"))
	require.False(t, ValidChip("esp8266"))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	tb.Write([]byte("abc"))
	tb.Write([]byte("defg"))
	require.Equal(t, "defg", tb.String())
}
