package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/odvcencio/elfvault/pkg/fault"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix executable layout")
	}
}

func TestGlobStrategyDoubleStar(t *testing.T) {
	skipOnWindows(t)
	home := t.TempDir()
	gdb := filepath.Join(home, ".espressif", "tools", "xtensa", "esp-14.2", "bin", "xtensa-esp32s3-elf-gdb")
	writeExecutable(t, gdb)
	// Not executable; must be skipped.
	if err := os.WriteFile(filepath.Join(home, ".espressif", "tools", "gdbinit"), []byte("set x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, ok := Discover(context.Background(), DefaultGDBStrategies(home, nil)...)
	if !ok {
		t.Fatal("Discover found nothing")
	}
	if got != gdb {
		t.Fatalf("Discover = %q, want %q", got, gdb)
	}
}

func TestSearchPathStrategyOrder(t *testing.T) {
	skipOnWindows(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeExecutable(t, filepath.Join(dirA, "gdb"))
	writeExecutable(t, filepath.Join(dirB, "riscv32-esp-elf-gdb"))

	got, ok := SearchPathStrategy{Names: GDBNames, Dirs: []string{dirA, dirB}}.Find(context.Background())
	if !ok {
		t.Fatal("Find found nothing")
	}
	// Names take priority over directories.
	if want := filepath.Join(dirB, "riscv32-esp-elf-gdb"); got != want {
		t.Fatalf("Find = %q, want %q", got, want)
	}
}

func TestResolveExplicitGDBMissing(t *testing.T) {
	_, err := Resolve(context.Background(), Options{GDB: filepath.Join(t.TempDir(), "nope"), PathDirs: []string{}})
	if !fault.Is(err, fault.Configuration) {
		t.Fatalf("Resolve err = %v, want configuration error", err)
	}
	if len(fault.HintsOf(err)) == 0 {
		t.Fatal("expected remediation hints")
	}
}

func TestResolveRequireGDB(t *testing.T) {
	empty := t.TempDir()
	opts := Options{Home: empty, PathDirs: []string{empty}, RequireGDB: true}
	if _, err := Resolve(context.Background(), opts); !fault.Is(err, fault.Configuration) {
		t.Fatalf("Resolve err = %v, want configuration error", err)
	}

	opts.RequireGDB = false
	tools, err := Resolve(context.Background(), opts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tools.GDB != "" {
		t.Fatalf("GDB = %q, want empty", tools.GDB)
	}
	if tools.Analyzer != DefaultAnalyzer {
		t.Fatalf("Analyzer = %q, want bare default name", tools.Analyzer)
	}
}

func TestResolveUsesProfilePath(t *testing.T) {
	skipOnWindows(t)
	toolDir := t.TempDir()
	writeExecutable(t, filepath.Join(toolDir, "xtensa-esp32s3-elf-gdb"))
	writeExecutable(t, filepath.Join(toolDir, DefaultAnalyzer))

	profile := filepath.Join(t.TempDir(), "export.sh")
	script := "echo noise\nPATH=\"" + toolDir + ":$PATH\"\nexport PATH\n"
	if err := os.WriteFile(profile, []byte(script), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	before := os.Getenv("PATH")
	tools, err := Resolve(context.Background(), Options{Profile: profile, Home: t.TempDir()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(toolDir, "xtensa-esp32s3-elf-gdb"); tools.GDB != want {
		t.Fatalf("GDB = %q, want %q", tools.GDB, want)
	}
	if want := filepath.Join(toolDir, DefaultAnalyzer); tools.Analyzer != want {
		t.Fatalf("Analyzer = %q, want %q", tools.Analyzer, want)
	}
	if os.Getenv("PATH") != before {
		t.Fatal("Resolve mutated the process PATH")
	}
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(context.Background(), filepath.Join(t.TempDir(), "missing.ps1"))
	if !fault.Is(err, fault.Configuration) {
		t.Fatalf("LoadProfile err = %v, want configuration error", err)
	}
}

func TestSplitPathList(t *testing.T) {
	sep := string(os.PathListSeparator)
	got := SplitPathList("a" + sep + sep + " b " + sep)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitPathList = %q", got)
	}
}
