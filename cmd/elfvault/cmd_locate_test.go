package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/elfvault/pkg/fault"
)

func archiveForTest(t *testing.T, dir, configID, content string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(content))
	h := hex.EncodeToString(sum[:])
	writeCmdFile(t, filepath.Join(dir, "build", "elf", configID, h+".elf"), []byte(content))
	return h
}

func TestLocateCmdMatchesCoreDumpHash(t *testing.T) {
	dir := newProject(t, "")
	restore := chdirForTest(t, dir)
	defer restore()

	archiveForTest(t, dir, "esp32dev", "FIRMWARE_V1")
	h := archiveForTest(t, dir, "esp32dev", "FIRMWARE_V2")
	writeCoreDump(t, filepath.Join(dir, "core.elf"), h[:16])

	out, err := runCmd(t, newLocateCmd(), "core.elf")
	if err != nil {
		t.Fatalf("locate Execute: %v\noutput:\n%s", err, out)
	}
	want := filepath.Join("build", "elf", "esp32dev", h+".elf")
	if !strings.Contains(out, "Found ELF file matching hash "+h[:16]+": "+want) {
		t.Fatalf("locate output = %q, want match %s", out, want)
	}
}

func TestLocateCmdHashFlagOverridesDump(t *testing.T) {
	dir := newProject(t, "")
	restore := chdirForTest(t, dir)
	defer restore()

	h1 := archiveForTest(t, dir, "esp32dev", "FIRMWARE_V1")
	h2 := archiveForTest(t, dir, "esp32s3", "FIRMWARE_S3")
	writeCoreDump(t, filepath.Join(dir, "core.elf"), h1[:12])

	out, err := runCmd(t, newLocateCmd(), "core.elf", "--hash", strings.ToUpper(h2[:12]))
	if err != nil {
		t.Fatalf("locate Execute: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, h2+".elf") {
		t.Fatalf("locate output = %q, want %s", out, h2)
	}
}

func TestLocateCmdFallsBackToNewest(t *testing.T) {
	dir := newProject(t, "conventional_names = []\n")
	restore := chdirForTest(t, dir)
	defer restore()

	older := filepath.Join(dir, "build", "old.elf")
	newer := filepath.Join(dir, "build", "new.elf")
	writeCmdFile(t, older, []byte("OLD"))
	writeCmdFile(t, newer, []byte("NEW"))
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	out, err := runCmd(t, newLocateCmd(), "--hash", "deadbeef")
	if err != nil {
		t.Fatalf("locate Execute: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "No ELF file matches hash deadbeef") {
		t.Fatalf("locate output = %q, want no-match notice", out)
	}
	if !strings.Contains(out, "Using most recent ELF file: "+filepath.Join("build", "new.elf")) {
		t.Fatalf("locate output = %q, want newest image", out)
	}
}

func TestLocateCmdExplicitProg(t *testing.T) {
	dir := newProject(t, "")
	restore := chdirForTest(t, dir)
	defer restore()

	writeCmdFile(t, filepath.Join(dir, "custom", "app.elf"), []byte("APP"))
	out, err := runCmd(t, newLocateCmd(), "--prog", filepath.Join("custom", "app.elf"))
	if err != nil {
		t.Fatalf("locate Execute: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "Using ELF file: "+filepath.Join("custom", "app.elf")) {
		t.Fatalf("locate output = %q", out)
	}
}

func TestLocateCmdNothingFound(t *testing.T) {
	dir := newProject(t, "")
	restore := chdirForTest(t, dir)
	defer restore()

	_, err := runCmd(t, newLocateCmd(), "--hash", "abc123")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("locate err = %v, want not found", err)
	}
	if hints := fault.HintsOf(err); len(hints) == 0 || !strings.Contains(strings.Join(hints, "\n"), "--prog") {
		t.Fatalf("locate hints = %v, want --prog guidance", hints)
	}
}

func TestLocateCmdRequiresInput(t *testing.T) {
	dir := newProject(t, "")
	restore := chdirForTest(t, dir)
	defer restore()

	_, err := runCmd(t, newLocateCmd())
	if !fault.Is(err, fault.Configuration) {
		t.Fatalf("locate err = %v, want configuration error", err)
	}
}

func TestCoreinfoCmd(t *testing.T) {
	dir := t.TempDir()
	sha := "3f2a9c1be0d47a55"
	writeCoreDump(t, filepath.Join(dir, "core.elf"), sha)

	out, err := runCmd(t, newCoreinfoCmd(), filepath.Join(dir, "core.elf"))
	if err != nil {
		t.Fatalf("coreinfo Execute: %v\noutput:\n%s", err, out)
	}
	for _, want := range []string{"format:       elf", "EM_XTENSA", "app sha256:   " + sha} {
		if !strings.Contains(out, want) {
			t.Fatalf("coreinfo output = %q, want %q", out, want)
		}
	}
}
