package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/odvcencio/elfvault/pkg/archive"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ArchiveRoot != "build/elf" {
		t.Errorf("ArchiveRoot = %q", cfg.ArchiveRoot)
	}
	if cfg.WritePolicy() != archive.WriteAlways {
		t.Errorf("WritePolicy = %v, want WriteAlways", cfg.WritePolicy())
	}
	if cfg.Analyze.Baud != 115200 || cfg.Analyze.Chip != "auto" {
		t.Errorf("Analyze = %+v", cfg.Analyze)
	}
	if cfg.Mirror.Enabled() {
		t.Error("mirror enabled without a bucket")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
archive_root = "out/images"
overwrite = "skip-existing"
search_dirs = ["out", "../out"]

[analyze]
chip = "esp32s3"
timeout = "90s"
require_gdb = true

[mirror]
bucket = "firmware"
prefix = "elf"
path_style = false

[watch]
debounce = "2s"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ArchiveRoot != "out/images" {
		t.Errorf("ArchiveRoot = %q", cfg.ArchiveRoot)
	}
	if cfg.WritePolicy() != archive.WriteSkipExisting {
		t.Errorf("WritePolicy = %v", cfg.WritePolicy())
	}
	if diff := cmp.Diff([]string{"out", "../out"}, cfg.SearchDirs); diff != "" {
		t.Errorf("SearchDirs (-want +got):\n%s", diff)
	}
	if cfg.Analyze.Timeout.Duration != 90*time.Second || !cfg.Analyze.RequireGDB {
		t.Errorf("Analyze = %+v", cfg.Analyze)
	}
	// Unset keys keep their defaults.
	if cfg.Analyze.Baud != 115200 {
		t.Errorf("Baud = %d", cfg.Analyze.Baud)
	}
	if !cfg.Mirror.Enabled() || cfg.Mirror.PathStyle == nil || *cfg.Mirror.PathStyle {
		t.Errorf("Mirror = %+v", cfg.Mirror)
	}
	if cfg.Watch.Debounce.Duration != 2*time.Second {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		`overwrite = "sometimes"`,
		"[analyze]\nchip = \"esp8266\"",
		`config_id = "a/b"`,
		"[analyze]\ntimeout = \"soon\"",
	} {
		if _, err := Parse(doc); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", doc)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PIOENV":              "esp32dev",
		"ELFVAULT_GDB":        "/opt/gdb",
		"S3_BUCKET":           "fw",
		"S3_ACCESS_KEY":       "ak",
		"S3_FORCE_PATH_STYLE": "true",
		"ELFVAULT_ANALYZER":   "  ",
	}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.ConfigID != "esp32dev" || cfg.Analyze.GDB != "/opt/gdb" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Analyze.Analyzer != "esp-coredump" {
		t.Errorf("blank env must not override: %q", cfg.Analyze.Analyzer)
	}
	if !cfg.Mirror.Enabled() || cfg.Mirror.AccessKey != "ak" || cfg.Mirror.PathStyle == nil || !*cfg.Mirror.PathStyle {
		t.Errorf("Mirror = %+v", cfg.Mirror)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Fatal("explicit missing file must fail")
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load default: %v", err)
	}
	if cfg.ImageExt != ".elf" {
		t.Errorf("ImageExt = %q", cfg.ImageExt)
	}
}
