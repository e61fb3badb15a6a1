// Package config loads elfvault.toml and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/elfvault/pkg/analyze"
	"github.com/odvcencio/elfvault/pkg/archive"
	"github.com/odvcencio/elfvault/pkg/locate"
	"github.com/odvcencio/elfvault/pkg/toolchain"
)

// FileName is the config file looked up in the working directory.
const FileName = "elfvault.toml"

// Config is the full tool configuration.
type Config struct {
	ArchiveRoot       string   `toml:"archive_root"`
	ConfigID          string   `toml:"config_id"`
	Overwrite         string   `toml:"overwrite"`
	ImageExt          string   `toml:"image_ext"`
	SearchDirs        []string `toml:"search_dirs"`
	ConventionalNames []string `toml:"conventional_names"`

	Analyze Analyze `toml:"analyze"`
	Mirror  Mirror  `toml:"mirror"`
	Watch   Watch   `toml:"watch"`
}

// Analyze configures toolchain discovery and the analyzer delegate.
type Analyze struct {
	Analyzer   string   `toml:"analyzer"`
	GDB        string   `toml:"gdb"`
	RequireGDB bool     `toml:"require_gdb"`
	Chip       string   `toml:"chip"`
	Baud       int      `toml:"baud"`
	Timeout    Duration `toml:"timeout"`
	PSProfile  string   `toml:"ps_profile"`
}

// Mirror configures the S3 mirror. An empty Bucket disables it.
type Mirror struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	PathStyle *bool  `toml:"path_style"`
	AccessKey string `toml:"-"`
	SecretKey string `toml:"-"`
}

// Enabled reports whether a bucket is configured.
func (m Mirror) Enabled() bool { return strings.TrimSpace(m.Bucket) != "" }

// Watch configures the build directory watcher.
type Watch struct {
	Dir      string   `toml:"dir"`
	Debounce Duration `toml:"debounce"`
}

// Duration decodes TOML strings such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ArchiveRoot:       archive.DefaultRoot,
		Overwrite:         "always",
		ImageExt:          archive.Ext,
		SearchDirs:        locate.DefaultRoots(),
		ConventionalNames: append([]string(nil), locate.DefaultConventionalNames...),
		Analyze: Analyze{
			Analyzer: toolchain.DefaultAnalyzer,
			Chip:     "auto",
			Baud:     analyze.DefaultBaud,
			Timeout:  Duration{5 * time.Minute},
		},
		Mirror: Mirror{Region: "us-east-1"},
		Watch:  Watch{Dir: ".pio/build", Debounce: Duration{500 * time.Millisecond}},
	}
}

// Load reads path over the defaults. When path is empty, FileName in the
// working directory is used if present. A missing default file is not an
// error; a missing explicit file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv(os.LookupEnv)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// Parse decodes TOML text over the defaults without consulting the
// environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	if _, err := archive.ParseWritePolicy(c.Overwrite); err != nil {
		return err
	}
	if c.Analyze.Chip != "" && !analyze.ValidChip(c.Analyze.Chip) {
		return fmt.Errorf("unknown chip %q (want one of %s)", c.Analyze.Chip, strings.Join(analyze.Chips, ", "))
	}
	if c.ConfigID != "" {
		if err := archive.ValidConfigID(c.ConfigID); err != nil {
			return err
		}
	}
	return nil
}

// WritePolicy returns the parsed overwrite policy.
func (c *Config) WritePolicy() archive.WritePolicy {
	p, _ := archive.ParseWritePolicy(c.Overwrite)
	return p
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ELFVAULT_ARCHIVE_ROOT", &c.ArchiveRoot)
	str("PIOENV", &c.ConfigID)
	str("ELFVAULT_GDB", &c.Analyze.GDB)
	str("ELFVAULT_ANALYZER", &c.Analyze.Analyzer)

	str("S3_ENDPOINT", &c.Mirror.Endpoint)
	str("S3_REGION", &c.Mirror.Region)
	str("S3_BUCKET", &c.Mirror.Bucket)
	str("S3_PREFIX", &c.Mirror.Prefix)
	str("S3_ACCESS_KEY", &c.Mirror.AccessKey)
	str("S3_SECRET_KEY", &c.Mirror.SecretKey)
	if v, ok := lookup("S3_FORCE_PATH_STYLE"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Mirror.PathStyle = &parsed
		}
	}
}
