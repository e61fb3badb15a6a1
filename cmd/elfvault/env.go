package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/archive"
	"github.com/odvcencio/elfvault/pkg/config"
	"github.com/odvcencio/elfvault/pkg/fault"
	"github.com/odvcencio/elfvault/pkg/locate"
	"github.com/odvcencio/elfvault/pkg/mirror"
)

func appLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "config", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) *archive.Store {
	return archive.NewStore(cfg.ArchiveRoot,
		archive.WithWritePolicy(cfg.WritePolicy()),
		archive.WithLogger(appLogger()),
	)
}

func openMirror(ctx context.Context, cfg *config.Config) (*mirror.Client, error) {
	if !cfg.Mirror.Enabled() {
		return nil, fault.New(fault.Configuration, "mirror", "no bucket configured").
			WithHints("set [mirror] bucket in elfvault.toml or export S3_BUCKET")
	}
	m := cfg.Mirror
	return mirror.NewClient(ctx, mirror.Config{
		Endpoint:  m.Endpoint,
		Region:    m.Region,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		PathStyle: m.PathStyle,
	}, appLogger())
}

// newLocator builds the resolution chain: configured roots, then the
// archive root, then extra directories from the command line. The mirror
// tier is attached when a bucket is configured and useRemote is set.
func newLocator(ctx context.Context, cfg *config.Config, store *archive.Store, extraDirs []string, useRemote bool) *locate.Locator {
	roots := append([]string(nil), cfg.SearchDirs...)
	roots = appendUnique(roots, store.Root())
	for _, d := range extraDirs {
		roots = appendUnique(roots, d)
	}

	l := &locate.Locator{
		Roots:             roots,
		ConventionalNames: cfg.ConventionalNames,
		Ext:               cfg.ImageExt,
		Logger:            appLogger(),
	}
	if useRemote && cfg.Mirror.Enabled() {
		client, err := openMirror(ctx, cfg)
		if err != nil {
			appLogger().Warn("mirror unavailable, searching locally only", zap.Error(err))
		} else {
			l.Remote = &mirror.Finder{Client: client, Store: store}
		}
	}
	return l
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// printResolution tells the user which image was chosen and why.
func printResolution(w io.Writer, partial string, res *locate.Result) {
	switch res.Tier {
	case locate.TierExplicit:
		fmt.Fprintf(w, "Using ELF file: %s\n", res.Path)
	case locate.TierHash:
		if len(res.Candidates) > 1 {
			fmt.Fprintf(w, "%d ELF files match %s:\n", len(res.Candidates), partial)
			for _, c := range res.Candidates {
				fmt.Fprintf(w, "  %s\n", c.Path)
			}
		}
		fmt.Fprintf(w, "Found ELF file matching hash %s: %s\n", partial, res.Path)
	case locate.TierRemote:
		fmt.Fprintf(w, "Fetched ELF file matching hash %s from mirror: %s\n", partial, res.Path)
	case locate.TierConventional:
		fmt.Fprintf(w, "Using ELF file: %s\n", res.Path)
	case locate.TierNewest:
		if partial != "" {
			fmt.Fprintf(w, "No ELF file matches hash %s.\n", partial)
		}
		fmt.Fprintln(w, "Most recent ELF files:")
		for _, c := range res.Candidates {
			fmt.Fprintf(w, "  %s  %s\n", c.ModTime.Format("2006-01-02 15:04:05"), c.Path)
		}
		fmt.Fprintf(w, "Using most recent ELF file: %s\n", res.Path)
	}
}

func describeHash(h string) string {
	if strings.TrimSpace(h) == "" {
		return "(none)"
	}
	return h
}
