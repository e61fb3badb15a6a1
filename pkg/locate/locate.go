// Package locate resolves the firmware image that produced a core dump.
//
// Resolution is a single pass over ordered tiers: an explicit path, a
// partial-hash match against archived filenames, an optional remote mirror,
// a fixed list of conventional filenames, and finally the most recently
// modified image found anywhere under the search roots.
package locate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/fault"
)

// Tier names the strategy that produced a Result.
type Tier string

const (
	TierExplicit     Tier = "explicit"
	TierHash         Tier = "hash"
	TierRemote       Tier = "remote"
	TierConventional Tier = "conventional"
	TierNewest       Tier = "newest"
)

// NewestReportLimit is how many recent images the newest tier reports.
const NewestReportLimit = 5

// DefaultConventionalNames are tried when no hash match exists.
var DefaultConventionalNames = []string{
	"ssvc_open_connect.elf",
	"firmware.elf",
	"main.elf",
	"app.elf",
}

// DefaultRoots returns the search roots used when none are configured.
func DefaultRoots() []string {
	return []string{
		".",
		"build",
		"build/elf",
		"build/elf/esp32-s3-devkitc-1-16m",
		"../build",
		"../../build",
	}
}

// RemoteFinder resolves a partial hash against a remote archive and returns
// a local path to the fetched image. ok is false when nothing matched.
type RemoteFinder interface {
	FindImage(ctx context.Context, partialHash string) (path string, ok bool, err error)
}

// Request is the input to Locate.
type Request struct {
	PartialHash  string
	ExplicitPath string
}

// Candidate is an image considered by a tier.
type Candidate struct {
	Path    string
	ModTime time.Time
}

// Result is the resolved image plus the candidates that were considered.
type Result struct {
	Path       string
	Tier       Tier
	Candidates []Candidate
}

// Locator searches Roots for images with extension Ext.
type Locator struct {
	Roots             []string
	ConventionalNames []string
	Ext               string
	Remote            RemoteFinder
	Logger            *zap.Logger
}

func (l *Locator) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Locator) ext() string {
	if l.Ext == "" {
		return ".elf"
	}
	if !strings.HasPrefix(l.Ext, ".") {
		return "." + l.Ext
	}
	return l.Ext
}

func (l *Locator) conventionalNames() []string {
	if l.ConventionalNames == nil {
		return DefaultConventionalNames
	}
	return l.ConventionalNames
}

// Locate runs the resolution chain once.
func (l *Locator) Locate(ctx context.Context, req Request) (*Result, error) {
	log := l.logger()

	if req.ExplicitPath != "" {
		if fileExists(req.ExplicitPath) {
			return &Result{Path: req.ExplicitPath, Tier: TierExplicit}, nil
		}
		log.Warn("explicit image does not exist, searching instead", zap.String("path", req.ExplicitPath))
	}

	partial := strings.TrimSpace(req.PartialHash)
	if partial != "" {
		res, err := l.byHash(ctx, partial)
		if err != nil || res != nil {
			return res, err
		}
		log.Info("no image matches partial hash", zap.String("hash", partial))

		if l.Remote != nil {
			path, ok, err := l.Remote.FindImage(ctx, partial)
			if err != nil {
				log.Warn("remote lookup failed", zap.Error(err))
			} else if ok {
				return &Result{Path: path, Tier: TierRemote}, nil
			}
		}
	}

	if res := l.byConventionalName(); res != nil {
		return res, nil
	}

	res, err := l.newest(ctx)
	if err != nil || res != nil {
		return res, err
	}

	return nil, fault.New(fault.NotFound, "locate", "no %s image found in %d search root(s)", l.ext(), len(l.Roots)).
		WithHints(
			"pass the image explicitly: --prog path/to/firmware.elf",
			"or add search directories: --elf-dir build --elf-dir ../build",
		)
}

// MatchesPartial reports whether the filename stem of path contains partial,
// ignoring case.
func MatchesPartial(path, partial string) bool {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Contains(strings.ToLower(stem), strings.ToLower(partial))
}

func (l *Locator) byHash(ctx context.Context, partial string) (*Result, error) {
	images, err := l.Images(ctx)
	if err != nil {
		return nil, err
	}
	l.logger().Debug("enumerated images", zap.Int("count", len(images)))

	var matches []Candidate
	for _, img := range images {
		if MatchesPartial(img.Path, partial) {
			matches = append(matches, img)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	res := &Result{Path: matches[0].Path, Tier: TierHash}
	if len(matches) > 1 {
		res.Candidates = matches
	}
	return res, nil
}

func (l *Locator) byConventionalName() *Result {
	for _, root := range l.Roots {
		if !dirExists(root) {
			continue
		}
		for _, name := range l.conventionalNames() {
			p := filepath.Join(root, name)
			if fileExists(p) {
				return &Result{Path: p, Tier: TierConventional}
			}
		}
	}
	return nil
}

func (l *Locator) newest(ctx context.Context) (*Result, error) {
	images, err := l.Images(ctx)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, nil
	}

	sorted := make([]Candidate, len(images))
	copy(sorted, images)
	// images is already in path order, so a stable sort on mtime keeps the
	// lexicographic tie-break.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ModTime.After(sorted[j].ModTime)
	})

	top := sorted
	if len(top) > NewestReportLimit {
		top = top[:NewestReportLimit]
	}
	return &Result{Path: sorted[0].Path, Tier: TierNewest, Candidates: top}, nil
}

// Images enumerates every image under Roots, deduplicated by absolute path
// and sorted by path. Roots that are not directories are skipped.
func (l *Locator) Images(ctx context.Context) ([]Candidate, error) {
	ext := l.ext()
	seen := make(map[string]struct{})
	var out []Candidate

	for _, root := range l.Roots {
		if !dirExists(root) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path != root && errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ext) {
				return nil
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("abs %q: %w", path, err)
			}
			if _, dup := seen[abs]; dup {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			seen[abs] = struct{}{}
			out = append(out, Candidate{Path: path, ModTime: info.ModTime()})
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fault.Wrap(fault.IO, "enumerate "+root, err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
