package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/elfvault/pkg/fault"
)

// Artifact describes one stored image.
type Artifact struct {
	ConfigID string
	Hash     Hash
	Path     string
	Size     int64
	ModTime  time.Time
}

// VerifySummary reports the outcome of Verify.
type VerifySummary struct {
	Artifacts  int
	Configs    int
	Mismatched []Artifact
}

// Configs returns the configuration directories present under the root.
func (s *Store) Configs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.IO, "read archive root", err)
	}
	var configs []string
	for _, entry := range entries {
		if entry.IsDir() && ValidConfigID(entry.Name()) == nil && !strings.HasPrefix(entry.Name(), ".") {
			configs = append(configs, entry.Name())
		}
	}
	sort.Strings(configs)
	return configs, nil
}

// List returns the artifacts stored under configID, or under every
// configuration when configID is empty, sorted by config then hash.
func (s *Store) List(configID string) ([]Artifact, error) {
	configs := []string{configID}
	if configID == "" {
		var err error
		configs, err = s.Configs()
		if err != nil {
			return nil, err
		}
	} else if err := ValidConfigID(configID); err != nil {
		return nil, fault.Wrap(fault.Configuration, "list", err)
	}

	var out []Artifact
	for _, cfg := range configs {
		dir := filepath.Join(s.root, cfg)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fault.Wrap(fault.IO, "read archive "+cfg, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !entry.Type().IsRegular() {
				continue
			}
			stem, ok := strings.CutSuffix(entry.Name(), Ext)
			if !ok || !isHexOfLen(stem, HashSize) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fault.Wrap(fault.IO, "stat "+entry.Name(), err)
			}
			out = append(out, Artifact{
				ConfigID: cfg,
				Hash:     Hash(strings.ToLower(stem)),
				Path:     filepath.Join(dir, entry.Name()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConfigID != out[j].ConfigID {
			return out[i].ConfigID < out[j].ConfigID
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// Verify re-hashes every stored image and reports files whose content no
// longer matches their name.
func (s *Store) Verify() (*VerifySummary, error) {
	artifacts, err := s.List("")
	if err != nil {
		return nil, err
	}

	report := &VerifySummary{}
	seen := make(map[string]struct{})
	for _, a := range artifacts {
		f, err := os.Open(a.Path)
		if err != nil {
			return nil, fault.Wrap(fault.IO, "verify "+a.Path, err)
		}
		actual, _, err := HashReader(f)
		f.Close()
		if err != nil {
			return nil, fault.Wrap(fault.IO, "verify "+a.Path, err)
		}
		if actual != a.Hash {
			report.Mismatched = append(report.Mismatched, a)
		}
		report.Artifacts++
		seen[a.ConfigID] = struct{}{}
	}
	report.Configs = len(seen)
	return report, nil
}

// Err returns a non-nil error when the summary holds mismatches.
func (v *VerifySummary) Err() error {
	if len(v.Mismatched) == 0 {
		return nil
	}
	first := v.Mismatched[0]
	return fault.New(fault.IO, "verify", "%d image(s) do not match their hash; first: %s", len(v.Mismatched), first.Path)
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s/%s", a.ConfigID, a.Hash)
}
