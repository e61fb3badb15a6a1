// Package toolchain discovers the external debugger and analyzer executables.
//
// Discovery never mutates the process environment: strategies search the
// directories they are given and the result is returned as a Tools value
// that callers pass along explicitly.
package toolchain

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Strategy finds one executable.
type Strategy interface {
	Find(ctx context.Context) (string, bool)
}

// Discover returns the first hit among strategies, in order.
func Discover(ctx context.Context, strategies ...Strategy) (string, bool) {
	for _, s := range strategies {
		if ctx.Err() != nil {
			return "", false
		}
		if p, ok := s.Find(ctx); ok {
			return p, true
		}
	}
	return "", false
}

// GlobStrategy expands each pattern in order and returns the first
// executable whose base name contains NameContains. A "**" path component
// matches any number of directories.
type GlobStrategy struct {
	Patterns     []string
	NameContains string
}

func (g GlobStrategy) Find(ctx context.Context) (string, bool) {
	for _, pattern := range g.Patterns {
		matches := expandGlob(ctx, pattern)
		sort.Strings(matches)
		for _, m := range matches {
			if g.NameContains != "" && !strings.Contains(strings.ToLower(filepath.Base(m)), strings.ToLower(g.NameContains)) {
				continue
			}
			if isExecutable(m) {
				return m, true
			}
		}
	}
	return "", false
}

func expandGlob(ctx context.Context, pattern string) []string {
	pattern = filepath.FromSlash(pattern)
	sep := string(filepath.Separator)
	idx := strings.Index(pattern, sep+"**"+sep)
	if idx < 0 {
		matches, _ := filepath.Glob(pattern)
		return matches
	}

	prefix := pattern[:idx]
	namePattern := pattern[idx+len(sep+"**"+sep):]
	// Anything past the first "**" is matched against the base name only.
	if strings.Contains(namePattern, sep) {
		namePattern = filepath.Base(namePattern)
	}

	bases, _ := filepath.Glob(prefix)
	var out []string
	for _, base := range bases {
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match(namePattern, d.Name()); ok {
				out = append(out, path)
			}
			return nil
		})
	}
	return out
}

// SearchPathStrategy looks up Names in Dirs the way a shell resolves a
// command, without consulting the process PATH.
type SearchPathStrategy struct {
	Names []string
	Dirs  []string
}

func (s SearchPathStrategy) Find(ctx context.Context) (string, bool) {
	for _, name := range s.Names {
		for _, dir := range s.Dirs {
			if dir == "" {
				continue
			}
			for _, candidate := range executableNames(name) {
				p := filepath.Join(dir, candidate)
				if isExecutable(p) {
					return p, true
				}
			}
		}
	}
	return "", false
}

func executableNames(name string) []string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return []string{name + ".exe", name + ".cmd", name + ".bat", name}
	}
	return []string{name}
}

func isExecutable(p string) bool {
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return st.Mode().Perm()&0o111 != 0
}

// SplitPathList splits a PATH-style value, dropping empty entries.
func SplitPathList(v string) []string {
	var out []string
	for _, p := range filepath.SplitList(v) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GDBNames are the debugger executable names tried on the search path.
var GDBNames = []string{"xtensa-esp32s3-elf-gdb", "riscv32-esp-elf-gdb", "gdb"}

// DefaultGDBStrategies returns the ordered discovery chain for the ESP-IDF
// debugger: Espressif install locations, the user's ~/.espressif tree, and
// finally the given search path directories.
func DefaultGDBStrategies(home string, pathDirs []string) []Strategy {
	var patterns []string
	if runtime.GOOS == "windows" {
		patterns = append(patterns,
			`C:\Espressif\tools\xtensa-esp32s3-elf\esp-*\xtensa-esp32s3-elf\bin\xtensa-esp32s3-elf-gdb.exe`,
			`C:\Espressif\tools\riscv32-esp-elf\esp-*\riscv32-esp-elf\bin\riscv32-esp-elf-gdb.exe`,
			`C:\Espressif\frameworks\esp-idf-v*\tools\**\*gdb*.exe`,
		)
	}
	if home != "" {
		patterns = append(patterns,
			filepath.Join(home, ".espressif", "tools", "xtensa-esp-elf-gdb", "*", "xtensa-esp-elf-gdb", "bin", "xtensa-esp32s3-elf-gdb"),
			filepath.Join(home, ".espressif", "tools", "riscv32-esp-elf-gdb", "*", "riscv32-esp-elf-gdb", "bin", "riscv32-esp-elf-gdb"),
			filepath.Join(home, ".espressif", "tools", "**", "*gdb*"),
		)
	}
	return []Strategy{
		GlobStrategy{Patterns: patterns, NameContains: "gdb"},
		SearchPathStrategy{Names: GDBNames, Dirs: pathDirs},
	}
}
