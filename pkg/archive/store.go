package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/fault"
)

const (
	// DefaultRoot is where images land relative to the project directory.
	DefaultRoot = "build/elf"
	// Ext is the extension stored images carry.
	Ext = ".elf"
)

// WritePolicy controls what Archive does when the destination exists.
type WritePolicy int

const (
	// WriteAlways rewrites the destination on every call.
	WriteAlways WritePolicy = iota
	// WriteSkipExisting leaves an existing destination untouched.
	WriteSkipExisting
)

// ParseWritePolicy maps the config spelling of a policy.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always":
		return WriteAlways, nil
	case "skip-existing", "skip":
		return WriteSkipExisting, nil
	default:
		return WriteAlways, fmt.Errorf("unknown overwrite policy %q (want always or skip-existing)", s)
	}
}

// Store is a content-addressed image archive laid out as
// <root>/<config>/<sha256>.elf. The filename is the only index.
type Store struct {
	root   string
	policy WritePolicy
	log    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithWritePolicy sets the overwrite behavior.
func WithWritePolicy(p WritePolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger used for the per-write line.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore creates a Store rooted at root. Directories are created lazily on
// first write.
func NewStore(root string, opts ...Option) *Store {
	if root == "" {
		root = DefaultRoot
	}
	s := &Store{root: root, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the archive root directory.
func (s *Store) Root() string { return s.root }

// ValidConfigID reports whether id can be used as a single path component.
func ValidConfigID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("configuration id is required")
	case id == "." || id == "..":
		return fmt.Errorf("configuration id %q is not a directory name", id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("configuration id %q must not contain path separators", id)
	}
	return nil
}

// PathFor returns the stored path for an image of config with hash h.
func (s *Store) PathFor(configID string, h Hash) string {
	return filepath.Join(s.root, configID, string(h)+Ext)
}

// Has reports whether the archive holds h under configID.
func (s *Store) Has(configID string, h Hash) bool {
	_, err := os.Stat(s.PathFor(configID, h))
	return err == nil
}

// Archive stores image under configID and returns the stored path.
func (s *Store) Archive(image []byte, configID string) (string, error) {
	if len(image) == 0 {
		return "", fault.New(fault.Configuration, "archive", "image is empty")
	}
	if err := ValidConfigID(configID); err != nil {
		return "", fault.Wrap(fault.Configuration, "archive", err)
	}

	h := HashBytes(image)
	return s.write(configID, h, func(w io.Writer) error {
		_, err := w.Write(image)
		return err
	})
}

// ArchiveFile hashes and stores the image at path.
func (s *Store) ArchiveFile(path, configID string) (string, error) {
	if err := ValidConfigID(configID); err != nil {
		return "", fault.Wrap(fault.Configuration, "archive", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(fault.IO, "archive open", err)
	}
	defer f.Close()

	h, n, err := HashReader(f)
	if err != nil {
		return "", fault.Wrap(fault.IO, "archive hash", err)
	}
	if n == 0 {
		return "", fault.New(fault.Configuration, "archive", "image %s is empty", path)
	}

	return s.write(configID, h, func(w io.Writer) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := io.Copy(w, f)
		return err
	})
}

// write places content at PathFor(configID, h) via temp file and rename.
func (s *Store) write(configID string, h Hash, fill func(io.Writer) error) (string, error) {
	dest := s.PathFor(configID, h)
	if s.policy == WriteSkipExisting && s.Has(configID, h) {
		s.log.Info("ELF file already archived", zap.String("path", dest))
		return dest, nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Wrap(fault.IO, "archive mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fault.Wrap(fault.IO, "archive tmpfile", err)
	}
	tmpName := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fault.Wrap(fault.IO, "archive write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fault.Wrap(fault.IO, "archive close", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fault.Wrap(fault.IO, "archive chmod", err)
	}

	s.log.Info("Saving ELF file to "+dest, zap.String("config", configID), zap.String("sha256", string(h)))
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fault.Wrap(fault.IO, "archive rename", err)
	}
	return dest, nil
}

// Open opens a stored artifact for reading.
func (s *Store) Open(configID string, h Hash) (*os.File, error) {
	f, err := os.Open(s.PathFor(configID, h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "archive open", "%s/%s not archived", configID, h.Short(12))
		}
		return nil, fault.Wrap(fault.IO, "archive open", err)
	}
	return f, nil
}
