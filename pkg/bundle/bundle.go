package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/elfvault/pkg/archive"
	"github.com/odvcencio/elfvault/pkg/fault"
)

const (
	// maxImageSize caps a single image read from a bundle.
	maxImageSize = 256 << 20
	// maxManifestSize caps the manifest read from a bundle.
	maxManifestSize = 16 << 20
)

// ExportOptions configures Export.
type ExportOptions struct {
	// ConfigID limits the bundle to one configuration; empty exports all.
	ConfigID string
	Output   string
	Signer   Signer
	Now      func() time.Time
	Logger   *zap.Logger
}

// ImportOptions configures Import.
type ImportOptions struct {
	Input            string
	RequireSignature bool
	// Trusted restricts accepted signing keys; nil accepts any valid key and
	// an empty non-nil slice accepts none.
	Trusted []ssh.PublicKey
	Logger  *zap.Logger
}

// Export writes the selected archive contents to a tar.zst bundle.
func Export(ctx context.Context, store *archive.Store, opts ExportOptions) (*Manifest, error) {
	if opts.Output == "" {
		return nil, errors.New("output path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	artifacts, err := store.List(opts.ConfigID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fault.New(fault.NotFound, "export", "no archived images to export")
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: opts.Now().UTC().Truncate(time.Second),
	}
	for _, a := range artifacts {
		manifest.Images = append(manifest.Images, ManifestImage{ConfigID: a.ConfigID, SHA256: string(a.Hash), Size: a.Size})
	}

	if opts.Signer != nil {
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, err
		}
		sig, err := opts.Signer(payload)
		if err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if dir := filepath.Dir(opts.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.Wrap(fault.IO, "export mkdir", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.Output), ".bundle-tmp-*")
	if err != nil {
		return nil, fault.Wrap(fault.IO, "export tmpfile", err)
	}
	tmpName := tmp.Name()

	if err := writeBundle(ctx, tmp, manifestBytes, store, artifacts); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fault.Wrap(fault.IO, "export close", err)
	}
	if err := os.Rename(tmpName, opts.Output); err != nil {
		os.Remove(tmpName)
		return nil, fault.Wrap(fault.IO, "export rename", err)
	}

	log.Info("wrote bundle", zap.String("path", opts.Output), zap.Int("images", len(artifacts)))
	return manifest, nil
}

func writeBundle(ctx context.Context, w io.Writer, manifest []byte, store *archive.Store, artifacts []archive.Artifact) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fault.Wrap(fault.IO, "write manifest header", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fault.Wrap(fault.IO, "write manifest", err)
	}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addImage(tw, store, a); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fault.Wrap(fault.IO, "close tar", err)
	}
	if err := enc.Close(); err != nil {
		return fault.Wrap(fault.IO, "close zstd", err)
	}
	return nil
}

func addImage(tw *tar.Writer, store *archive.Store, a archive.Artifact) error {
	f, err := store.Open(a.ConfigID, a.Hash)
	if err != nil {
		return err
	}
	defer f.Close()

	img := ManifestImage{ConfigID: a.ConfigID, SHA256: string(a.Hash), Size: a.Size}
	if err := tw.WriteHeader(&tar.Header{
		Name:     tarPath(img),
		Mode:     0o644,
		Size:     a.Size,
		ModTime:  a.ModTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fault.Wrap(fault.IO, "write header "+a.String(), err)
	}
	if _, err := io.CopyN(tw, f, a.Size); err != nil {
		return fault.Wrap(fault.IO, "copy "+a.String(), err)
	}
	return nil
}

// Import verifies a bundle and archives every image its manifest lists.
// Images are checked against both their tar name and the manifest before
// being stored. Entries the manifest does not list are skipped unread.
func Import(ctx context.Context, store *archive.Store, opts ImportOptions) (*Manifest, error) {
	if opts.Input == "" {
		return nil, errors.New("bundle file is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.Open(opts.Input)
	if err != nil {
		return nil, fault.Wrap(fault.IO, "open bundle", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fault.Wrap(fault.IO, "zstd reader", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	manifest, err := readManifest(tr)
	if err != nil {
		return nil, err
	}
	if manifest.Version != manifestVersion {
		return nil, fault.New(fault.IO, "import", "unsupported manifest version %q", manifest.Version)
	}
	if err := checkSignature(manifest, opts); err != nil {
		return nil, err
	}

	want := make(map[string]ManifestImage, len(manifest.Images))
	for _, img := range manifest.Images {
		if err := archive.ValidConfigID(img.ConfigID); err != nil {
			return nil, fault.Wrap(fault.IO, "import", err)
		}
		want[tarPath(img)] = img
	}

	// Only entries the manifest lists are read; one image is held at a time.
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.IO, "read bundle entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := entryName(hdr)
		if err != nil {
			return nil, err
		}
		img, ok := want[name]
		if !ok {
			log.Debug("skipping unlisted bundle entry", zap.String("name", name))
			continue
		}
		delete(want, name)

		if hdr.Size != img.Size {
			return nil, fault.New(fault.IO, "import", "size mismatch for %s: manifest %d, bundle %d", name, img.Size, hdr.Size)
		}
		if hdr.Size > maxImageSize {
			return nil, fault.New(fault.IO, "import", "entry %q too large (%d bytes)", name, hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, fault.Wrap(fault.IO, "read "+name, err)
		}
		if got := archive.HashBytes(data); !strings.EqualFold(string(got), img.SHA256) {
			return nil, fault.New(fault.IO, "import", "sha256 mismatch for %s", name)
		}
		stored, err := store.Archive(data, img.ConfigID)
		if err != nil {
			return nil, err
		}
		log.Debug("imported image", zap.String("path", stored))
	}

	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fault.New(fault.IO, "import", "image %s missing from bundle", missing[0])
	}
	return manifest, nil
}

// readManifest reads the manifest, which must be the first regular entry.
func readManifest(tr *tar.Reader) (*Manifest, error) {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fault.New(fault.IO, "import", "bundle missing %s", manifestFileName)
		}
		if err != nil {
			return nil, fault.Wrap(fault.IO, "read bundle entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := entryName(hdr)
		if err != nil {
			return nil, err
		}
		if name != manifestFileName {
			return nil, fault.New(fault.IO, "import", "bundle must start with %s, found %q", manifestFileName, name)
		}
		if hdr.Size > maxManifestSize {
			return nil, fault.New(fault.IO, "import", "manifest too large (%d bytes)", hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
		if err != nil {
			return nil, fault.Wrap(fault.IO, "read "+manifestFileName, err)
		}
		m := &Manifest{}
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fault.Wrap(fault.IO, "unmarshal manifest", err)
		}
		return m, nil
	}
}

func entryName(hdr *tar.Header) (string, error) {
	name := path.Clean(hdr.Name)
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fault.New(fault.IO, "import", "invalid entry path %q", hdr.Name)
	}
	return name, nil
}

func checkSignature(m *Manifest, opts ImportOptions) error {
	if m.Signature == "" {
		if opts.RequireSignature {
			return fault.New(fault.IO, "import", "manifest is not signed")
		}
		return nil
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if err := Verify(payload, m.Signature, opts.Trusted); err != nil {
		return fault.Wrap(fault.IO, "import", err)
	}
	return nil
}
