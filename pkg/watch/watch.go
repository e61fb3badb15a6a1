// Package watch archives images as a build tree produces them.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/archive"
	"github.com/odvcencio/elfvault/pkg/fault"
)

// DefaultDebounce is how long a file must be quiet before it is archived.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Dir string
	// ConfigID names the configuration for every image. When empty the
	// image's parent directory name is used, which matches the
	// .pio/build/<env>/firmware.elf layout.
	ConfigID string
	Debounce time.Duration
	Ext      string
	Logger   *zap.Logger
	// OnArchive is called after each successful archive.
	OnArchive func(src, dest string)
}

// Watcher archives settled image files under a directory tree.
type Watcher struct {
	store *archive.Store
	opts  Options
	log   *zap.Logger

	// archiveRoot is skipped so stored images do not re-trigger archiving.
	archiveRoot string

	mu      sync.Mutex
	pending map[string]time.Time
	ready   chan struct{}
}

// New validates opts and returns a Watcher. Nothing is watched until Run.
func New(store *archive.Store, opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fault.New(fault.Configuration, "watch", "directory is required")
	}
	if opts.ConfigID != "" {
		if err := archive.ValidConfigID(opts.ConfigID); err != nil {
			return nil, fault.Wrap(fault.Configuration, "watch", err)
		}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ext == "" {
		opts.Ext = archive.Ext
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	archiveRoot, err := filepath.Abs(store.Root())
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "watch", err)
	}
	return &Watcher{
		store:       store,
		opts:        opts,
		log:         log,
		archiveRoot: archiveRoot,
		pending:     make(map[string]time.Time),
		ready:       make(chan struct{}),
	}, nil
}

// Ready is closed once the initial directories are being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is cancelled. Failures on single files are logged
// and do not stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	st, err := os.Stat(w.opts.Dir)
	if err != nil {
		return fault.Wrap(fault.IO, "watch", err)
	}
	if !st.IsDir() {
		return fault.New(fault.Configuration, "watch", "%s is not a directory", w.opts.Dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(fault.IO, "watch", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.opts.Dir); err != nil {
		return fault.Wrap(fault.IO, "watch "+w.opts.Dir, err)
	}
	w.log.Info("watching for images", zap.String("dir", w.opts.Dir), zap.Duration("debounce", w.opts.Debounce))
	close(w.ready)

	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-tick.C:
			w.flush(time.Now())
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	iv := w.opts.Debounce / 5
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && (errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist)) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return err
		}
		w.log.Debug("watching directory", zap.String("dir", path))
		return nil
	})
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			if err := w.addTree(fw, event.Name); err != nil {
				w.log.Warn("cannot watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			w.queueExisting(event.Name)
			return
		}
	}
	if !w.isImage(event.Name) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// queueExisting picks up images that landed in a new directory before it
// was watched.
func (w *Watcher) queueExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.isImage(path) {
			return nil
		}
		w.mu.Lock()
		w.pending[path] = time.Now()
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) isImage(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.EqualFold(filepath.Ext(base), w.opts.Ext) {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(w.archiveRoot, abs)
	return err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// flush archives every pending file that has been quiet for the debounce
// window, in path order.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var settled []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.opts.Debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(settled)
	for _, path := range settled {
		w.archive(path)
	}
}

func (w *Watcher) archive(path string) {
	cfg := w.configFor(path)
	dest, err := w.store.ArchiveFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.log.Debug("image vanished before archiving", zap.String("path", path))
			return
		}
		w.log.Error("archive failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.log.Info("archived image", zap.String("src", path), zap.String("dest", dest), zap.String("config", cfg))
	if w.opts.OnArchive != nil {
		w.opts.OnArchive(path, dest)
	}
}

func (w *Watcher) configFor(path string) string {
	if w.opts.ConfigID != "" {
		return w.opts.ConfigID
	}
	return filepath.Base(filepath.Dir(path))
}
