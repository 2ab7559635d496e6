// Package assetdir publishes the files under a directory as streamable
// assets and keeps the catalog in step with the directory.
//
// Asset IDs are slash-separated paths relative to the root, so
// "textures/grass.dds" under the root becomes asset "textures/grass.dds".
// Hidden files and directories (leading dot), symlinks and files above the
// size limit are skipped.
package assetdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/assets"
	"github.com/esportsjesus1-create/gameverse-backend-sub008/bridgeerr"
)

const (
	DefaultDebounce    = 250 * time.Millisecond
	DefaultMaxFileSize = 256 << 20
)

// Catalog is the part of *assets.Manager a Dir writes to.
type Catalog interface {
	Register(id, assetType, fileName string, data []byte, opts ...assets.RegisterOption) (assets.Manifest, error)
	Remove(id string) error
}

type options struct {
	log         *slog.Logger
	debounce    time.Duration
	maxFileSize int64
	chunkSize   int
}

// Option configures a Dir.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithDebounce sets how long a path must stay quiet before a change to it
// is applied. Editors and exporters often write a file in several steps.
func WithDebounce(d time.Duration) Option { return func(o *options) { o.debounce = d } }

func WithMaxFileSize(n int64) Option { return func(o *options) { o.maxFileSize = n } }

// WithChunkSize overrides the catalog's default chunk size for every file.
func WithChunkSize(n int) Option { return func(o *options) { o.chunkSize = n } }

// Dir mirrors one directory tree into a Catalog.
type Dir struct {
	root string
	cat  Catalog
	opts options

	mu     sync.Mutex
	known  map[string]struct{}
	timers map[string]*time.Timer
}

// New prepares a Dir for root. root must be an existing directory.
func New(root string, cat Catalog, opts ...Option) (*Dir, error) {
	o := options{debounce: DefaultDebounce, maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("assetdir: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("assetdir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("assetdir: %s is not a directory", abs)
	}
	return &Dir{
		root:   abs,
		cat:    cat,
		opts:   o,
		known:  make(map[string]struct{}),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Scan registers every eligible file under root and returns how many were
// registered.
func Scan(ctx context.Context, root string, cat Catalog, opts ...Option) (int, error) {
	d, err := New(root, cat, opts...)
	if err != nil {
		return 0, err
	}
	return d.Scan(ctx)
}

// Watch scans root and then applies changes until ctx is done.
func Watch(ctx context.Context, root string, cat Catalog, opts ...Option) error {
	d, err := New(root, cat, opts...)
	if err != nil {
		return err
	}
	return d.Watch(ctx)
}

// Known returns the IDs of the assets this Dir has registered, sorted.
func (d *Dir) Known() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.known))
	for id := range d.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Dir) Scan(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanLocked(ctx, d.root, nil)
}

// scanLocked registers the files under dir. When w is set, directories are
// added to it as they are found.
func (d *Dir) scanLocked(ctx context.Context, dir string, w *fsnotify.Watcher) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != d.root && hidden(e.Name()) {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if e.IsDir() {
			if w != nil {
				if err := w.Add(p); err != nil {
					d.opts.log.Debug("assetdir.watch.add", slog.String("dir", p), slog.String("err", err.Error()))
				}
			}
			return nil
		}
		if !e.Type().IsRegular() {
			return nil
		}
		id, ok := d.id(p)
		if !ok {
			return nil
		}
		if d.loadLocked(id, p) {
			n++
		}
		return nil
	})
	return n, err
}

// loadLocked reads one file and registers it. It reports whether the file
// was registered.
func (d *Dir) loadLocked(id, p string) bool {
	fi, err := os.Lstat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if fi.Size() > d.opts.maxFileSize {
		d.opts.log.Warn("assetdir.skip.size", slog.String("asset_id", id), slog.Int64("size", fi.Size()),
			slog.Int64("max", d.opts.maxFileSize))
		return false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		d.opts.log.Debug("assetdir.read", slog.String("asset_id", id), slog.String("err", err.Error()))
		return false
	}

	md := map[string]any{"modTime": fi.ModTime().UTC().Format(time.RFC3339)}
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(id))); mt != "" {
		md["mimeType"] = mt
	}
	opts := []assets.RegisterOption{assets.WithMetadata(md)}
	if d.opts.chunkSize > 0 {
		opts = append(opts, assets.WithChunkSize(d.opts.chunkSize))
	}
	man, err := d.cat.Register(id, assetType(id), path.Base(id), data, opts...)
	if err != nil {
		d.opts.log.Warn("assetdir.register", slog.String("asset_id", id), slog.String("err", err.Error()))
		return false
	}
	d.known[id] = struct{}{}
	d.opts.log.Debug("assetdir.registered", slog.String("asset_id", id), slog.Int64("size", man.FileSize))
	return true
}

// removeLocked drops id and every known asset below it.
func (d *Dir) removeLocked(id string) int {
	n := 0
	for k := range d.known {
		if k != id && !strings.HasPrefix(k, id+"/") {
			continue
		}
		delete(d.known, k)
		if err := d.cat.Remove(k); err != nil && !errors.Is(err, bridgeerr.ErrNotFound) {
			d.opts.log.Warn("assetdir.remove", slog.String("asset_id", k), slog.String("err", err.Error()))
			continue
		}
		n++
	}
	return n
}

// Watch scans the tree and then follows it with fsnotify until ctx is done.
// Each changed path is re-examined once it has been quiet for the debounce
// interval: files are (re)registered, vanished paths are removed along with
// everything below them, new directories are watched and scanned.
func (d *Dir) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("assetdir: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	d.mu.Lock()
	n, err := d.scanLocked(ctx, d.root, w)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.opts.log.Info("assetdir.watch.start", slog.String("root", d.root), slog.Int("assets", n))
	defer d.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.schedule(ctx, w, ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.opts.log.Debug("assetdir.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (d *Dir) schedule(ctx context.Context, w *fsnotify.Watcher, p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[p]; ok {
		t.Reset(d.opts.debounce)
		return
	}
	d.timers[p] = time.AfterFunc(d.opts.debounce, func() { d.sync(ctx, w, p) })
}

func (d *Dir) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, t := range d.timers {
		t.Stop()
		delete(d.timers, p)
	}
}

// sync applies the current on-disk state of p.
func (d *Dir) sync(ctx context.Context, w *fsnotify.Watcher, p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timers, p)
	if ctx.Err() != nil {
		return
	}
	id, ok := d.id(p)
	if !ok {
		return
	}
	fi, err := os.Lstat(p)
	switch {
	case err != nil:
		if n := d.removeLocked(id); n > 0 {
			d.opts.log.Info("assetdir.removed", slog.String("path", id), slog.Int("assets", n))
		}
	case fi.IsDir():
		if n, err := d.scanLocked(ctx, p, w); err == nil && n > 0 {
			d.opts.log.Info("assetdir.dir.added", slog.String("path", id), slog.Int("assets", n))
		}
	case fi.Mode().IsRegular():
		if d.loadLocked(id, p) {
			d.opts.log.Info("assetdir.updated", slog.String("asset_id", id))
		}
	}
}

// id maps an absolute path under root to its asset ID.
func (d *Dir) id(p string) (string, bool) {
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if !fs.ValidPath(rel) {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if hidden(seg) {
			return "", false
		}
	}
	return rel, true
}

func hidden(name string) bool { return strings.HasPrefix(name, ".") }

var typesByExt = map[string]string{
	".png": "texture", ".jpg": "texture", ".jpeg": "texture", ".dds": "texture", ".ktx": "texture", ".ktx2": "texture", ".tga": "texture",
	".wav": "audio", ".ogg": "audio", ".mp3": "audio", ".flac": "audio",
	".glb": "mesh", ".gltf": "mesh", ".fbx": "mesh", ".obj": "mesh",
	".json": "data", ".yaml": "data", ".csv": "data",
	".lua": "script", ".wasm": "script",
}

// assetType classifies a file by extension; unknown extensions use the
// extension itself, files without one are "binary".
func assetType(id string) string {
	ext := strings.ToLower(path.Ext(id))
	if t, ok := typesByExt[ext]; ok {
		return t
	}
	if ext == "" {
		return "binary"
	}
	return strings.TrimPrefix(ext, ".")
}
