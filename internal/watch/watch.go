// Package watch turns file system notifications under a root directory into
// debounced batches of changed source files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jward/conflux/internal/parser"
)

// Op is what happened to a file.
type Op int

const (
	OpWrite Op = iota + 1
	OpRemove
)

func (op Op) String() string {
	if op == OpRemove {
		return "remove"
	}
	return "write"
}

// Change is one changed file. Path is slash-separated and relative to the
// watched root.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives each debounced batch, deduplicated per path.
type Handler func(ctx context.Context, changes []Change)

// Options tune a Watcher.
type Options struct {
	Debounce   time.Duration
	Ignore     []string // doublestar patterns over root-relative paths
	BufferSize int
	Logger     *zap.Logger
}

// DefaultOptions returns a 100ms debounce and the usual ignores.
func DefaultOptions() Options {
	return Options{
		Debounce: 100 * time.Millisecond,
		Ignore: []string{
			"**/.git/**", "**/.conflux/**", "**/node_modules/**", "**/vendor/**",
			"**/target/**", "**/__pycache__/**", "**/*.swp", "**/*.tmp", "**/*~",
		},
		BufferSize: 1024,
	}
}

// Watcher watches a directory tree.
type Watcher struct {
	root    string
	handler Handler
	opts    Options
	logger  *zap.Logger
	fsw     *fsnotify.Watcher
	changes chan Change
	ready   chan struct{}
}

// New creates a watcher for root. Zero option values take the defaults.
func New(root string, h Handler, opts Options) (*Watcher, error) {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Ignore == nil {
		opts.Ignore = def.Ignore
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &Watcher{
		root:    abs,
		handler: h,
		opts:    opts,
		logger:  logger.Named("watch"),
		fsw:     fsw,
		changes: make(chan Change, opts.BufferSize),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the initial directory tree is being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is cancelled. Pending changes are flushed to the
// handler before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	close(w.ready)
	w.logger.Info("watching", zap.String("root", w.root))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.processEvents(gctx) })
	g.Go(func() error { return w.debounceLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// rel returns the slash-separated root-relative path, or false for paths
// outside the root.
func (w *Watcher) rel(path string) (string, bool) {
	r, err := filepath.Rel(w.root, path)
	if err != nil || r == "." || r == ".." || len(r) > 2 && r[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func (w *Watcher) ignored(path string, dir bool) bool {
	r, ok := w.rel(path)
	if !ok {
		return true
	}
	names := []string{r}
	if dir {
		// A directory is ignored when its entries would be.
		names = append(names, r+"/_")
	}
	for _, p := range w.opts.Ignore {
		for _, name := range names {
			if ok, _ := doublestar.Match(p, name); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.ignored(ev.Name, true) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.logger.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			return
		}
	}
	if !parser.Supported(ev.Name) || w.ignored(ev.Name, false) {
		return
	}
	r, _ := w.rel(ev.Name)
	var op Op
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = OpRemove
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		op = OpWrite
	default:
		return
	}
	select {
	case w.changes <- Change{Path: r, Op: op, Time: time.Now()}:
	default:
		w.logger.Warn("change buffer full, dropping event", zap.String("path", r))
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) error {
	var batch []Change
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()

	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		changes := dedupe(batch)
		batch = batch[:0]
		if w.handler != nil {
			w.handler(fctx, changes)
		}
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
		drain:
			for {
				select {
				case c := <-w.changes:
					batch = append(batch, c)
				default:
					break drain
				}
			}
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case c := <-w.changes:
			batch = append(batch, c)
			timer.Reset(w.opts.Debounce)
		case <-timer.C:
			flush(ctx)
		}
	}
}

// dedupe keeps the latest change per path, ordered by path.
func dedupe(changes []Change) []Change {
	latest := make(map[string]Change, len(changes))
	for _, c := range changes {
		if prev, ok := latest[c.Path]; !ok || !c.Time.Before(prev.Time) {
			latest[c.Path] = c
		}
	}
	out := make([]Change, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
