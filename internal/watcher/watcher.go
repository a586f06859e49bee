// Package watcher monitors a Qalam workspace for external changes to
// Tarqeem sources. Raw file system events are filtered against ignore
// rules, coalesced per path, and delivered as debounced batches shaped for
// workspace/didChangeWatchedFiles.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/osama1998H/qalam/internal/lsp"
)

var (
	ErrClosed       = errors.New("watcher is closed")
	ErrNotDirectory = errors.New("workspace root is not a directory")
)

// Config holds workspace watcher settings.
type Config struct {
	// Debounce is how long to wait after the last event before a batch is
	// delivered. Default: 200ms.
	Debounce time.Duration

	// IgnorePatterns are added on top of the built-in ignore rules.
	IgnorePatterns []string

	// BufferSize is the capacity of the batch and error channels.
	// Default: 16.
	BufferSize int

	// Extensions limits reported files to the given extensions, without the
	// dot. Empty means Tarqeem sources.
	Extensions []string
}

// Option configures a workspace watcher.
type Option func(*Config)

// WithDebounce sets the batch debounce window.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithIgnorePatterns adds ignore patterns to the built-in set.
func WithIgnorePatterns(patterns []string) Option {
	return func(c *Config) {
		c.IgnorePatterns = patterns
	}
}

// WithBufferSize sets the channel capacities.
func WithBufferSize(n int) Option {
	return func(c *Config) {
		c.BufferSize = n
	}
}

// WithExtensions overrides the reported file extensions.
func WithExtensions(exts []string) Option {
	return func(c *Config) {
		c.Extensions = exts
	}
}

// Workspace watches a project tree rooted at one directory. Directories are
// watched recursively; directories created while watching are picked up
// automatically.
type Workspace struct {
	root string
	cfg  Config

	fsw    *fsnotify.Watcher
	ignore *IgnoreList

	batches chan []lsp.FileEvent
	errs    chan error

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]lsp.FileChangeType
	timer   *time.Timer
	closed  bool

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New starts watching the workspace rooted at root.
func New(root string, opts ...Option) (*Workspace, error) {
	cfg := Config{
		Debounce:   200 * time.Millisecond,
		BufferSize: 16,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Workspace{
		root:    absRoot,
		cfg:     cfg,
		fsw:     fsw,
		ignore:  NewIgnoreList(append(defaultIgnorePatterns(), cfg.IgnorePatterns...)),
		batches: make(chan []lsp.FileEvent, cfg.BufferSize),
		errs:    make(chan error, cfg.BufferSize),
		dirs:    make(map[string]bool),
		pending: make(map[string]lsp.FileChangeType),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	if err := w.watchTree(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Batches returns the channel of debounced event batches. Each batch is
// sorted by URI and contains at most one event per path. The channel is
// closed by Close.
func (w *Workspace) Batches() <-chan []lsp.FileEvent { return w.batches }

// Errors returns the channel of watch errors. The channel is closed by
// Close.
func (w *Workspace) Errors() <-chan error { return w.errs }

// WatchedDirs returns the directories currently under watch, sorted.
func (w *Workspace) WatchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Close stops watching and closes the output channels. Pending events are
// dropped.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()

	close(w.batches)
	close(w.errs)
	return err
}

// watchTree registers root and every non-ignored subdirectory.
func (w *Workspace) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore.Match(w.rel(path), true) {
			return filepath.SkipDir
		}
		return w.watchDir(path)
	})
}

func (w *Workspace) watchDir(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.dirs[path] {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.dirs[path] = true
	return nil
}

func (w *Workspace) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)

		case <-w.flushCh:
			w.flush()
		}
	}
}

// handle classifies one raw event, maintains the directory watch set, and
// records relevant source changes for the next batch.
func (w *Workspace) handle(ev fsnotify.Event) {
	path := ev.Name

	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			// New directory under a watched one: watch the whole subtree,
			// it may already contain files.
			if !w.ignore.Match(w.rel(path), true) {
				if err := w.watchTree(path); err != nil {
					w.reportError(err)
				}
			}
			return
		}
		w.record(path, lsp.FileCreated)

	case ev.Op.Has(fsnotify.Write):
		w.record(path, lsp.FileChanged)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		wasDir := w.dirs[path]
		if wasDir {
			delete(w.dirs, path)
		}
		w.mu.Unlock()
		if wasDir {
			return
		}
		w.record(path, lsp.FileDeleted)
	}
}

// record stages a change for the pending batch and arms the debounce timer.
func (w *Workspace) record(path string, change lsp.FileChangeType) {
	if !w.relevant(path) {
		return
	}
	if w.ignore.Match(w.rel(path), false) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if prev, ok := w.pending[path]; ok {
		merged, keep := coalesce(prev, change)
		if !keep {
			delete(w.pending, path)
		} else {
			w.pending[path] = merged
		}
	} else {
		w.pending[path] = change
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Debounce, w.requestFlush)
	} else {
		w.timer.Reset(w.cfg.Debounce)
	}
}

// requestFlush nudges the run loop, which owns delivery. Keeping all sends on
// that one goroutine lets Close drain it before closing the channels.
func (w *Workspace) requestFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// coalesce merges two changes to the same path within one batch window.
// A file created and deleted inside the window never existed as far as the
// server is concerned.
func coalesce(prev, next lsp.FileChangeType) (lsp.FileChangeType, bool) {
	switch {
	case prev == lsp.FileCreated && next == lsp.FileChanged:
		return lsp.FileCreated, true
	case prev == lsp.FileCreated && next == lsp.FileDeleted:
		return 0, false
	case prev == lsp.FileDeleted && next == lsp.FileCreated:
		return lsp.FileChanged, true
	default:
		return next, true
	}
}

// flush delivers the staged batch. Runs only on the run goroutine.
func (w *Workspace) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	staged := w.pending
	w.pending = make(map[string]lsp.FileChangeType)
	w.timer = nil
	w.mu.Unlock()

	batch := make([]lsp.FileEvent, 0, len(staged))
	for path, change := range staged {
		batch = append(batch, lsp.FileEvent{URI: lsp.FilePathToURI(path), Type: change})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].URI < batch[j].URI })

	select {
	case w.batches <- batch:
	case <-w.closeCh:
	}
}

// Flush delivers any staged events immediately instead of waiting out the
// debounce window.
func (w *Workspace) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.requestFlush()
}

func (w *Workspace) reportError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// relevant reports whether path is a source file the server cares about.
func (w *Workspace) relevant(path string) bool {
	if len(w.cfg.Extensions) == 0 {
		return lsp.DetectLanguageID(path) != ""
	}
	ext := filepath.Ext(path)
	if ext != "" {
		ext = ext[1:]
	}
	for _, want := range w.cfg.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

// rel returns path relative to the workspace root, slash-separated, for
// ignore matching.
func (w *Workspace) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
