package mappings

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spacemonqi/ableton-mcp-extended/component"
	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// debounceWindow collapses editor write bursts (truncate + write + rename)
// into a single reload.
const debounceWindow = 100 * time.Millisecond

// Watcher reloads the store when the routing document changes on disk.
// Filesystem events are consumed by a single goroutine that debounces them
// and calls Store.Reload, so external edits go through the same mutex as
// CRUD mutations and never interleave with them.
type Watcher struct {
	store  *Store
	logger *slog.Logger

	fsw      *fsnotify.Watcher
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

// NewWatcher creates a watcher for the store's routing document.
func NewWatcher(store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default().With("component", "mappings-watcher")
	}
	return &Watcher{
		store:  store,
		logger: logger,
	}
}

// Initialize validates the watcher's configuration.
func (w *Watcher) Initialize() error {
	if w.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Watcher", "Initialize", "store check")
	}
	return nil
}

// Start begins watching the document's directory. Watching the directory
// instead of the file survives editors that replace the file by rename.
func (w *Watcher) Start(_ context.Context) error {
	if w.running.Load() {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Watcher", "Start", "watcher creation")
	}
	dir := filepath.Dir(w.store.ConfigPath())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return errors.WrapTransient(err, "Watcher", "Start", "directory watch")
	}

	w.fsw = fsw
	w.shutdown = make(chan struct{})
	w.done = make(chan struct{})
	w.running.Store(true)

	go w.watchLoop()

	w.logger.Info("Watching routing document", "dir", dir)
	return nil
}

// watchLoop consumes filesystem events, filters them to the exact document
// path, and debounces reloads.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	target, err := filepath.Abs(w.store.ConfigPath())
	if err != nil {
		target = w.store.ConfigPath()
	}

	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-w.shutdown:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			actual, err := filepath.Abs(event.Name)
			if err != nil {
				actual = event.Name
			}
			if actual != target {
				continue
			}
			if pending && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(debounceWindow)
			pending = true

		case <-debounce.C:
			pending = false
			w.logger.Info("Routing document changed, reloading")
			w.store.Reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

// Stop ends the watch loop and joins it within timeout.
func (w *Watcher) Stop(timeout time.Duration) error {
	if !w.running.Load() {
		return nil
	}
	w.running.Store(false)

	close(w.shutdown)
	_ = w.fsw.Close()

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Watcher", "Stop", "loop join")
	}
}

var _ component.Lifecycle = (*Watcher)(nil)
