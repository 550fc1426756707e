package notebook

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dsmessenger/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives a freshly loaded notebook after the file settles, or
// the error from loading it.
type ChangeFunc func(nb *Notebook, err error)

// Watcher watches a notebook file and reloads it after writes settle.
// The parent directory is watched so atomic rename-over saves are seen.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	dir         string
	onChange    ChangeFunc
	pendingAt   time.Time
	pending     bool
	debounceDur time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Reloads       int
	Errors        int
	LastEventTime time.Time
	LastEventType string
}

// NewWatcher creates a watcher for the notebook at path.
func NewWatcher(path string, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		path:        abs,
		dir:         filepath.Dir(abs),
		onChange:    onChange,
		debounceDur: 250 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce changes the settle window. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounceDur = d
	w.mu.Unlock()
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		logging.Get(logging.CategoryNotebook).Warn("watcher: failed to create %s: %v", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Notebook("watcher: watching %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit. It is safe
// to call more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		wasRunning := w.running
		w.running = false
		w.mu.Unlock()

		close(w.stopCh)
		if wasRunning {
			<-w.doneCh
		}
		if err := w.watcher.Close(); err != nil {
			logging.Get(logging.CategoryNotebook).Error("watcher: error closing: %v", err)
		}
		logging.Notebook("watcher: stopped")
	})
}

// Wait blocks until the event loop exits, which happens after Stop or when
// the Start context is cancelled. It must only be called after a successful
// Start.
func (w *Watcher) Wait() {
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.NotebookDebug("watcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryNotebook).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}
	logging.NotebookDebug("watcher: %s event for %s", eventType, event.Name)

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventType = eventType
	w.pending = true
	w.pendingAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced() {
	w.mu.Lock()
	if !w.pending || time.Since(w.pendingAt) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		logging.NotebookDebug("watcher: %s removed", w.path)
		return
	}
	nb, err := Load(w.path)

	w.mu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Reloads++
	}
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(nb, err)
	}
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the watcher is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Path returns the watched notebook file.
func (w *Watcher) Path() string {
	return w.path
}
