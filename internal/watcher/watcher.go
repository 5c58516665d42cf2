// Package watcher follows the map-state file written by the game process
// and reports each new valid snapshot.
package watcher

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"computer-quest/internal/logging"
	"computer-quest/internal/protocol"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called with each accepted map update and its
// normalized JSON encoding.
type UpdateCallback func(update *protocol.MapUpdatePayload, raw json.RawMessage)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher monitors one map-state file. The file's directory is watched so
// that editors and games replacing the file by rename are seen too.
type Watcher struct {
	path     string
	callback UpdateCallback
	debounce time.Duration
	logger   *zap.Logger

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// reloadMu is held from the read through the callback, so callbacks
	// arrive in the order latest was updated.
	reloadMu sync.Mutex

	mu     sync.RWMutex
	latest json.RawMessage
}

// New creates a watcher for path. Call Start to begin watching.
func New(path string, callback UpdateCallback, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = debounceInterval
	}
	return &Watcher{
		path:     filepath.Clean(path),
		callback: callback,
		debounce: opts.Debounce,
		logger:   logging.OrNop(opts.Logger).Named("watcher"),
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the file's directory and loads the file if it exists.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		fsW.Close()
		return err
	}
	w.fsWatcher = fsW

	go w.watchLoop()

	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}
	return nil
}

// Latest returns the last accepted update.
func (w *Watcher) Latest() (json.RawMessage, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.latest == nil {
		return nil, false
	}
	return w.latest, true
}

// Close stops watching. It waits for the event loop to exit.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		if w.fsWatcher != nil {
			w.fsWatcher.Close()
			<-w.done
		}
	})
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// reload parses the file and reports it when valid and changed. Invalid
// contents keep the previous snapshot.
func (w *Watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	select {
	case <-w.cancel:
		return
	default:
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("read map state", zap.String("path", w.path), zap.Error(err))
		}
		return
	}
	update, err := protocol.ParseMapUpdate(data)
	if err != nil {
		w.logger.Warn("invalid map state", zap.String("path", w.path), zap.Error(err))
		return
	}
	raw, err := json.Marshal(update)
	if err != nil {
		w.logger.Warn("encode map state", zap.Error(err))
		return
	}

	w.mu.Lock()
	if bytes.Equal(raw, w.latest) {
		w.mu.Unlock()
		return
	}
	w.latest = raw
	w.mu.Unlock()

	w.logger.Debug("map state updated", zap.Int("nodes", len(update.Nodes)))
	if w.callback != nil {
		w.callback(update, raw)
	}
}
