package workflow

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads the pipeline catalog when its definitions file changes
// on disk. Instances already running keep their bound definition; only
// workflows started after the reload see the new catalog.
type Watcher struct {
	path     string
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher builds a watcher for the pipelines file at path feeding the
// given engine.
func NewWatcher(path string, engine *Engine, logger *slog.Logger) (*Watcher, error) {
	if engine == nil {
		return nil, fmt.Errorf("watcher: nil engine")
	}
	if path == "" {
		return nil, fmt.Errorf("watcher: empty path")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		engine:   engine,
		logger:   logger.With(slog.String("component", "pipeline_watcher")),
		debounce: defaultReloadDebounce,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Editors typically replace files by rename, so
// the parent directory is watched and events are filtered to the path.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.loop(fsw)
	w.logger.Info("watching pipelines file", slog.String("path", w.path))
	return nil
}

// Stop ends watching and cancels any pending reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fsw != nil {
			w.fsw.Close()
			w.fsw = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipelines watch error", slog.Any("err", err))
		}
	}
}

// scheduleReload coalesces the burst of events one file save produces
// into a single reload after the debounce window.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.Reload()
	})
}

// Reload re-reads the pipelines file and swaps the engine's catalog. A
// file that fails to parse leaves the current catalog in place.
func (w *Watcher) Reload() {
	pipelines, err := LoadPipelines(w.path)
	if err != nil {
		w.logger.Warn("pipelines reload failed, keeping current catalog",
			slog.String("path", w.path), slog.Any("err", err))
		return
	}
	w.engine.SetPipelines(pipelines)
	w.logger.Info("pipelines reloaded",
		slog.String("path", w.path), slog.Int("pipelines", len(pipelines)))
}
