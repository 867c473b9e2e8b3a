package steering

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the rule file when it changes on disk. A failed reload
// keeps the previously good set active.
type Watcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(engine *Engine, path string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{engine: engine, path: path, debounce: debounce, logger: logger}
}

// Run blocks until the context is cancelled. Editors replace files rather
// than writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.engine.LoadFile(w.path); err != nil {
				w.logger.Error("steering rule reload failed, keeping previous set",
					zap.String("path", w.path),
					zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule file watcher error", zap.Error(err))
		}
	}
}
