package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is the part of Store the watcher drives.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// Watcher reloads the store when a document in the data directory changes
// on disk. Bursts of events are collapsed into one reload.
type Watcher struct {
	dir      string
	store    Reloader
	debounce time.Duration
	logger   *slog.Logger
	reloads  chan struct{}
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, r Reloader, debounce time.Duration) *Watcher {
	return &Watcher{
		dir:      dir,
		store:    r,
		debounce: debounce,
		logger:   slog.Default().With("component", "store-watcher"),
		reloads:  make(chan struct{}, 1),
	}
}

// Reloads signals after each debounced reload attempt. Used by tests.
func (w *Watcher) Reloads() <-chan struct{} {
	return w.reloads
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching template documents", "dir", w.dir)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsDocument(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	changed, err := w.store.Reload(ctx)
	if err != nil {
		w.logger.Error("reloading templates failed", "error", err)
	} else if changed {
		w.logger.Info("templates changed on disk, reloaded")
	}
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}
