package bytesource

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher evicts cache entries when the files behind them change on disk.
// Only the top level of the directory is watched, matching the flat names
// Dir serves.
type Watcher struct {
	fsw   *fsnotify.Watcher
	dir   string
	cache *Cache

	// OnError, if set, receives errors reported by the OS watcher.
	OnError func(error)
}

// NewWatcher starts watching dir on behalf of cache. Call Run to process
// events and Close to stop.
func NewWatcher(dir string, cache *Cache) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bytesource: watch: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("bytesource: watch %s: %w", dir, err)
	}
	return &Watcher{fsw: fsw, dir: dir, cache: cache}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.evict(ev.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

func (w *Watcher) evict(path string) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		// Not ours; drop everything rather than serve stale data
		w.cache.Purge()
		return
	}
	w.cache.Invalidate(filepath.ToSlash(rel))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
