package auth

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchStore reloads the token store whenever its file changes on disk.
// Events are debounced because editors and atomic renames produce
// bursts. The watcher stops when ctx is cancelled.
func WatchStore(ctx context.Context, store *Store) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: the store writes via rename, which would
	// drop a watch placed on the file itself.
	dir := filepath.Dir(store.Path())
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var timer *time.Timer
		reload := func() {
			if err := store.Reload(); err != nil {
				log.WithError(err).Warn("token store reload failed")
				return
			}
			log.Debug("token store reloaded")
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(store.Path()) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("token store watcher error")
			}
		}
	}()
	return nil
}
