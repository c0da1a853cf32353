package syskeys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch repopulates r whenever the cache file changes. It is meant for
// processes that rely on the cache because they cannot query the host, and
// returns when ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.CachePath == "" {
		return errors.New("no cache path to watch")
	}
	logger := r.logger().With("path", r.CachePath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// The directory is watched so that replacing the file is noticed.
	dir := filepath.Dir(r.CachePath)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("create %q: %w", dir, err)
	}
	err = w.Add(dir)
	if err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.CachePath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			logger.Info("host layout cache changed")
			err := r.Populate(ctx)
			if err != nil {
				return err
			}
			if r.Changed != nil {
				r.Changed()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch cache", "err", err)
		}
	}
}
