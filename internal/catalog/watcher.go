package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch refreshes the catalog whenever the library dir changes, coalescing
// bursts of events within debounce. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	if c.library == nil {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := addTree(watcher, c.library.Dir()); err != nil {
		return fmt.Errorf("watch library: %w", err)
	}
	c.logger.Info().
		Str("event", "catalog.watcher_started").
		Str("dir", c.library.Dir()).
		Msg("watching library for changes")

	// fire is nil while no refresh is pending.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				_ = addTree(watcher, event.Name)
			}
			c.logger.Debug().Str("event", "catalog.file_changed").Str("op", event.Op.String()).Str("path", event.Name).Msg("library changed")
			fire = time.After(debounce)

		case <-fire:
			fire = nil
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Str("event", "catalog.auto_refresh_failed").Msg("automatic library refresh failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error().Err(err).Str("event", "catalog.watcher_error").Msg("library watcher error")
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
