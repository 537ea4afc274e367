package blueprint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchMappingFile reloads the errata mapping into the normalizer
// whenever the file changes on disk. It blocks until the context is
// cancelled, so callers run it in its own goroutine during long batch
// runs.
func WatchMappingFile(ctx context.Context, path string, n *Normalizer, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch mapping file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mapping, err := LoadMappingFile(path)
			if err != nil {
				// Keep the previous mapping on a bad reload; editors
				// often write files in two steps.
				logger.Warn("mapping reload failed", "path", path, "error", err)
				continue
			}
			n.SetMapping(mapping)
			logger.Info("mapping reloaded", "path", path, "entries", len(mapping))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("mapping watcher error", "error", err)
		}
	}
}
