package jsonldb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDelay is how long the file must stay quiet after an event before
// onChange runs.
var watchDelay = 100 * time.Millisecond

// Watch calls onChange whenever the file at path is written, created or
// replaced, until ctx is done.
//
// The parent directory is watched rather than the file so that atomic
// rewrites, which replace the file, keep being observed. Events are coalesced
// until the file has been quiet for watchDelay, so a writer flushing a line
// in several chunks triggers a single call. onChange runs on the watcher
// goroutine.
func Watch(ctx context.Context, path string, onChange func()) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		timer := time.NewTimer(watchDelay)
		timer.Stop()
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					slog.DebugContext(ctx, "Table file modified", "path", path, "op", event.Op.String())
					timer.Reset(watchDelay)
				}
			case <-timer.C:
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching table file", "path", path, "err", err)
			}
		}
	}()
	return nil
}
