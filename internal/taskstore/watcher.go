package taskstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/analyst/internal/bus"
)

// Watcher publishes tasks.updated when the task file is changed by another
// process (an editor, a second analyst instance). Writes made through the
// watched FileStore are skipped.
type Watcher struct {
	store  *FileStore
	bus    *bus.Bus
	logger *slog.Logger
}

func NewWatcher(store *FileStore, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, bus: b, logger: logger}
}

// Start watches the directory holding the task file until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	name := filepath.Base(w.store.Path())

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if w.external() {
					w.logger.Info("task file changed externally", "path", ev.Name, "op", ev.Op.String())
					w.bus.Publish(bus.TopicTasksUpdated, bus.TasksUpdatedEvent{Source: "watcher"})
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("task file watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) external() bool {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		// Removed: external unless we cleared it ourselves.
		return !w.store.clearedByUs()
	}
	return !w.store.OwnsContent(data)
}
