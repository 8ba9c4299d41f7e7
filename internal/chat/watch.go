package chat

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the snapshot whenever its file changes on disk. It blocks
// until ctx is cancelled. The parent directory is watched so that editors
// replacing the file by rename are picked up.
func (s *SnapshotSource) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.path == "" {
		return nil
	}
	log := logger.With(slog.String("component", "chat-watcher"), slog.String("path", s.path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create snapshot watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch snapshot directory: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("snapshot watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Writers often emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				log.Warn("snapshot reload failed", slog.String("error", err.Error()))
				continue
			}
			log.Info("chat snapshot reloaded", slog.Int("channels", s.Len()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("snapshot watcher errors channel closed")
			}
			log.Warn("snapshot watcher error", slog.String("error", err.Error()))
		}
	}
}

// Len reports how many channels the snapshot holds.
func (s *SnapshotSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}
