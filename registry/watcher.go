package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher produces reload events for Registry.Run.
type Watcher interface {
	Watch(ctx context.Context, events chan<- struct{}) error
}

// notify sends a reload event without blocking; a pending event already covers this one.
func notify(events chan<- struct{}) {
	select {
	case events <- struct{}{}:
	default:
	}
}

// NotifyWatcher turns filesystem notifications for a single file into reload events.
// The parent directory is watched so that editors that replace the file by rename are
// still noticed.
type NotifyWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewNotifyWatcher creates a watcher for path.
func NewNotifyWatcher(path string, debounce time.Duration, logger *slog.Logger) (*NotifyWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyWatcher{path: absPath, debounce: debounce, logger: logger}, nil
}

// Watch blocks until ctx is done.
func (w *NotifyWatcher) Watch(ctx context.Context, events chan<- struct{}) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("Watching services file", slog.String("path", w.path), slog.String("mode", "notify"))

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Services file event", slog.String("op", event.Op.String()))
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			notify(events)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Services file watcher error", slog.Any("error", err))
		}
	}
}

// PollWatcher checks the file's modification time on a fixed interval. It works on
// filesystems where change notifications are unreliable, such as some network mounts.
type PollWatcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewPollWatcher creates a polling watcher for path.
func NewPollWatcher(path string, interval time.Duration, logger *slog.Logger) *PollWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWatcher{path: path, interval: interval, logger: logger}
}

// Watch blocks until ctx is done. The first observed modification time is the baseline
// and does not trigger a reload.
func (w *PollWatcher) Watch(ctx context.Context, events chan<- struct{}) error {
	var lastModified time.Time
	if fileInfo, err := os.Stat(w.path); err == nil {
		lastModified = fileInfo.ModTime()
	}
	w.logger.Info("Watching services file", slog.String("path", w.path), slog.String("mode", "poll"))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fileInfo, err := os.Stat(w.path)
			if err != nil {
				w.logger.Error("Error statting services file", slog.Any("error", err))
				continue
			}
			if !fileInfo.ModTime().Equal(lastModified) {
				lastModified = fileInfo.ModTime()
				notify(events)
			}
		}
	}
}
