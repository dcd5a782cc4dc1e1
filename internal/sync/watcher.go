package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounceInterval batches rapid commits into a single
	// notification per tick.
	watchDebounceInterval = 500 * time.Millisecond

	// watchPollInterval is the fallback notification period for storage
	// engines that rewrite their files without emitting events the
	// watcher can see. A notification with no new commits is a no-op.
	watchPollInterval = 5 * time.Second
)

// CommitWatcher discovers new local commits by watching the database
// file for writes and nudging the session to re-read the current
// version. It is the glue between the storage engine's commit path and
// Session.NotifyLocalChange for processes that don't share memory with
// the writer.
type CommitWatcher struct {
	path    string
	session *Session
	logger  *slog.Logger
}

// NewCommitWatcher watches the database file at path for the given
// session.
func NewCommitWatcher(path string, session *Session, logger *slog.Logger) *CommitWatcher {
	return &CommitWatcher{
		path:    path,
		session: session,
		logger:  logger.With(slog.String("db", path)),
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file itself so rename-based rewrites keep working.
func (w *CommitWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	debounce := time.NewTicker(watchDebounceInterval)
	defer debounce.Stop()

	poll := time.NewTicker(watchPollInterval)
	defer poll.Stop()

	dirty := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}

			// The engine may write sidecar files (journal, wal) next to
			// the database; any of them signals commit activity.
			if strings.HasPrefix(event.Name, w.path) &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				dirty = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-debounce.C:
			if dirty {
				dirty = false

				w.session.NotifyLocalChange()
			}

		case <-poll.C:
			w.session.NotifyLocalChange()
		}
	}
}
