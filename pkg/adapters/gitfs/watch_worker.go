package gitfs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/tessera/pkg/core"
)

// DefaultWriteGrace is how long after its own last write the store keeps
// attributing filesystem events to itself.
const DefaultWriteGrace = 500 * time.Millisecond

type watchWorker struct {
	*worker.BaseWorker
	store   *Store
	grace   time.Duration
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewWatchWorker returns a lifecycle worker reporting modifications of the
// working copy that the store did not make. Reports go to the configured
// ErrorHandler wrapped in core.ErrProtocolViolation.
func NewWatchWorker(store *Store) worker.Worker {
	return newWatchWorker(store)
}

func newWatchWorker(store *Store) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("gitfs-watcher"),
		store:      store,
		grace:      DefaultWriteGrace,
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.store.recursiveAdd(watcher, w.store.Path); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.store.setWatcherActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// recursiveAdd watches root and every directory below it except .git and
// the system directory.
func (s *Store) recursiveAdd(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if s.skipDir(p) {
			return filepath.SkipDir
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (s *Store) skipDir(p string) bool {
	rel, err := filepath.Rel(s.Path, p)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	return rel == ".git" || strings.HasPrefix(rel, ".git/") ||
		rel == s.config.SystemDir || strings.HasPrefix(rel, s.config.SystemDir+"/")
}

// shouldIgnore filters events the store never cares about.
func (s *Store) shouldIgnore(event fsnotify.Event) bool {
	rel, err := filepath.Rel(s.Path, event.Name)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(event.Name)
	if isStagingFile(base) || base == ".gitignore" || strings.HasSuffix(base, ".lock") {
		return true
	}
	if s.skipDir(event.Name) {
		return true
	}
	for _, pattern := range s.config.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return event.Op == fsnotify.Chmod
}

func (w *watchWorker) processFilesystemEvent(event fsnotify.Event) {
	w.store.config.Logger.Debug("event received", "name", event.Name, "op", event.Op.String())

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.store.skipDir(event.Name) {
			_ = w.store.recursiveAdd(w.watcher, event.Name)
		}
	}
	if w.store.shouldIgnore(event) || w.store.busy(w.grace) {
		return
	}

	rel, _ := filepath.Rel(w.store.Path, event.Name)
	w.store.recordOutOfBand()
	w.store.reportError(fmt.Errorf("out-of-band %s of %s: %w",
		strings.ToLower(event.Op.String()), filepath.ToSlash(rel), core.ErrProtocolViolation))
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	logger := w.store.config.Logger
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer w.store.setWatcherActive(false)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.processFilesystemEvent(event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("fsnotify error", "error", wErr)
			w.store.reportError(wErr)
		}
	}
}

// Watch starts a watch worker bound to ctx. Stop it with its Stop method.
func (s *Store) Watch(ctx context.Context) (worker.Worker, error) {
	w := newWatchWorker(s)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
