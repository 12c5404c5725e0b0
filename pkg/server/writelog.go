package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
)

// Entry is one candidate write. Paths are the repository paths it touches;
// a path ending in "/" covers a whole directory.
type Entry struct {
	Auth    *core.Authentication
	Paths   []string
	Message string
	Write   func(store core.Store) error
}

// WriteLog serializes every write to the repository: lock the paths, write
// the candidate state, commit, and revert on any failure. The repository
// working copy is driven from a single dispatcher.
type WriteLog struct {
	store  core.Store
	d      *dispatch.Dispatcher
	logger *slog.Logger

	mu      sync.Mutex
	commits uint64
	reverts uint64
}

// NewWriteLog starts the repository dispatcher over store.
func NewWriteLog(store core.Store, logger *slog.Logger) *WriteLog {
	return &WriteLog{
		store:  store,
		d:      dispatch.New("repository", dispatch.WithLogger(logger)),
		logger: logger,
	}
}

// Lease keeps the paths of a committed entry locked until the change has been
// applied and broadcast.
type Lease struct {
	w     *WriteLog
	paths []string
	once  sync.Once
}

// Release unlocks the paths. It is idempotent.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.w.store.Unlock(l.paths...)
	})
}

// Append locks e.Paths, writes and commits e. On success the caller owns the
// returned lease and must Release it; on failure nothing stays locked and
// the working copy is back at the last commit.
func (w *WriteLog) Append(ctx context.Context, e Entry) (*Lease, error) {
	if err := e.Auth.Verify(); err != nil {
		return nil, err
	}
	if err := w.store.Lock(ctx, e.Paths...); err != nil {
		return nil, err
	}

	err := w.d.Invoke(ctx, func(ctx context.Context) error {
		if err := e.Write(w.store); err != nil {
			return w.revert(ctx, e, err)
		}
		// An authentication that expired while we were writing must not
		// produce a revision.
		if err := e.Auth.Verify(); err != nil {
			return w.revert(ctx, e, err)
		}
		if err := w.store.Commit(e.Message); err != nil {
			return w.revert(ctx, e, err)
		}
		w.mu.Lock()
		w.commits++
		w.mu.Unlock()
		w.logger.Debug("repository commit", "user", e.Auth.UserID, "paths", e.Paths)
		return nil
	})
	if err != nil {
		w.store.Unlock(e.Paths...)
		return nil, err
	}
	return &Lease{w: w, paths: e.Paths}, nil
}

func (w *WriteLog) revert(ctx context.Context, e Entry, cause error) error {
	w.mu.Lock()
	w.reverts++
	w.mu.Unlock()

	if err := w.store.Revert(); err != nil {
		w.logger.Error("repository revert failed", "paths", e.Paths, "cause", cause, "error", err)
		cause = errors.Join(cause, fmt.Errorf("revert: %w", err))
	} else {
		w.logger.Warn("repository write reverted", "paths", e.Paths, "error", cause)
	}

	switch {
	case errors.Is(cause, core.ErrCommitFailed),
		errors.Is(cause, core.ErrReadOnly),
		errors.Is(cause, core.ErrAuthenticationExpired):
		return cause
	}
	return fmt.Errorf("%w: %w", core.ErrCommitFailed, cause)
}

// Revision returns the latest revision of the repository.
func (w *WriteLog) Revision(ctx context.Context) (string, error) {
	return dispatch.InvokeValue(ctx, w.d, func(context.Context) (string, error) {
		return w.store.Revision()
	})
}

// View runs fn against the store on the repository dispatcher.
func (w *WriteLog) View(ctx context.Context, fn func(store core.Store) error) error {
	return w.d.Invoke(ctx, func(context.Context) error {
		return fn(w.store)
	})
}

// Close drains pending writes.
func (w *WriteLog) Close(ctx context.Context) {
	w.d.Close(ctx)
}

// WriteLogState exposes counters for observability.
type WriteLogState struct {
	Commits    uint64                   `json:"commits"`
	Reverts    uint64                   `json:"reverts"`
	Dispatcher dispatch.DispatcherState `json:"dispatcher"`
}

func (w *WriteLog) state() WriteLogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteLogState{
		Commits:    w.commits,
		Reverts:    w.reverts,
		Dispatcher: w.d.State().(dispatch.DispatcherState),
	}
}
