package gitfs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorSink) handle(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorSink) snapshot() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func setupWatchedStore(t *testing.T) (*Store, *errorSink) {
	t.Helper()
	sink := &errorSink{}
	s := NewStore(Config{
		Path:         t.TempDir(),
		AutoInit:     true,
		Gitless:      true,
		ErrorHandler: sink.handle,
	})
	require.NoError(t, s.Initialize(context.Background()))
	return s, sink
}

func TestWatchWorker_ReportsOutOfBandWrites(t *testing.T) {
	s, sink := setupWatchedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newWatchWorker(s)
	w.grace = 10 * time.Millisecond
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return s.State().(StoreState).WatcherActive }, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(s.Path, "sneaky.yaml"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(sink.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sink.snapshot()[0], core.ErrProtocolViolation)
	assert.Positive(t, s.State().(StoreState).OutOfBand)
}

func TestWatchWorker_IgnoresOwnWrites(t *testing.T) {
	s, sink := setupWatchedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := s.Watch(ctx)
	require.NoError(t, err)
	defer func() { _ = w.Stop(context.Background()) }()

	require.NoError(t, s.Lock(ctx, "tables/"))
	require.NoError(t, s.Write("tables/T1.yaml", []byte("t\n")))
	require.NoError(t, s.Commit("feat: t1"))
	s.Unlock("tables/")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestWatchWorker_SupervisorRestarts(t *testing.T) {
	s, _ := setupWatchedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created := make(chan *watchWorker, 2)
	spec := supervisor.Spec{
		Name: "gitfs-watcher",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			w := newWatchWorker(s)
			select {
			case created <- w:
			default:
			}
			return w, nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      1,
			ResetDuration:   50 * time.Millisecond,
			MaxRestarts:     2,
			MaxDuration:     200 * time.Millisecond,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}

	sup := supervisor.New("test-watcher", supervisor.StrategyOneForOne, spec)
	require.NoError(t, sup.Start(ctx))

	var first *watchWorker
	select {
	case first = <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("first watcher not created")
	}
	require.Eventually(t, func() bool {
		return first.State().Status == worker.StatusRunning && first.watcher != nil
	}, 2*time.Second, 10*time.Millisecond)
	_ = first.watcher.Close()

	select {
	case second := <-created:
		assert.NotSame(t, first, second)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not restart the watcher")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, sup.Stop(stopCtx))
}
