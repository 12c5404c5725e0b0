package client

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
)

// options holds the configuration of a client Context.
type options struct {
	logger     *slog.Logger
	gapTimeout time.Duration
	firedLog   int
	earlyLimit int
	onError    func(error)
}

// Option configures a client Context.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		gapTimeout: dispatch.DefaultGapTimeout,
		firedLog:   dispatch.DefaultFiredLogSize,
		earlyLimit: 4096,
		onError:    func(error) {},
	}
}

// WithLogger sets the logger of the context and of every dispatcher it starts.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGapTimeout bounds how long a missing callback index may hold back the
// ones after it. When it elapses the source is torn down.
func WithGapTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gapTimeout = d
		}
	}
}

// WithFiredLogSize bounds how many completed task ids are remembered for
// waiters that register late.
func WithFiredLogSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.firedLog = n
		}
	}
}

// WithErrorHandler receives the errors that have no caller to return to:
// torn down sources and a lost connection.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

type taskKey struct{}

// WithTask makes the next write issued with ctx use id as its task id.
// Callers that retry a write pass the same id, typically from
// core.TaskIDFor, so the host sees one logical request.
func WithTask(ctx context.Context, id core.TaskID) context.Context {
	return context.WithValue(ctx, taskKey{}, id)
}

func taskFrom(ctx context.Context) core.TaskID {
	if id, ok := ctx.Value(taskKey{}).(core.TaskID); ok && id != (core.TaskID{}) {
		return id
	}
	return core.NewTaskID()
}
