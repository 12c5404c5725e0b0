package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/tessera/pkg/core"
)

// DefaultGapTimeout is how long a missing index may hold back later ones.
const DefaultGapTimeout = 5 * time.Second

// QueueOption configures an OrderedQueue.
type QueueOption func(*OrderedQueue)

// WithGapTimeout bounds the wait for a missing index.
func WithGapTimeout(d time.Duration) QueueOption {
	return func(q *OrderedQueue) {
		if d > 0 {
			q.gapTimeout = d
		}
	}
}

// WithViolationHandler is called once when a gap never resolves.
func WithViolationHandler(fn func(error)) QueueOption {
	return func(q *OrderedQueue) {
		q.onViolation = fn
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *OrderedQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// OrderedQueue resequences indexed callbacks of one source and applies them
// on a dispatcher strictly in index order, one at a time.
//
// Callbacks arriving ahead of a gap are held. Indices below the next
// expected one are duplicates and are dropped. A failing callback is logged
// and does not stop the ones after it.
type OrderedQueue struct {
	d           *Dispatcher
	source      string
	logger      *slog.Logger
	gapTimeout  time.Duration
	onViolation func(error)

	mu       sync.Mutex
	next     uint64
	pending  map[uint64]func(ctx context.Context) error
	timer    *time.Timer
	violated bool
	closed   bool
}

// NewOrderedQueue returns a queue expecting start as its first index.
func NewOrderedQueue(d *Dispatcher, source string, start uint64, opts ...QueueOption) *OrderedQueue {
	q := &OrderedQueue{
		d:          d,
		source:     source,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		gapTimeout: DefaultGapTimeout,
		next:       start,
		pending:    make(map[uint64]func(ctx context.Context) error),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// InvokeAsync schedules fn for index. It never blocks on the callback itself.
func (q *OrderedQueue) InvokeAsync(index uint64, fn func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.violated {
		return
	}
	if index < q.next {
		q.logger.Warn("dropping duplicate callback", "source", q.source, "index", index, "next", q.next)
		return
	}
	if _, dup := q.pending[index]; dup {
		q.logger.Warn("dropping duplicate callback", "source", q.source, "index", index, "next", q.next)
		return
	}
	q.pending[index] = fn

	progressed := false
	for {
		fn, ok := q.pending[q.next]
		if !ok {
			break
		}
		delete(q.pending, q.next)
		q.post(q.next, fn)
		q.next++
		progressed = true
	}

	switch {
	case len(q.pending) == 0:
		q.stopTimer()
	case q.timer == nil:
		q.timer = time.AfterFunc(q.gapTimeout, q.expire)
	case progressed:
		q.timer.Reset(q.gapTimeout)
	}
}

func (q *OrderedQueue) post(index uint64, fn func(ctx context.Context) error) {
	err := q.d.Post(context.Background(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			q.logger.Error("callback failed", "source", q.source, "index", index, "error", err)
		} else {
			q.logger.Debug("callback applied", "source", q.source, "index", index)
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("callback not scheduled", "source", q.source, "index", index, "error", err)
	}
}

func (q *OrderedQueue) expire() {
	q.mu.Lock()
	if q.closed || q.violated || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.violated = true
	missing := q.next
	held := len(q.pending)
	q.pending = make(map[uint64]func(ctx context.Context) error)
	q.timer = nil
	handler := q.onViolation
	q.mu.Unlock()

	err := fmt.Errorf("source %s: index %d missing after %s with %d held: %w",
		q.source, missing, q.gapTimeout, held, core.ErrProtocolViolation)
	q.logger.Error("callback gap", "source", q.source, "error", err)
	if handler != nil {
		handler(err)
	}
}

func (q *OrderedQueue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Next returns the index expected next.
func (q *OrderedQueue) Next() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Held returns the number of callbacks waiting behind a gap.
func (q *OrderedQueue) Held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Violated reports whether the gap timeout has fired.
func (q *OrderedQueue) Violated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.violated
}

// Close drops held callbacks and ignores later ones.
func (q *OrderedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = make(map[uint64]func(ctx context.Context) error)
	q.stopTimer()
}
