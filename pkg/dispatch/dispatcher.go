// Package dispatch provides the single-goroutine executors that own mutable
// state, the barrier that completes asynchronous writes, and the queue that
// applies ordered callbacks.
//
// Go has no goroutine identity, so thread affinity is carried by the context:
// work running on a dispatcher receives a context marked with that
// dispatcher, and VerifyAccess inspects the mark.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tessera/pkg/core"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for hops and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

type work struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Dispatcher executes work items one at a time on a goroutine it owns.
// The queue is unbounded: Post never blocks the producer.
type Dispatcher struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	queue     []*work
	closed    bool
	onClose   []func(ctx context.Context)
	processed uint64

	signal chan struct{}
	done   chan struct{}
}

// New starts a dispatcher.
func New(name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	lifecycle.Go(context.Background(), d.run, lifecycle.WithErrorHandler(func(err error) {
		d.logger.Error("dispatcher loop failed", "dispatcher", d.name, "error", err)
	}))
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

type chainKey struct{}

type chain struct {
	d      *Dispatcher
	parent *chain
}

func chainOf(ctx context.Context) *chain {
	c, _ := ctx.Value(chainKey{}).(*chain)
	return c
}

func (d *Dispatcher) enter(ctx context.Context) context.Context {
	return context.WithValue(ctx, chainKey{}, &chain{d: d, parent: chainOf(ctx)})
}

// CheckAccess reports whether ctx belongs to work running on d, directly or
// through a caller that is blocked waiting on d.
func (d *Dispatcher) CheckAccess(ctx context.Context) bool {
	for c := chainOf(ctx); c != nil; c = c.parent {
		if c.d == d {
			return true
		}
	}
	return false
}

// VerifyAccess fails with core.ErrAccessViolation outside of d.
func (d *Dispatcher) VerifyAccess(ctx context.Context) error {
	if d.CheckAccess(ctx) {
		return nil
	}
	return fmt.Errorf("dispatcher %s: %w", d.name, core.ErrAccessViolation)
}

// Invoke runs fn on d and returns its error. Called from work already
// running on d, fn runs inline.
//
// A caller that is itself on a dispatcher waits for fn regardless of ctx, so
// the chain handed to fn never outlives the blocked caller.
func (d *Dispatcher) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.CheckAccess(ctx) {
		return d.call(ctx, fn)
	}
	result, err := d.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	if chainOf(ctx) != nil {
		return <-result
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// InvokeValue runs fn on d and returns its result.
func InvokeValue[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := d.Invoke(ctx, func(ctx context.Context) error {
		var err error
		v, err = fn(ctx)
		return err
	})
	return v, err
}

// InvokeAsync queues fn and returns a channel receiving its error.
func (d *Dispatcher) InvokeAsync(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	result, err := d.enqueue(ctx, fn)
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	return result
}

// Post queues fn without waiting. Its error, if any, is logged.
func (d *Dispatcher) Post(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := d.enqueue(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			d.logger.Error("posted work failed", "dispatcher", d.name, "error", err)
		}
		return nil
	})
	return err
}

// OnClose registers fn to run on d after the queue has drained on Close.
func (d *Dispatcher) OnClose(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = append(d.onClose, fn)
}

// Close stops accepting work, runs everything already queued plus the
// OnClose hooks, and returns once the loop has exited. Called from d itself,
// it only marks the dispatcher closed.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	wasClosed := d.closed
	d.closed = true
	d.mu.Unlock()
	if !wasClosed {
		d.wake()
	}
	if d.CheckAccess(ctx) {
		return
	}
	<-d.done
}

// Done is closed when the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// IsClosed reports whether Close has been called.
func (d *Dispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) enqueue(ctx context.Context, fn func(ctx context.Context) error) (chan error, error) {
	w := &work{ctx: context.WithoutCancel(ctx), fn: fn, result: make(chan error, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher %s closed: %w", d.name, core.ErrCanceled)
	}
	d.queue = append(d.queue, w)
	d.mu.Unlock()
	d.wake()
	return w.result, nil
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (*work, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, d.closed
	}
	w := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return w, false
}

func (d *Dispatcher) run(ctx context.Context) error {
	defer close(d.done)
	for {
		w, stop := d.next()
		if stop {
			break
		}
		if w == nil {
			<-d.signal
			continue
		}
		w.result <- d.call(d.enter(w.ctx), w.fn)
		d.mu.Lock()
		d.processed++
		d.mu.Unlock()
	}

	d.mu.Lock()
	hooks := d.onClose
	d.onClose = nil
	d.mu.Unlock()
	hookCtx := d.enter(context.Background())
	for _, fn := range hooks {
		_ = d.call(hookCtx, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
	}
	d.logger.Debug("dispatcher closed", "dispatcher", d.name)
	return nil
}

func (d *Dispatcher) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher %s: panic: %v", d.name, r)
			if d.logger.Enabled(ctx, slog.LevelDebug) {
				d.logger.Error("work panicked", "dispatcher", d.name, "error", err, "stack", string(debug.Stack()))
			} else {
				d.logger.Error("work panicked", "dispatcher", d.name, "error", err)
			}
		}
	}()
	return fn(ctx)
}

// DispatcherState exposes the queue for observability.
type DispatcherState struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
	Closed    bool   `json:"closed"`
}

// State implements introspection.Introspectable.
func (d *Dispatcher) State() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherState{
		Name:      d.name,
		Pending:   len(d.queue),
		Processed: d.processed,
		Closed:    d.closed,
	}
}

// ComponentType implements introspection.Component.
func (d *Dispatcher) ComponentType() string {
	return "dispatcher"
}

var _ introspection.Introspectable = (*Dispatcher)(nil)
var _ introspection.Component = (*Dispatcher)(nil)
