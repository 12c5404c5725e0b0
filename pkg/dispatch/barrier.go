package dispatch

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aretw0/tessera/pkg/core"
)

// DefaultFiredLogSize bounds how many already-fired task ids a Barrier remembers.
const DefaultFiredLogSize = 1024

// Barrier completes waits on task ids. Its state belongs to a dispatcher;
// Set is expected to run there, right after the mirror has applied the
// callback that carried the ids.
//
// A Set that arrives before its waiter is remembered in a bounded log, so the
// late waiter resolves immediately instead of hanging.
type Barrier struct {
	d       *Dispatcher
	waiters map[core.TaskID][]chan error
	fired   *lru.Cache[core.TaskID, struct{}]
	closed  bool
}

// NewBarrier binds a barrier to d. Pending waits fail with core.ErrCanceled
// when d closes.
func NewBarrier(d *Dispatcher, size int) (*Barrier, error) {
	if size <= 0 {
		size = DefaultFiredLogSize
	}
	fired, err := lru.New[core.TaskID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("fired log: %w", err)
	}
	b := &Barrier{
		d:       d,
		waiters: make(map[core.TaskID][]chan error),
		fired:   fired,
	}
	d.OnClose(b.cancelAll)
	return b, nil
}

// WaitAsync registers a waiter for id and returns a channel receiving nil on
// Set, or an error when the barrier is disposed first.
func (b *Barrier) WaitAsync(ctx context.Context, id core.TaskID) <-chan error {
	ch := make(chan error, 1)
	err := b.d.Invoke(ctx, func(ctx context.Context) error {
		switch {
		case b.fired.Contains(id):
			deliver(ch, nil)
		case b.closed:
			deliver(ch, fmt.Errorf("task %s: %w", id, core.ErrCanceled))
		default:
			b.waiters[id] = append(b.waiters[id], ch)
		}
		return nil
	})
	if err != nil {
		deliver(ch, err)
	}
	return ch
}

// Wait blocks until id is set. It gives up with the context's cause, which is
// core.ErrAuthenticationExpired for contexts bound to an authentication.
func (b *Barrier) Wait(ctx context.Context, id core.TaskID) error {
	ch := b.WaitAsync(ctx, id)
	var err error
	select {
	case err = <-ch:
	case <-ctx.Done():
		err = context.Cause(ctx)
	}
	if err != nil {
		b.Forget(ctx, id, ch)
	}
	return err
}

// Forget drops a waiter registered with WaitAsync whose outcome nobody will
// read, such as one registered for a request the host then rejected.
func (b *Barrier) Forget(ctx context.Context, id core.TaskID, ch <-chan error) {
	_ = b.d.Post(context.WithoutCancel(ctx), func(context.Context) error {
		b.drop(id, ch)
		return nil
	})
}

// Set releases every current waiter on each id and records the ids as fired.
// It must run on the barrier's dispatcher.
func (b *Barrier) Set(ctx context.Context, ids ...core.TaskID) error {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		b.fired.Add(id, struct{}{})
		for _, ch := range b.waiters[id] {
			deliver(ch, nil)
		}
		delete(b.waiters, id)
	}
	return nil
}

// Fail releases the current waiters on each id with err instead of nil. The
// ids are not recorded as fired.
func (b *Barrier) Fail(ctx context.Context, err error, ids ...core.TaskID) error {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		for _, ch := range b.waiters[id] {
			deliver(ch, fmt.Errorf("task %s: %w", id, err))
		}
		delete(b.waiters, id)
	}
	return nil
}

// Pending returns the number of ids with at least one waiter.
func (b *Barrier) Pending(ctx context.Context) int {
	n, _ := InvokeValue(ctx, b.d, func(context.Context) (int, error) {
		return len(b.waiters), nil
	})
	return n
}

// Cancel fails every pending waiter with err.
func (b *Barrier) Cancel(ctx context.Context, err error) error {
	return b.d.Invoke(ctx, func(context.Context) error {
		b.fail(err)
		return nil
	})
}

func (b *Barrier) cancelAll(context.Context) {
	b.closed = true
	b.fail(core.ErrCanceled)
}

func (b *Barrier) fail(err error) {
	for id, chans := range b.waiters {
		for _, ch := range chans {
			deliver(ch, fmt.Errorf("task %s: %w", id, err))
		}
	}
	b.waiters = make(map[core.TaskID][]chan error)
}

func (b *Barrier) drop(id core.TaskID, ch <-chan error) {
	chans := b.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(b.waiters, id)
	} else {
		b.waiters[id] = chans
	}
}

// deliver never blocks: a waiter receives at most one outcome.
func deliver(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
