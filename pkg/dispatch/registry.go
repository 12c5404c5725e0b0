package dispatch

import (
	"context"
	"sync"
)

// Registry is an explicit subscription list whose deliveries happen on its
// dispatcher. Subscribing and unsubscribing are safe from anywhere.
type Registry[E any] struct {
	d *Dispatcher

	mu     sync.Mutex
	nextID int
	subs   []subscription[E]
}

type subscription[E any] struct {
	id int
	fn func(ctx context.Context, e E)
}

// NewRegistry returns a registry delivering on d.
func NewRegistry[E any](d *Dispatcher) *Registry[E] {
	return &Registry[E]{d: d}
}

// Subscribe adds fn and returns the function that removes it.
func (r *Registry[E]) Subscribe(fn func(ctx context.Context, e E)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription[E]{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers e to every subscriber in subscription order. It must run on
// the registry's dispatcher.
func (r *Registry[E]) Emit(ctx context.Context, e E) error {
	if err := r.d.VerifyAccess(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	subs := append([]subscription[E](nil), r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(ctx, e)
	}
	return nil
}

// Len returns the number of subscribers.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
