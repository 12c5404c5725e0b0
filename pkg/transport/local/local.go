// Package local connects a client to a host in the same process. Every
// request, response and callback still goes through the CBOR wire encoding.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/server"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger of the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport is one in-process session of a host. It implements both
// server.Peer and client.Transport.
type Transport struct {
	session *server.Session
	logger  *slog.Logger

	mu       sync.Mutex
	pending  [][]byte
	listener func(protocol.Callback)
	wake     chan struct{}

	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

// New opens a session on h.
func New(h *server.Host, opts ...Option) *Transport {
	t := &Transport{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.session = h.NewSession(t)
	return t
}

// Session returns the host side of the transport.
func (t *Transport) Session() *server.Session { return t.session }

// Deliver queues cb for the listener. It never blocks.
func (t *Transport) Deliver(cb protocol.Callback) {
	data, err := protocol.Marshal(cb)
	if err != nil {
		t.logger.Error("encode callback", "source", cb.Source, "index", cb.Index, "error", err)
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, data)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Listen starts delivering callbacks to fn, in the order the host emitted
// them, from a goroutine of the transport.
func (t *Transport) Listen(fn func(protocol.Callback)) {
	t.listenOnce.Do(func() {
		t.mu.Lock()
		t.listener = fn
		t.mu.Unlock()
		lifecycle.Go(context.Background(), t.run)
	})
}

func (t *Transport) run(context.Context) error {
	for {
		select {
		case <-t.done:
			return nil
		case <-t.wake:
		}
		t.mu.Lock()
		batch := t.pending
		t.pending = nil
		fn := t.listener
		t.mu.Unlock()

		for _, data := range batch {
			var cb protocol.Callback
			if err := protocol.Unmarshal(data, &cb); err != nil {
				t.logger.Error("decode callback", "error", err)
				continue
			}
			fn(cb)
		}
	}
}

// Call serves req on the session.
func (t *Transport) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	select {
	case <-t.done:
		return protocol.Response{}, fmt.Errorf("transport closed: %w", core.ErrCanceled)
	case <-ctx.Done():
		return protocol.Response{}, context.Cause(ctx)
	default:
	}

	var in protocol.Request
	if err := roundTrip(req, &in); err != nil {
		return protocol.Response{}, err
	}
	res := t.session.Handle(ctx, in)
	var out protocol.Response
	if err := roundTrip(res, &out); err != nil {
		return protocol.Response{}, err
	}
	return out, nil
}

func roundTrip(v, into any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	if err := protocol.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %T: %w", into, err)
	}
	return nil
}

// Done is closed once the transport is closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close closes the session; its authentications are logged out. Callbacks
// not yet delivered are dropped.
func (t *Transport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.session.Close(ctx)
	})
	return nil
}
