// Package client keeps live mirrors of a tessera host.
//
// A Context signs in through a Transport, subscribes to the users, data
// bases and domains sources and applies every callback on the dispatcher of
// the mirror it belongs to, strictly in index order. Writes are requests
// carrying a task id: they return once the callback that completes the task
// has been applied locally, so the mirror already reflects the write.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
)

// Context is one signed-in client of a host.
type Context struct {
	t      Transport
	opts   *options
	logger *slog.Logger
	auth   *core.Authentication
	reqID  atomic.Uint64

	// d owns the users and data bases mirrors; bd owns the barrier.
	d       *dispatch.Dispatcher
	bd      *dispatch.Dispatcher
	barrier *dispatch.Barrier

	mu      sync.Mutex
	sources map[string]*source
	early   map[string][]protocol.Callback
	closed  bool

	info    protocol.HostInfo
	users   *Users
	dbs     *DataBases
	domains *Domains

	closeOnce sync.Once
}

// source is one callback stream being applied to a mirror.
type source struct {
	name  string
	queue *dispatch.OrderedQueue
	apply func(ctx context.Context, cb protocol.Callback) error
	// done is closed when the source is torn down.
	done     chan struct{}
	downOnce sync.Once
	onDown   func(ctx context.Context)
}

// Open signs in as userID and builds the users, data bases and domains
// mirrors.
func Open(ctx context.Context, t Transport, userID string, password []byte, opts ...Option) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := &Context{
		t:       t,
		opts:    o,
		logger:  o.logger.With("user", userID),
		sources: make(map[string]*source),
		early:   make(map[string][]protocol.Callback),
	}
	c.d = dispatch.New("client", dispatch.WithLogger(c.logger))
	c.bd = dispatch.New("client.barrier", dispatch.WithLogger(c.logger))
	barrier, err := dispatch.NewBarrier(c.bd, o.firedLog)
	if err != nil {
		c.d.Close(ctx)
		c.bd.Close(ctx)
		return nil, err
	}
	c.barrier = barrier
	t.Listen(c.deliver)

	if err := c.open(ctx, userID, password); err != nil {
		c.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	lifecycle.Go(context.Background(), func(context.Context) error {
		select {
		case <-t.Done():
			c.lost()
		case <-c.auth.Done():
		}
		return nil
	})
	c.logger.Info("client opened", "host", c.info.Name, "auth", c.auth.ID)
	return c, nil
}

func (c *Context) open(ctx context.Context, userID string, password []byte) error {
	info, err := request[protocol.HostInfo](ctx, c, protocol.MethodHostInfo, nil)
	if err != nil {
		return err
	}
	c.info = info

	res, err := request[protocol.LoginResult](ctx, c, protocol.MethodLogin, protocol.LoginParams{UserID: userID, Password: password})
	if err != nil {
		return err
	}
	c.auth = core.FromInfo(res.Authentication)

	c.users = newUsers(c)
	c.dbs = newDataBases(c)
	c.domains = newDomains(c)
	if err := c.users.subscribe(ctx); err != nil {
		return err
	}
	if err := c.dbs.subscribe(ctx); err != nil {
		return err
	}
	return c.domains.subscribe(ctx)
}

// Authentication returns the authentication of the context.
func (c *Context) Authentication() *core.Authentication { return c.auth }

// Host describes the host the context is connected to.
func (c *Context) Host() protocol.HostInfo { return c.info }

// Users returns the users mirror.
func (c *Context) Users() *Users { return c.users }

// DataBases returns the data bases mirror.
func (c *Context) DataBases() *DataBases { return c.dbs }

// Domains returns the domains mirror.
func (c *Context) Domains() *Domains { return c.domains }

// WaitAsync returns a channel receiving the outcome of task id: nil once the
// callback completing it has been applied.
func (c *Context) WaitAsync(ctx context.Context, id core.TaskID) <-chan error {
	return c.barrier.WaitAsync(ctx, id)
}

// Wait blocks until task id completes or ctx ends.
func (c *Context) Wait(ctx context.Context, id core.TaskID) error {
	ctx, cancel := c.auth.Bind(ctx)
	defer cancel()
	return c.barrier.Wait(ctx, id)
}

// Close logs out, tears every source down and fails pending waits with
// core.ErrCanceled. It is idempotent.
func (c *Context) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		if c.auth != nil && !c.auth.IsExpired() {
			if err := c.call(ctx, protocol.MethodLogout, nil, nil); err != nil {
				c.logger.Debug("logout on close", "error", err)
			}
			c.auth.Expire()
		}
		c.shutdown(ctx, core.ErrCanceled)
		if err := c.t.Close(ctx); err != nil {
			c.logger.Debug("close transport", "error", err)
		}
		c.logger.Info("client closed")
	})
}

// lost handles a connection that went away under the context.
func (c *Context) lost() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	ctx := context.Background()
	err := fmt.Errorf("connection lost: %w", core.ErrAuthenticationExpired)
	c.logger.Warn("connection lost")
	c.auth.Expire()
	c.shutdown(ctx, err)
	c.opts.onError(err)
}

func (c *Context) shutdown(ctx context.Context, cause error) {
	c.mu.Lock()
	c.closed = true
	srcs := make([]*source, 0, len(c.sources))
	for _, s := range c.sources {
		srcs = append(srcs, s)
	}
	c.early = make(map[string][]protocol.Callback)
	c.mu.Unlock()

	for _, s := range srcs {
		c.teardown(ctx, s)
	}
	if c.domains != nil {
		c.domains.d.Close(ctx)
	}
	c.d.Close(ctx)
	if err := c.barrier.Cancel(ctx, cause); err != nil && !errors.Is(err, core.ErrCanceled) {
		c.logger.Debug("cancel waits", "error", err)
	}
	c.bd.Close(ctx)
}

// addSource starts applying the callbacks of name from index next on. The
// callbacks that arrived before the subscription answered are replayed.
func (c *Context) addSource(name string, d *dispatch.Dispatcher, next uint64, apply func(ctx context.Context, cb protocol.Callback) error, onDown func(ctx context.Context)) (*source, error) {
	s := &source{name: name, apply: apply, done: make(chan struct{}), onDown: onDown}
	s.queue = dispatch.NewOrderedQueue(d, name, next,
		dispatch.WithGapTimeout(c.opts.gapTimeout),
		dispatch.WithQueueLogger(c.logger),
		dispatch.WithViolationHandler(func(err error) {
			c.teardown(context.Background(), s)
			c.opts.onError(err)
		}),
	)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("source %s: %w", name, core.ErrCanceled)
	}
	if _, ok := c.sources[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("source %s: %w", name, core.ErrAlreadyExists)
	}
	c.sources[name] = s
	early := c.early[name]
	delete(c.early, name)
	c.mu.Unlock()

	for _, cb := range early {
		c.enqueue(s, cb)
	}
	c.logger.Debug("source added", "source", name, "next", next, "replayed", len(early))
	return s, nil
}

// teardown stops s. Waits on it fail with core.ErrCanceled.
func (c *Context) teardown(ctx context.Context, s *source) {
	s.downOnce.Do(func() {
		c.mu.Lock()
		if c.sources[s.name] == s {
			delete(c.sources, s.name)
		}
		delete(c.early, s.name)
		c.mu.Unlock()

		s.queue.Close()
		close(s.done)
		if s.onDown != nil {
			s.onDown(ctx)
		}
		c.logger.Debug("source removed", "source", s.name)
	})
}

func (c *Context) deliver(cb protocol.Callback) {
	c.mu.Lock()
	s, ok := c.sources[cb.Source]
	if !ok {
		if !c.closed {
			buf := append(c.early[cb.Source], cb)
			if len(buf) > c.opts.earlyLimit {
				c.logger.Warn("dropping early callback", "source", cb.Source, "index", buf[0].Index)
				buf = buf[1:]
			}
			c.early[cb.Source] = buf
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.enqueue(s, cb)
}

func (c *Context) enqueue(s *source, cb protocol.Callback) {
	s.queue.InvokeAsync(cb.Index, func(ctx context.Context) error {
		if err := s.apply(ctx, cb); err != nil {
			err = fmt.Errorf("%s callback %d %s: %w", cb.Source, cb.Index, cb.Kind, err)
			if len(cb.TaskIDs) > 0 {
				if ferr := c.bd.Invoke(ctx, func(ctx context.Context) error {
					return c.barrier.Fail(ctx, core.ErrProtocolViolation, cb.TaskIDs...)
				}); ferr != nil {
					c.logger.Debug("fail waits", "error", ferr)
				}
			}
			return err
		}
		if len(cb.TaskIDs) == 0 {
			return nil
		}
		return c.bd.Invoke(ctx, func(ctx context.Context) error {
			return c.barrier.Set(ctx, cb.TaskIDs...)
		})
	})
}

// call sends one request with the token of the context.
func (c *Context) call(ctx context.Context, method string, params any, result any) error {
	raw, err := protocol.Encode(params)
	if err != nil {
		return err
	}
	req := protocol.Request{ID: c.reqID.Add(1), Method: method, Params: raw}
	if c.auth != nil {
		req.Token = c.auth.Token
	}
	res, err := c.t.Call(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if res.Error != nil {
		return res.Error
	}
	if result == nil || len(res.Result) == 0 {
		return nil
	}
	if err := protocol.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("%s result: %w: %v", method, core.ErrProtocolViolation, err)
	}
	return nil
}

func request[R any](ctx context.Context, c *Context, method string, params any) (R, error) {
	var r R
	err := c.call(ctx, method, params, &r)
	return r, err
}

// completion is one callback a write waits for: task id on source.
type completion struct {
	src *source
	id  core.TaskID
}

// write sends a request and waits until every completion has been applied.
// Waiters are registered before the request goes out.
func (c *Context) write(ctx context.Context, method string, params any, result any, waits ...completion) error {
	if err := c.auth.Verify(); err != nil {
		return err
	}
	ctx, cancel := c.auth.Bind(ctx)
	defer cancel()

	p := c.expect(ctx, waits...)
	if err := c.call(ctx, method, params, result); err != nil {
		p.forget(ctx, 0)
		return err
	}
	return p.wait(ctx, method)
}

// pending holds the barrier waits of one request.
type pending struct {
	c     *Context
	waits []completion
	chans []<-chan error
}

func (c *Context) expect(ctx context.Context, waits ...completion) *pending {
	p := &pending{c: c, waits: waits, chans: make([]<-chan error, len(waits))}
	for i, w := range waits {
		p.chans[i] = c.barrier.WaitAsync(ctx, w.id)
	}
	return p
}

func (p *pending) forget(ctx context.Context, from int) {
	for i := from; i < len(p.waits); i++ {
		p.c.barrier.Forget(ctx, p.waits[i].id, p.chans[i])
	}
}

// wait blocks until every completion was applied, one fails, or its source
// goes down.
func (p *pending) wait(ctx context.Context, method string) error {
	for i, w := range p.waits {
		select {
		case err := <-p.chans[i]:
			if err != nil {
				p.forget(ctx, i+1)
				return err
			}
		case <-w.src.done:
			p.forget(ctx, i)
			return fmt.Errorf("%s: source %s closed: %w", method, w.src.name, core.ErrCanceled)
		case <-ctx.Done():
			p.forget(ctx, i)
			return context.Cause(ctx)
		}
	}
	return nil
}
