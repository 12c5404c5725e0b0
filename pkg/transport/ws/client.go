package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
)

// Conn is the client side of a websocket session. It implements
// client.Transport.
type Conn struct {
	wc  *websocket.Conn
	cfg *config

	writeMu sync.Mutex

	responseChannels     map[uint64]chan protocol.Response
	responseChannelsLock sync.Mutex

	listenerMu sync.RWMutex
	listener   func(protocol.Callback)

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to the websocket handler at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := newConfig(opts)
	wc, _, err := websocket.DefaultDialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		wc:               wc,
		cfg:              cfg,
		responseChannels: make(map[uint64]chan protocol.Response),
		done:             make(chan struct{}),
	}
	c.cfg.logger = c.cfg.logger.With("url", url)
	go c.read()
	return c, nil
}

// Listen sets the receiver of callbacks. It is called from the read
// goroutine in the order the host emitted them.
func (c *Conn) Listen(fn func(protocol.Callback)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = fn
}

func (c *Conn) createResponseChannel(id uint64) (chan protocol.Response, error) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()
	if _, ok := c.responseChannels[id]; ok {
		return nil, fmt.Errorf("request id %d in use: %w", id, core.ErrAlreadyExists)
	}
	ch := make(chan protocol.Response, 1)
	c.responseChannels[id] = ch
	return ch, nil
}

func (c *Conn) removeResponseChannel(id uint64) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()
	delete(c.responseChannels, id)
}

func (c *Conn) getResponseChannel(id uint64) (chan protocol.Response, bool) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()
	ch, ok := c.responseChannels[id]
	return ch, ok
}

// Call sends req and waits for the response with the same id.
func (c *Conn) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ch, err := c.createResponseChannel(req.ID)
	if err != nil {
		return protocol.Response{}, err
	}
	defer c.removeResponseChannel(req.ID)

	if err := c.write(protocol.Frame{Request: &req}); err != nil {
		return protocol.Response{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.done:
		return protocol.Response{}, c.closedErr()
	case <-ctx.Done():
		return protocol.Response{}, context.Cause(ctx)
	}
}

func (c *Conn) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	return writeFrame(c.wc, c.cfg.writeTimeout, f)
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("connection closed: %w: %v", core.ErrCanceled, c.err)
	}
	return fmt.Errorf("connection closed: %w", core.ErrCanceled)
}

func (c *Conn) read() {
	var err error
	defer func() { c.shut(err) }()
	for {
		var data []byte
		_, data, err = c.wc.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			return
		}
		var f protocol.Frame
		if uerr := protocol.Unmarshal(data, &f); uerr != nil {
			c.cfg.logger.Warn("dropping malformed frame", "error", uerr)
			continue
		}
		switch {
		case f.Response != nil:
			ch, ok := c.getResponseChannel(f.Response.ID)
			if !ok {
				c.cfg.logger.Debug("response without caller", "id", f.Response.ID)
				continue
			}
			ch <- *f.Response
		case f.Callback != nil:
			c.listenerMu.RLock()
			fn := c.listener
			c.listenerMu.RUnlock()
			if fn == nil {
				c.cfg.logger.Warn("callback before listen", "source", f.Callback.Source, "index", f.Callback.Index)
				continue
			}
			fn(*f.Callback)
		}
	}
}

func (c *Conn) shut(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.wc.Close()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.cfg.logger.Warn("websocket lost", "error", err)
		}
	})
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close message and waits briefly for the host to answer it.
func (c *Conn) Close(ctx context.Context) error {
	c.writeMu.Lock()
	_ = c.wc.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	err := c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	c.shut(nil)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
