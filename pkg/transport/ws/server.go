// Package ws carries the tessera protocol over websockets. Every message is
// one CBOR protocol.Frame in a binary websocket message.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/server"
)

const (
	defaultWriteTimeout = 10 * time.Second
	pingInterval        = 30 * time.Second
)

// Option configures a Handler or a client connection.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	header       http.Header
}

func newConfig(opts []Option) *config {
	c := &config{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWriteTimeout bounds every websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHeader adds headers to the dial handshake.
func WithHeader(h http.Header) Option {
	return func(c *config) { c.header = h }
}

// Handler upgrades HTTP requests to websocket sessions of a host.
type Handler struct {
	host     *server.Host
	cfg      *config
	upgrader websocket.Upgrader
}

// NewHandler serves h over websockets.
func NewHandler(h *server.Host, opts ...Option) *Handler {
	return &Handler{
		host: h,
		cfg:  newConfig(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &peerConn{wc: wc, logger: h.cfg.logger, writeTimeout: h.cfg.writeTimeout, wake: make(chan struct{}, 1), done: make(chan struct{})}
	s := h.host.NewSession(c)
	c.logger = c.logger.With("session", s.ID, "remote", r.RemoteAddr)
	c.logger.Debug("websocket connected")

	go c.write()
	err = c.read(r.Context(), s)
	c.stop()
	s.Close(context.WithoutCancel(r.Context()))
	if err != nil {
		c.logger.Warn("websocket read failed", "error", err)
	}
	c.logger.Debug("websocket disconnected")
}

// peerConn is the host side of one websocket. It implements server.Peer.
type peerConn struct {
	wc           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	outbox []protocol.Frame
	wake   chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

func (c *peerConn) Deliver(cb protocol.Callback) {
	c.push(protocol.Frame{Callback: &cb})
}

func (c *peerConn) push(f protocol.Frame) {
	c.mu.Lock()
	c.outbox = append(c.outbox, f)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *peerConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *peerConn) read(ctx context.Context, s *server.Session) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		op, data, err := c.wc.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if op != websocket.BinaryMessage {
			continue
		}
		var f protocol.Frame
		if err := protocol.Unmarshal(data, &f); err != nil || f.Request == nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		req := *f.Request
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.Handle(ctx, req)
			c.push(protocol.Frame{Response: &res})
		}()
	}
}

func (c *peerConn) write() {
	defer c.wc.Close()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			_ = c.wc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-t.C:
			_ = c.wc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.wake:
			c.mu.Lock()
			batch := c.outbox
			c.outbox = nil
			c.mu.Unlock()
			for _, f := range batch {
				if err := writeFrame(c.wc, c.writeTimeout, f); err != nil {
					c.logger.Warn("websocket write failed", "error", err)
					c.stop()
					return
				}
			}
		}
	}
}

func writeFrame(wc *websocket.Conn, timeout time.Duration, f protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	_ = wc.SetWriteDeadline(time.Now().Add(timeout))
	return wc.WriteMessage(websocket.BinaryMessage, data)
}
