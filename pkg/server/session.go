package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
)

// Peer receives the callbacks of one session in emission order. Deliver must
// not block: transports queue callbacks and write them from their own
// goroutine.
type Peer interface {
	Deliver(cb protocol.Callback)
}

// Session is one client connection. It carries the authentications signed in
// through it and the sources it subscribed to; closing it logs them out.
type Session struct {
	ID   string
	host *Host
	peer Peer

	mu     sync.Mutex
	auths  map[string]*core.Authentication
	subs   map[*Broadcaster]struct{}
	closed bool
}

// NewSession registers a connection backed by peer.
func (h *Host) NewSession(peer Peer) *Session {
	s := &Session{
		ID:    ulid.Make().String(),
		host:  h,
		peer:  peer,
		auths: make(map[string]*core.Authentication),
		subs:  make(map[*Broadcaster]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.logger.Debug("session opened", "session", s.ID)
	return s
}

func (s *Session) deliver(cb protocol.Callback) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.peer.Deliver(cb)
	}
}

func (s *Session) track(b *Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[b] = struct{}{}
}

func (s *Session) untrack(b *Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, b)
}

func (s *Session) bind(auth *core.Authentication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[auth.ID] = auth
}

func (s *Session) unbind(auth *core.Authentication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auths, auth.ID)
}

// owns reports whether auth signed in through this session.
func (s *Session) owns(auth *core.Authentication) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.auths[auth.ID]
	return ok
}

// Authentications returns the live authentications of the session.
func (s *Session) Authentications() []*core.Authentication {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Authentication, 0, len(s.auths))
	for _, a := range s.auths {
		out = append(out, a)
	}
	return out
}

// Handle serves one request.
func (s *Session) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return s.host.handle(ctx, s, req)
}

// Close unsubscribes the session from every source and logs out its
// authentications. It is idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*Broadcaster, 0, len(s.subs))
	for b := range s.subs {
		subs = append(subs, b)
	}
	auths := make([]*core.Authentication, 0, len(s.auths))
	for _, a := range s.auths {
		auths = append(auths, a)
	}
	s.mu.Unlock()

	for _, a := range auths {
		if err := s.host.users.Logout(ctx, s, a); err != nil {
			s.host.logger.Debug("logout on close", "session", s.ID, "auth", a.ID, "error", err)
		}
	}
	for _, b := range subs {
		b := b
		// A data base unloaded meanwhile has a closed dispatcher; nothing to undo then.
		_ = b.d.Invoke(ctx, func(ctx context.Context) error {
			return b.Unsubscribe(ctx, s)
		})
	}

	s.host.mu.Lock()
	delete(s.host.sessions, s.ID)
	s.host.mu.Unlock()
	s.host.logger.Debug("session closed", "session", s.ID)
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.ID)
}
