package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Authority is the coarse role of a user.
type Authority int

const (
	AuthorityGuest Authority = iota
	AuthorityMember
	AuthorityAdmin
)

func (a Authority) String() string {
	switch a {
	case AuthorityAdmin:
		return "admin"
	case AuthorityMember:
		return "member"
	default:
		return "guest"
	}
}

// ParseAuthority is the inverse of Authority.String.
func ParseAuthority(s string) (Authority, error) {
	switch s {
	case "admin":
		return AuthorityAdmin, nil
	case "member":
		return AuthorityMember, nil
	case "guest":
		return AuthorityGuest, nil
	}
	return AuthorityGuest, fmt.Errorf("unknown authority %q", s)
}

// AuthenticationInfo is the wire form of an Authentication.
type AuthenticationInfo struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Authority Authority `json:"authority"`
	Token     string    `json:"token,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authentication identifies one signed-in session of a user.
// It is immutable once issued except for expiry, which happens at most once:
// on logout, on a server-forced disconnect, or when ExpiresAt passes.
type Authentication struct {
	ID        string
	UserID    string
	Name      string
	Authority Authority
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time

	once  sync.Once
	done  chan struct{}
	timer *time.Timer
}

// System is the well-known authentication the server uses when it acts on its
// own behalf (seeding, rollback on disconnect). It never expires.
var System = &Authentication{
	ID:        "system",
	UserID:    "system",
	Name:      "system",
	Authority: AuthorityAdmin,
	done:      make(chan struct{}),
}

// NewAuthentication issues a fresh authentication with a ULID id.
// A positive ttl arms a timer that expires the authentication.
func NewAuthentication(userID, name string, authority Authority, ttl time.Duration) *Authentication {
	now := time.Now()
	a := &Authentication{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      name,
		Authority: authority,
		IssuedAt:  now,
		done:      make(chan struct{}),
	}
	if ttl > 0 {
		a.ExpiresAt = now.Add(ttl)
		a.timer = time.AfterFunc(ttl, a.Expire)
	}
	return a
}

// FromInfo rebuilds a client-side view of an authentication issued by the server.
func FromInfo(info AuthenticationInfo) *Authentication {
	a := &Authentication{
		ID:        info.ID,
		UserID:    info.UserID,
		Name:      info.Name,
		Authority: info.Authority,
		Token:     info.Token,
		IssuedAt:  info.IssuedAt,
		ExpiresAt: info.ExpiresAt,
		done:      make(chan struct{}),
	}
	if !info.ExpiresAt.IsZero() {
		d := time.Until(info.ExpiresAt)
		if d <= 0 {
			a.Expire()
		} else {
			a.timer = time.AfterFunc(d, a.Expire)
		}
	}
	return a
}

// Info returns the wire form.
func (a *Authentication) Info() AuthenticationInfo {
	return AuthenticationInfo{
		ID:        a.ID,
		UserID:    a.UserID,
		Name:      a.Name,
		Authority: a.Authority,
		Token:     a.Token,
		IssuedAt:  a.IssuedAt,
		ExpiresAt: a.ExpiresAt,
	}
}

// Expire invalidates the authentication. Calling it more than once is a no-op.
func (a *Authentication) Expire() {
	if a == System {
		return
	}
	a.once.Do(func() {
		if a.timer != nil {
			a.timer.Stop()
		}
		close(a.done)
	})
}

// Done is closed once the authentication expires.
func (a *Authentication) Done() <-chan struct{} {
	return a.done
}

// IsExpired reports whether Expire has run.
func (a *Authentication) IsExpired() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Verify returns ErrAuthenticationExpired once the authentication is no longer valid.
func (a *Authentication) Verify() error {
	if a == nil {
		return fmt.Errorf("missing authentication: %w", ErrAuthenticationExpired)
	}
	if a.IsExpired() {
		return fmt.Errorf("authentication %s: %w", a.ID, ErrAuthenticationExpired)
	}
	return nil
}

// IsAdmin reports whether the authentication carries administrator authority.
func (a *Authentication) IsAdmin() bool {
	return a.Authority == AuthorityAdmin
}

// Bind derives a context that is canceled, with ErrAuthenticationExpired as its
// cause, when the authentication expires. Long waits select on it.
func (a *Authentication) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-a.done:
			cancel(a.Verify())
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func (a *Authentication) String() string {
	return fmt.Sprintf("%s(%s)", a.UserID, a.ID)
}
