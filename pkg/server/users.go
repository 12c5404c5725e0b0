package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

type login struct {
	auth    *core.Authentication
	session *Session
}

// UserContext owns the users tree, the signed-in authentications and the
// users callback source.
type UserContext struct {
	host   *Host
	d      *dispatch.Dispatcher
	bc     *Broadcaster
	users  *Collection[core.UserInfo]
	creds  core.CredentialStore
	signer *Signer
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	logins map[string]*login
}

func newUserContext(h *Host) *UserContext {
	d := dispatch.New("users", dispatch.WithLogger(h.logger))
	bc := NewBroadcaster(protocol.SourceUsers, d, h.logger)
	u := &UserContext{
		host:   h,
		d:      d,
		bc:     bc,
		creds:  h.config.Credentials,
		signer: h.signer,
		ttl:    h.config.TokenTTL,
		logger: h.logger.With("context", "users"),
		logins: make(map[string]*login),
	}
	u.users = newCollection[core.UserInfo](protocol.SourceUsers, UsersDir, UsersDir, d, h.wlog, bc, Policy{AdminOnly: true}, h.logger)
	u.users.Events().Subscribe(u.onUsersChanged)
	return u
}

// Collection returns the users tree.
func (u *UserContext) Collection() *Collection[core.UserInfo] {
	return u.users
}

func (u *UserContext) load(ctx context.Context) error {
	return u.users.load(ctx)
}

// seed creates the administrator account when the users tree has no items.
func (u *UserContext) seed(ctx context.Context, admin AdminConfig) error {
	s, err := u.users.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(s.Items) > 0 {
		return nil
	}
	hash, err := u.creds.Encrypt(admin.Password)
	if err != nil {
		return err
	}
	u.logger.Info("seeding administrator", "user", admin.ID)
	return u.users.AddNewItem(ctx, core.System, core.TaskID{}, tree.RootPath, admin.ID, core.UserInfo{
		ID:        admin.ID,
		Name:      admin.Name,
		Authority: core.AuthorityAdmin,
		Password:  hash,
	})
}

// Login verifies the credentials of userID and signs an authentication in
// through s.
func (u *UserContext) Login(ctx context.Context, s *Session, userID string, password []byte) (*core.Authentication, error) {
	auth, err := dispatch.InvokeValue(ctx, u.d, func(ctx context.Context) (*core.Authentication, error) {
		item, ok := u.users.tree.ItemByName(userID)
		if !ok {
			return nil, fmt.Errorf("user %s: %w", userID, core.ErrNotFound)
		}
		info := item.Payload()
		if info.Banned {
			return nil, fmt.Errorf("user %s is banned: %w", userID, core.ErrPermissionDenied)
		}
		if !u.creds.VerifyPassword(info.Password, password) {
			return nil, fmt.Errorf("user %s: wrong password: %w", userID, core.ErrPermissionDenied)
		}

		auth := core.NewAuthentication(info.ID, info.Name, info.Authority, u.ttl)
		token, err := u.signer.Sign(auth)
		if err != nil {
			auth.Expire()
			return nil, err
		}
		auth.Token = token

		u.mu.Lock()
		u.logins[auth.ID] = &login{auth: auth, session: s}
		u.mu.Unlock()
		s.bind(auth)

		public := auth.Info()
		public.Token = ""
		if err := u.bc.Emit(ctx, Event{Kind: protocol.KindLoggedIn, UserID: auth.UserID, Data: public}); err != nil {
			return nil, err
		}
		return auth, nil
	})
	if err != nil {
		return nil, err
	}

	lifecycle.Go(context.Background(), func(ctx context.Context) error {
		<-auth.Done()
		return u.release(ctx, auth)
	}, lifecycle.WithErrorHandler(func(err error) {
		u.logger.Debug("release after expiry", "auth", auth.ID, "error", err)
	}))
	u.logger.Info("user logged in", "user", auth.UserID, "auth", auth.ID)
	return auth, nil
}

// Logout expires auth and releases everything it held.
func (u *UserContext) Logout(ctx context.Context, s *Session, auth *core.Authentication) error {
	if s != nil && !s.owns(auth) {
		return fmt.Errorf("authentication %s: %w", auth.ID, core.ErrAuthenticationExpired)
	}
	auth.Expire()
	return u.release(ctx, auth)
}

// release forgets auth: it leaves every data base and domain, rolls back its
// transactions and broadcasts the logout. Only the first call does anything.
func (u *UserContext) release(ctx context.Context, auth *core.Authentication) error {
	u.mu.Lock()
	l, ok := u.logins[auth.ID]
	delete(u.logins, auth.ID)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	l.session.unbind(auth)

	var errs []error
	if err := u.host.dbs.release(ctx, auth); err != nil {
		errs = append(errs, err)
	}
	if err := u.host.domains.release(ctx, auth); err != nil {
		errs = append(errs, err)
	}
	err := u.d.Invoke(ctx, func(ctx context.Context) error {
		public := auth.Info()
		public.Token = ""
		return u.bc.Emit(ctx, Event{Kind: protocol.KindLoggedOut, UserID: auth.UserID, Data: public})
	})
	if err != nil {
		errs = append(errs, err)
	}
	u.logger.Info("user logged out", "user", auth.UserID, "auth", auth.ID)
	return errors.Join(errs...)
}

// Authenticate resolves a session token to its live authentication.
func (u *UserContext) Authenticate(token string) (*core.Authentication, error) {
	claims, err := u.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	u.mu.RLock()
	l, ok := u.logins[claims.ID]
	u.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("authentication %s: %w", claims.ID, core.ErrAuthenticationExpired)
	}
	if err := l.auth.Verify(); err != nil {
		return nil, err
	}
	return l.auth, nil
}

// Online returns the live authentications, tokens stripped, oldest first.
func (u *UserContext) Online() []core.AuthenticationInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]core.AuthenticationInfo, 0, len(u.logins))
	for _, l := range u.logins {
		info := l.auth.Info()
		info.Token = ""
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (u *UserContext) loginsOf(userID string) []*core.Authentication {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var out []*core.Authentication
	for _, l := range u.logins {
		if l.auth.UserID == userID {
			out = append(out, l.auth)
		}
	}
	return out
}

// expireAll expires every authentication of userID.
func (u *UserContext) expireAll(ctx context.Context, userID string) {
	for _, auth := range u.loginsOf(userID) {
		auth.Expire()
		if err := u.release(ctx, auth); err != nil {
			u.logger.Warn("release failed", "user", userID, "auth", auth.ID, "error", err)
		}
	}
}

// Subscribe adds s to the users source and returns the matching snapshot.
func (u *UserContext) Subscribe(ctx context.Context, s *Session) (protocol.UsersSnapshot, error) {
	return dispatch.InvokeValue(ctx, u.d, func(ctx context.Context) (protocol.UsersSnapshot, error) {
		next, err := u.bc.Subscribe(ctx, s)
		if err != nil {
			return protocol.UsersSnapshot{}, err
		}
		return protocol.UsersSnapshot{
			Snapshot: u.users.tree.Snapshot(),
			Online:   u.Online(),
			Next:     next,
		}, nil
	})
}

// AddNewUser creates a user inside category.
func (u *UserContext) AddNewUser(ctx context.Context, auth *core.Authentication, task core.TaskID, category, userID, name string, authority core.Authority, password []byte) error {
	if err := auth.Verify(); err != nil {
		return err
	}
	if len(password) == 0 {
		return fmt.Errorf("user %s: empty password: %w", userID, core.ErrInvalidName)
	}
	hash, err := u.creds.Encrypt(password)
	if err != nil {
		return err
	}
	if name == "" {
		name = userID
	}
	return u.users.AddNewItem(ctx, auth, task, category, userID, core.UserInfo{
		ID:        userID,
		Name:      name,
		Authority: authority,
		Password:  hash,
	})
}

// SetPassword changes the password of userID. Users change their own
// password by proving the old one; administrators may skip that.
func (u *UserContext) SetPassword(ctx context.Context, auth *core.Authentication, task core.TaskID, userID string, old, password []byte) error {
	if err := auth.Verify(); err != nil {
		return err
	}
	if auth.UserID != userID && !auth.IsAdmin() {
		return fmt.Errorf("password of %s: %w", userID, core.ErrPermissionDenied)
	}
	if len(password) == 0 {
		return fmt.Errorf("user %s: empty password: %w", userID, core.ErrInvalidName)
	}
	hash, err := u.creds.Encrypt(password)
	if err != nil {
		return err
	}
	return u.users.mutateAs(ctx, auth, task, func() (*mutation[core.UserInfo], error) {
		item, ok := u.users.tree.ItemByName(userID)
		if !ok {
			return nil, fmt.Errorf("user %s: %w", userID, core.ErrNotFound)
		}
		m, err := u.users.planPayload(auth, item.Path(), func(cur core.UserInfo) (core.UserInfo, error) {
			if !auth.IsAdmin() && !u.creds.VerifyPassword(cur.Password, old) {
				return cur, fmt.Errorf("user %s: wrong password: %w", userID, core.ErrPermissionDenied)
			}
			cur.Password = hash
			return cur, nil
		})
		if m != nil {
			m.subject = "set password of " + userID
			m.ctype = CommitTypeChore
		}
		return m, err
	})
}

// Ban bans userID and expires its authentications.
func (u *UserContext) Ban(ctx context.Context, auth *core.Authentication, task core.TaskID, userID, comment string) error {
	if auth.UserID == userID {
		return fmt.Errorf("%s cannot ban itself: %w", userID, core.ErrConflict)
	}
	err := u.setBanned(ctx, auth, task, userID, true, comment)
	if err != nil {
		return err
	}
	u.expireAll(ctx, userID)
	return nil
}

// Unban lifts a ban.
func (u *UserContext) Unban(ctx context.Context, auth *core.Authentication, task core.TaskID, userID string) error {
	return u.setBanned(ctx, auth, task, userID, false, "")
}

func (u *UserContext) setBanned(ctx context.Context, auth *core.Authentication, task core.TaskID, userID string, banned bool, comment string) error {
	return u.users.mutate(ctx, auth, task, func() (*mutation[core.UserInfo], error) {
		item, ok := u.users.tree.ItemByName(userID)
		if !ok {
			return nil, fmt.Errorf("user %s: %w", userID, core.ErrNotFound)
		}
		m, err := u.users.planPayload(auth, item.Path(), func(cur core.UserInfo) (core.UserInfo, error) {
			if cur.Banned == banned {
				return cur, fmt.Errorf("user %s banned=%t: %w", userID, banned, core.ErrSameValue)
			}
			cur.Banned = banned
			cur.BanComment = comment
			return cur, nil
		})
		if m != nil {
			m.ctype = CommitTypeChore
			if banned {
				m.subject = "ban " + userID
			} else {
				m.subject = "unban " + userID
			}
		}
		return m, err
	})
}

// onUsersChanged expires the authentications of deleted users.
func (u *UserContext) onUsersChanged(ctx context.Context, e core.ItemsEvent) {
	if e.Kind != core.ItemsDeleted {
		return
	}
	for _, st := range e.Items {
		if st.IsCategory {
			continue
		}
		userID := st.Name
		lifecycle.Go(context.Background(), func(ctx context.Context) error {
			u.expireAll(ctx, userID)
			return nil
		})
	}
}

func (u *UserContext) close(ctx context.Context) {
	u.mu.RLock()
	auths := make([]*core.Authentication, 0, len(u.logins))
	for _, l := range u.logins {
		auths = append(auths, l.auth)
	}
	u.mu.RUnlock()
	for _, a := range auths {
		a.Expire()
		if err := u.release(ctx, a); err != nil {
			u.logger.Debug("release on close", "auth", a.ID, "error", err)
		}
	}
	u.d.Close(ctx)
}
