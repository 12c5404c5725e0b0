package client

import (
	"context"
	"sort"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
)

// UserEvent reports a login or a logout seen on the users source.
type UserEvent struct {
	Kind           string
	Authentication core.AuthenticationInfo
}

// Users mirrors the users tree and the list of signed-in authentications.
// It lives on the context dispatcher.
type Users struct {
	c      *Context
	tree   *Collection[core.UserInfo]
	online map[string]core.AuthenticationInfo
	events *dispatch.Registry[UserEvent]
	src    *source
}

func newUsers(c *Context) *Users {
	u := &Users{
		c:      c,
		online: make(map[string]core.AuthenticationInfo),
		events: dispatch.NewRegistry[UserEvent](c.d),
	}
	u.tree = newCollection[core.UserInfo](c, c.d, "", protocol.SourceUsers, func() *source { return u.src })
	return u
}

func (u *Users) subscribe(ctx context.Context) error {
	snap, err := request[protocol.UsersSnapshot](ctx, u.c, protocol.MethodUsersSubscribe, nil)
	if err != nil {
		return err
	}
	err = u.c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := u.tree.reset(ctx, snap.Snapshot); err != nil {
			return err
		}
		for _, a := range snap.Online {
			u.online[a.ID] = a
		}
		return nil
	})
	if err != nil {
		return err
	}
	u.src, err = u.c.addSource(protocol.SourceUsers, u.c.d, snap.Next, u.apply, nil)
	return err
}

func (u *Users) apply(ctx context.Context, cb protocol.Callback) error {
	switch cb.Kind {
	case protocol.KindLoggedIn, protocol.KindLoggedOut:
		info, err := protocol.Decode[core.AuthenticationInfo](cb.Data)
		if err != nil {
			return err
		}
		if cb.Kind == protocol.KindLoggedIn {
			u.online[info.ID] = info
		} else {
			delete(u.online, info.ID)
			if info.ID == u.c.auth.ID {
				u.c.logger.Info("logged out by host")
				u.c.auth.Expire()
			}
		}
		return u.events.Emit(ctx, UserEvent{Kind: cb.Kind, Authentication: info})
	}
	return u.tree.apply(ctx, cb)
}

// Collection returns the users tree.
func (u *Users) Collection() *Collection[core.UserInfo] { return u.tree }

// Online returns the signed-in authentications, oldest first.
func (u *Users) Online(ctx context.Context) ([]core.AuthenticationInfo, error) {
	return dispatch.InvokeValue(ctx, u.c.d, func(context.Context) ([]core.AuthenticationInfo, error) {
		out := make([]core.AuthenticationInfo, 0, len(u.online))
		for _, a := range u.online {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// Subscribe registers fn for logins and logouts.
func (u *Users) Subscribe(fn func(ctx context.Context, e UserEvent)) (unsubscribe func()) {
	return u.events.Subscribe(fn)
}

// AddNewUser creates a user inside category.
func (u *Users) AddNewUser(ctx context.Context, category, userID, name string, authority core.Authority, password []byte) error {
	task := taskFrom(ctx)
	return u.c.write(ctx, protocol.MethodAddUser, protocol.AddUserParams{
		TaskID:    task,
		Category:  category,
		UserID:    userID,
		Name:      name,
		Authority: authority,
		Password:  password,
	}, nil, completion{src: u.src, id: task})
}

// SetPassword changes the password of userID. Administrators may leave old
// empty when changing someone else's.
func (u *Users) SetPassword(ctx context.Context, userID string, old, password []byte) error {
	task := taskFrom(ctx)
	return u.c.write(ctx, protocol.MethodSetPassword, protocol.PasswordParams{
		TaskID: task, UserID: userID, Old: old, New: password,
	}, nil, completion{src: u.src, id: task})
}

// Ban bans userID; the host expires its authentications.
func (u *Users) Ban(ctx context.Context, userID, comment string) error {
	task := taskFrom(ctx)
	return u.c.write(ctx, protocol.MethodBan, protocol.BanParams{TaskID: task, UserID: userID, Comment: comment}, nil, completion{src: u.src, id: task})
}

func (u *Users) Unban(ctx context.Context, userID string) error {
	task := taskFrom(ctx)
	return u.c.write(ctx, protocol.MethodUnban, protocol.BanParams{TaskID: task, UserID: userID}, nil, completion{src: u.src, id: task})
}
