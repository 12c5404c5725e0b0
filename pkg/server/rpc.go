package server

import (
	"context"
	"fmt"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/protocol"
)

type handlerFunc func(ctx context.Context, s *Session, req protocol.Request) (any, error)

// authed decodes the params of a request made with a live authentication of
// the session. The context handed to fn ends when the authentication expires.
func authed[P any](fn func(ctx context.Context, s *Session, auth *core.Authentication, p P) (any, error)) handlerFunc {
	return func(ctx context.Context, s *Session, req protocol.Request) (any, error) {
		auth, err := s.host.authenticate(s, req.Token)
		if err != nil {
			return nil, err
		}
		p, err := protocol.Decode[P](req.Params)
		if err != nil {
			return nil, fmt.Errorf("%s params: %w: %v", req.Method, core.ErrProtocolViolation, err)
		}
		ctx, cancel := auth.Bind(ctx)
		defer cancel()
		return fn(ctx, s, auth, p)
	}
}

// none wraps operations that only report an error.
func none(err error) (any, error) {
	return nil, err
}

func (h *Host) authenticate(s *Session, token string) (*core.Authentication, error) {
	auth, err := h.users.Authenticate(token)
	if err != nil {
		return nil, err
	}
	if !s.owns(auth) {
		return nil, fmt.Errorf("authentication %s belongs to another session: %w", auth.ID, core.ErrAuthenticationExpired)
	}
	return auth, nil
}

func (h *Host) handle(ctx context.Context, s *Session, req protocol.Request) protocol.Response {
	fn, ok := h.routes()[req.Method]
	if !ok {
		return protocol.Response{ID: req.ID, Error: protocol.NewError(fmt.Errorf("method %q: %w", req.Method, core.ErrProtocolViolation))}
	}
	result, err := fn(ctx, s, req)
	if err != nil {
		h.logger.Debug("request failed", "session", s.ID, "method", req.Method, "error", err)
		return protocol.Response{ID: req.ID, Error: protocol.NewError(err)}
	}
	raw, err := protocol.Encode(result)
	if err != nil {
		h.logger.Error("encode result", "method", req.Method, "error", err)
		return protocol.Response{ID: req.ID, Error: protocol.NewError(err)}
	}
	return protocol.Response{ID: req.ID, Result: raw}
}

func (h *Host) routes() map[string]handlerFunc {
	h.routesOnce.Do(func() {
		h.table = map[string]handlerFunc{
			protocol.MethodHostInfo: h.hostInfo,
			protocol.MethodLogin:    h.login,
			protocol.MethodLogout:   h.logout,

			protocol.MethodUsersSubscribe: authed(func(ctx context.Context, s *Session, _ *core.Authentication, _ struct{}) (any, error) {
				return h.users.Subscribe(ctx, s)
			}),
			protocol.MethodAddUser: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.AddUserParams) (any, error) {
				return none(h.users.AddNewUser(ctx, auth, p.TaskID, p.Category, p.UserID, p.Name, p.Authority, p.Password))
			}),
			protocol.MethodSetPassword: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.PasswordParams) (any, error) {
				return none(h.users.SetPassword(ctx, auth, p.TaskID, p.UserID, p.Old, p.New))
			}),
			protocol.MethodBan: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.BanParams) (any, error) {
				return none(h.users.Ban(ctx, auth, p.TaskID, p.UserID, p.Comment))
			}),
			protocol.MethodUnban: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.BanParams) (any, error) {
				return none(h.users.Unban(ctx, auth, p.TaskID, p.UserID))
			}),

			protocol.MethodAddCategory: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.AddNewCategory(ctx, auth, p.TaskID, p.Path, p.Name)
			}),
			protocol.MethodAddItem: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.addItem(ctx, auth, p.TaskID, p.Path, p.Name, p.Payload)
			}),
			protocol.MethodRename: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.Rename(ctx, auth, p.TaskID, p.Path, p.Name)
			}),
			protocol.MethodMove: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.Move(ctx, auth, p.TaskID, p.Path, p.Parent)
			}),
			protocol.MethodDelete: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.Delete(ctx, auth, p.TaskID, p.Path)
			}),
			protocol.MethodSetPublic: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.SetPublic(ctx, auth, p.TaskID, p.Path)
			}),
			protocol.MethodSetPrivate: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.SetPrivate(ctx, auth, p.TaskID, p.Path)
			}),
			protocol.MethodAddMember: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.AddAccessMember(ctx, auth, p.TaskID, p.Path, p.UserID, p.Access)
			}),
			protocol.MethodSetMember: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.SetAccessMember(ctx, auth, p.TaskID, p.Path, p.UserID, p.Access)
			}),
			protocol.MethodRemoveMember: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.RemoveAccessMember(ctx, auth, p.TaskID, p.Path, p.UserID)
			}),
			protocol.MethodLock: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.Lock(ctx, auth, p.TaskID, p.Path, p.Comment)
			}),
			protocol.MethodUnlock: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.Unlock(ctx, auth, p.TaskID, p.Path)
			}),
			protocol.MethodSetPayload: h.tree(func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error {
				return t.setPayload(ctx, auth, p.TaskID, p.Path, p.Payload)
			}),

			protocol.MethodDataBasesSubscribe: authed(func(ctx context.Context, s *Session, _ *core.Authentication, _ struct{}) (any, error) {
				return h.dbs.Subscribe(ctx, s)
			}),
			protocol.MethodAddDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.AddNewDataBase(ctx, auth, p.TaskID, p.Name, p.Comment))
			}),
			protocol.MethodDeleteDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.DeleteDataBase(ctx, auth, p.TaskID, p.Name))
			}),
			protocol.MethodLoadDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.Load(ctx, auth, p.TaskID, p.Name))
			}),
			protocol.MethodUnloadDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.Unload(ctx, auth, p.TaskID, p.Name))
			}),
			protocol.MethodLockDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.Lock(ctx, auth, p.TaskID, p.Name, p.Comment))
			}),
			protocol.MethodUnlockDataBase: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.Unlock(ctx, auth, p.TaskID, p.Name))
			}),
			protocol.MethodEnter: authed(func(ctx context.Context, s *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return h.dbs.Enter(ctx, s, auth, p.TaskID, p.Name)
			}),
			protocol.MethodLeave: authed(func(ctx context.Context, s *Session, auth *core.Authentication, p protocol.DataBaseParams) (any, error) {
				return none(h.dbs.Leave(ctx, s, auth, p.TaskID, p.Name))
			}),

			protocol.MethodBeginTransaction: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.TransactionParams) (any, error) {
				id, err := h.dbs.BeginTransaction(ctx, auth, p.TaskID, p.DataBase)
				if err != nil {
					return nil, err
				}
				return protocol.TransactionResult{ID: id}, nil
			}),
			protocol.MethodCommitTransaction: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.TransactionParams) (any, error) {
				return none(h.dbs.CommitTransaction(ctx, auth, p.TaskID, p.DataBase, p.ID))
			}),
			protocol.MethodRollbackTransaction: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.TransactionParams) (any, error) {
				return none(h.dbs.RollbackTransaction(ctx, auth, p.TaskID, p.DataBase, p.ID))
			}),

			protocol.MethodDomainsSubscribe: authed(func(ctx context.Context, s *Session, _ *core.Authentication, _ struct{}) (any, error) {
				return h.domains.Subscribe(ctx, s)
			}),
			protocol.MethodBeginEdit: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return h.domains.BeginEdit(ctx, auth, p.TaskID, p.DataBase, p.Kind, p.Path)
			}),
			protocol.MethodBeginNew: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return h.domains.BeginNew(ctx, auth, p.TaskID, p.DataBase, p.Kind, p.Category, p.Name)
			}),
			protocol.MethodJoinDomain: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return h.domains.Join(ctx, auth, p.TaskID, p.ID)
			}),
			protocol.MethodLeaveDomain: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.Leave(ctx, auth, p.TaskID, p.ID))
			}),
			protocol.MethodNewRow: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				if p.Row == nil {
					return nil, fmt.Errorf("new row without row: %w", core.ErrProtocolViolation)
				}
				return none(h.domains.NewRow(ctx, auth, p.TaskID, p.ID, *p.Row))
			}),
			protocol.MethodSetRow: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				if p.Row == nil {
					return nil, fmt.Errorf("set row without row: %w", core.ErrProtocolViolation)
				}
				return none(h.domains.SetRow(ctx, auth, p.TaskID, p.ID, *p.Row))
			}),
			protocol.MethodRemoveRow: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.RemoveRow(ctx, auth, p.TaskID, p.ID, p.Key))
			}),
			protocol.MethodSetProperty: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.SetProperty(ctx, auth, p.TaskID, p.ID, p.Property, p.Value))
			}),
			protocol.MethodSetOwner: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.SetOwner(ctx, auth, p.TaskID, p.ID, p.Owner))
			}),
			protocol.MethodEndEdit: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.EndEdit(ctx, auth, p.TaskID, p.ID))
			}),
			protocol.MethodCancelEdit: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.CancelEdit(ctx, auth, p.TaskID, p.ID))
			}),
			protocol.MethodDeleteDomain: authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.DomainParams) (any, error) {
				return none(h.domains.Delete(ctx, auth, p.TaskID, p.ID, p.IsCanceled))
			}),
		}
	})
	return h.table
}

func (h *Host) hostInfo(ctx context.Context, _ *Session, _ protocol.Request) (any, error) {
	rev, err := h.wlog.Revision(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.HostInfo{Name: h.config.Name, Version: h.config.Version, Revision: rev}, nil
}

func (h *Host) login(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	p, err := protocol.Decode[protocol.LoginParams](req.Params)
	if err != nil {
		return nil, fmt.Errorf("login params: %w: %v", core.ErrProtocolViolation, err)
	}
	auth, err := h.users.Login(ctx, s, p.UserID, p.Password)
	if err != nil {
		return nil, err
	}
	return protocol.LoginResult{Authentication: auth.Info()}, nil
}

// logout does not bind the context to the authentication it expires.
func (h *Host) logout(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	auth, err := h.authenticate(s, req.Token)
	if err != nil {
		return nil, err
	}
	return none(h.users.Logout(ctx, s, auth))
}

// treeTarget is what the tree methods need from a Collection, whatever its
// payload type.
type treeTarget interface {
	AddNewCategory(ctx context.Context, auth *core.Authentication, task core.TaskID, parentPath, name string) error
	Rename(ctx context.Context, auth *core.Authentication, task core.TaskID, path, newName string) error
	Move(ctx context.Context, auth *core.Authentication, task core.TaskID, path, newParentPath string) error
	Delete(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error
	SetPublic(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error
	SetPrivate(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error
	AddAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string, t core.AccessType) error
	SetAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string, t core.AccessType) error
	RemoveAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string) error
	Lock(ctx context.Context, auth *core.Authentication, task core.TaskID, path, comment string) error
	Unlock(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error

	addItem(ctx context.Context, auth *core.Authentication, task core.TaskID, categoryPath, name string, payload protocol.RawMessage) error
	setPayload(ctx context.Context, auth *core.Authentication, task core.TaskID, path string, payload protocol.RawMessage) error
}

// usersTarget keeps user records out of the generic payload methods: they
// carry credentials and have methods of their own.
type usersTarget struct {
	*Collection[core.UserInfo]
}

func (usersTarget) addItem(context.Context, *core.Authentication, core.TaskID, string, string, protocol.RawMessage) error {
	return fmt.Errorf("users are added with %s: %w", protocol.MethodAddUser, core.ErrPermissionDenied)
}

func (usersTarget) setPayload(context.Context, *core.Authentication, core.TaskID, string, protocol.RawMessage) error {
	return fmt.Errorf("user records are not written directly: %w", core.ErrPermissionDenied)
}

func (h *Host) treeTarget(p protocol.TreeParams) (treeTarget, error) {
	if p.DataBase == "" {
		if p.Target != protocol.SourceUsers {
			return nil, fmt.Errorf("target %q: %w", p.Target, core.ErrNotFound)
		}
		return usersTarget{h.users.users}, nil
	}
	db, err := h.dbs.lookup(p.DataBase)
	if err != nil {
		return nil, err
	}
	switch p.Target {
	case core.TargetTypes:
		c, err := db.Types()
		if err != nil {
			return nil, err
		}
		return c, nil
	case core.TargetTables:
		c, err := db.Tables()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("target %q: %w", p.Target, core.ErrNotFound)
}

func (h *Host) tree(fn func(ctx context.Context, t treeTarget, auth *core.Authentication, p protocol.TreeParams) error) handlerFunc {
	return authed(func(ctx context.Context, _ *Session, auth *core.Authentication, p protocol.TreeParams) (any, error) {
		t, err := h.treeTarget(p)
		if err != nil {
			return nil, err
		}
		return none(fn(ctx, t, auth, p))
	})
}
