package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

// Policy adapts a collection to the aggregate that owns it.
type Policy struct {
	// AdminOnly rejects writes from non-administrators.
	AdminOnly bool
	// Guard runs on the owner dispatcher before every write.
	Guard func(ctx context.Context, auth *core.Authentication) error
	// Editing reports whether an open domain covers path: the item itself,
	// or any item below a category.
	Editing func(path string) bool
}

// Collection is the authoritative side of one replicated tree. Every
// operation runs on the owner dispatcher in four phases: validate, lock the
// repository paths, write and commit, then apply the change locally and
// broadcast it. A failed commit leaves the tree untouched and emits nothing.
type Collection[T any] struct {
	target  string
	scope   string
	d       *dispatch.Dispatcher
	tree    *tree.Tree[T]
	records records
	wlog    *WriteLog
	bc      *Broadcaster
	policy  Policy
	events  *dispatch.Registry[core.ItemsEvent]
	logger  *slog.Logger
}

func newCollection[T any](target, scope, root string, d *dispatch.Dispatcher, wlog *WriteLog, bc *Broadcaster, policy Policy, logger *slog.Logger) *Collection[T] {
	return &Collection[T]{
		target:  target,
		scope:   scope,
		d:       d,
		tree:    tree.New[T](),
		records: newRecords(root),
		wlog:    wlog,
		bc:      bc,
		policy:  policy,
		events:  dispatch.NewRegistry[core.ItemsEvent](d),
		logger:  logger.With("collection", scope),
	}
}

// Target names the collection on the wire.
func (c *Collection[T]) Target() string { return c.target }

// Events is the local event surface, delivered on the owner dispatcher after
// each applied change.
func (c *Collection[T]) Events() *dispatch.Registry[core.ItemsEvent] { return c.events }

// load replaces the tree with what the repository holds.
func (c *Collection[T]) load(ctx context.Context) error {
	var s core.Snapshot[T]
	err := c.wlog.View(ctx, func(store core.Store) error {
		files, err := store.List(c.records.root)
		if err != nil {
			return err
		}
		s, err = loadSnapshot[T](c.records, files, store.Read)
		return err
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", c.scope, err)
	}
	return c.d.Invoke(ctx, func(context.Context) error {
		return c.tree.Reset(s)
	})
}

// Snapshot returns the whole tree.
func (c *Collection[T]) Snapshot(ctx context.Context) (core.Snapshot[T], error) {
	return dispatch.InvokeValue(ctx, c.d, func(context.Context) (core.Snapshot[T], error) {
		return c.tree.Snapshot(), nil
	})
}

// Item returns the record of the item at path.
func (c *Collection[T]) Item(ctx context.Context, path string) (core.ItemRecord[T], error) {
	return dispatch.InvokeValue(ctx, c.d, func(context.Context) (core.ItemRecord[T], error) {
		i, ok := c.tree.Item(path)
		if !ok {
			return core.ItemRecord[T]{}, fmt.Errorf("item %s: %w", path, core.ErrNotFound)
		}
		return core.ItemRecord[T]{Path: i.Path(), Payload: i.Payload(), Access: i.AccessInfo(), Lock: i.LockInfo()}, nil
	})
}

// ItemByName returns the record of the item called name.
func (c *Collection[T]) ItemByName(ctx context.Context, name string) (core.ItemRecord[T], error) {
	return dispatch.InvokeValue(ctx, c.d, func(context.Context) (core.ItemRecord[T], error) {
		i, ok := c.tree.ItemByName(name)
		if !ok {
			return core.ItemRecord[T]{}, fmt.Errorf("item %s: %w", name, core.ErrNotFound)
		}
		return core.ItemRecord[T]{Path: i.Path(), Payload: i.Payload(), Access: i.AccessInfo(), Lock: i.LockInfo()}, nil
	})
}

type node interface {
	core.Accessible
	core.Lockable
}

func (c *Collection[T]) node(path string) (node, error) {
	if tree.IsCategoryPath(path) {
		if cat, ok := c.tree.Category(path); ok {
			return cat, nil
		}
		return nil, fmt.Errorf("category %s: %w", path, core.ErrNotFound)
	}
	if i, ok := c.tree.Item(path); ok {
		return i, nil
	}
	return nil, fmt.Errorf("item %s: %w", path, core.ErrNotFound)
}

func authorize(auth *core.Authentication, n core.Accessible, need core.AccessType) error {
	if got := core.EffectiveAccess(core.ResolveAccess(n), auth); got < need {
		return fmt.Errorf("%s on %s needs %s access, holds %s: %w", auth.UserID, n.Path(), need, got, core.ErrPermissionDenied)
	}
	return nil
}

func checkLock(auth *core.Authentication, n core.Lockable) error {
	if info, at := core.ResolveLock(n); info.Blocks(auth) {
		return fmt.Errorf("%s locked by %s at %s: %w", n.Path(), info.UserID, at, core.ErrLocked)
	}
	return nil
}

func (c *Collection[T]) checkEditing(path string) error {
	if c.policy.Editing != nil && c.policy.Editing(path) {
		return fmt.Errorf("%s: %w", path, core.ErrBeingEdited)
	}
	return nil
}

// admit runs the checks every write shares, before any structural validation.
func (c *Collection[T]) admit(ctx context.Context, auth *core.Authentication) error {
	if err := auth.Verify(); err != nil {
		return err
	}
	if auth.Authority == core.AuthorityGuest {
		return fmt.Errorf("guest %s cannot write %s: %w", auth.UserID, c.scope, core.ErrPermissionDenied)
	}
	if c.policy.AdminOnly && !auth.IsAdmin() {
		return fmt.Errorf("%s is administrator only: %w", c.scope, core.ErrPermissionDenied)
	}
	if c.policy.Guard != nil {
		return c.policy.Guard(ctx, auth)
	}
	return nil
}

type mutation[T any] struct {
	ctype   string
	subject string
	paths   []string
	write   func(store core.Store) error
	change  core.Change[T]
}

// mutate admits auth, plans the write under the dispatcher and commits it.
func (c *Collection[T]) mutate(ctx context.Context, auth *core.Authentication, task core.TaskID, plan func() (*mutation[T], error)) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := c.admit(ctx, auth); err != nil {
			return err
		}
		m, err := plan()
		if err != nil {
			return err
		}
		return c.commit(ctx, auth, task, m)
	})
}

// mutateAs skips the shared admission checks. Callers that apply their own
// permission rules, such as password changes, use it.
func (c *Collection[T]) mutateAs(ctx context.Context, auth *core.Authentication, task core.TaskID, plan func() (*mutation[T], error)) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		m, err := plan()
		if err != nil {
			return err
		}
		return c.commit(ctx, auth, task, m)
	})
}

func (c *Collection[T]) commit(ctx context.Context, auth *core.Authentication, task core.TaskID, m *mutation[T]) error {
	lease, err := c.wlog.Append(ctx, Entry{
		Auth:    auth,
		Paths:   m.paths,
		Message: FormatCommitMessage(m.ctype, c.scope, m.subject, "", auth.UserID),
		Write:   m.write,
	})
	if err != nil {
		return err
	}
	defer lease.Release()

	states, err := tree.Apply(c.tree, m.change)
	if err != nil {
		c.logger.Error("committed change does not apply", "kind", m.change.Kind, "error", err)
		return err
	}
	if err := c.bc.Emit(ctx, Event{
		Kind:    string(m.change.Kind),
		Target:  c.target,
		TaskIDs: tasks(task),
		UserID:  auth.UserID,
		Data:    m.change,
	}); err != nil {
		return err
	}
	return c.events.Emit(ctx, core.ItemsEvent{Kind: m.change.Kind, TaskID: task, UserID: auth.UserID, Items: states})
}

// reset replaces the whole tree with s as one commit and broadcasts
// ItemsReset. Rollbacks use it.
func (c *Collection[T]) reset(ctx context.Context, auth *core.Authentication, task core.TaskID, subject string, s core.Snapshot[T]) error {
	return c.d.Invoke(ctx, func(ctx context.Context) error {
		if err := auth.Verify(); err != nil {
			return err
		}
		return c.commit(ctx, auth, task, &mutation[T]{
			ctype:   CommitTypeRevert,
			subject: subject,
			paths:   []string{c.records.dir(tree.RootPath)},
			write: func(store core.Store) error {
				return writeSnapshot(c.records, store, s)
			},
			change: core.Change[T]{Kind: core.ItemsReset, Snapshot: &s},
		})
	})
}

// AddNewCategory creates category name under parentPath.
func (c *Collection[T]) AddNewCategory(ctx context.Context, auth *core.Authentication, task core.TaskID, parentPath, name string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if err := c.tree.ValidateAddCategory(parentPath, name); err != nil {
			return nil, err
		}
		parent, _ := c.tree.Category(parentPath)
		if err := authorize(auth, parent, core.AccessEditor); err != nil {
			return nil, err
		}
		if err := checkLock(auth, parent); err != nil {
			return nil, err
		}
		p := tree.CategoryPath(parentPath, name)
		return &mutation[T]{
			ctype:   CommitTypeFeat,
			subject: "add category " + p,
			paths:   []string{c.records.dir(p)},
			write: func(store core.Store) error {
				return c.records.writeCategory(store, p, core.AccessInfo{}, core.LockInfo{})
			},
			change: core.Change[T]{Kind: core.ItemsCreated, Entries: []core.ChangeEntry[T]{{Path: p, IsCategory: true}}},
		}, nil
	})
}

// AddNewItem creates item name with payload inside categoryPath.
func (c *Collection[T]) AddNewItem(ctx context.Context, auth *core.Authentication, task core.TaskID, categoryPath, name string, payload T) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		return c.planAddItem(auth, categoryPath, name, payload)
	})
}

func (c *Collection[T]) planAddItem(auth *core.Authentication, categoryPath, name string, payload T) (*mutation[T], error) {
	if err := c.tree.ValidateAddItem(categoryPath, name); err != nil {
		return nil, err
	}
	category, _ := c.tree.Category(categoryPath)
	if err := authorize(auth, category, core.AccessEditor); err != nil {
		return nil, err
	}
	if err := checkLock(auth, category); err != nil {
		return nil, err
	}
	p := tree.ItemPath(categoryPath, name)
	return &mutation[T]{
		ctype:   CommitTypeFeat,
		subject: "add " + p,
		paths:   []string{c.records.itemFile(p)},
		write: func(store core.Store) error {
			return writeItem(c.records, store, p, payload, core.AccessInfo{}, core.LockInfo{})
		},
		change: core.Change[T]{Kind: core.ItemsCreated, Entries: []core.ChangeEntry[T]{{Path: p, Payload: &payload}}},
	}, nil
}

// Rename gives the node at path a new name inside the same parent.
func (c *Collection[T]) Rename(ctx context.Context, auth *core.Authentication, task core.TaskID, path, newName string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if err := c.tree.ValidateRename(path, newName); err != nil {
			return nil, err
		}
		parentPath, _ := tree.Split(path)
		newPath := tree.ItemPath(parentPath, newName)
		if tree.IsCategoryPath(path) {
			newPath = tree.CategoryPath(parentPath, newName)
		}
		return c.planRelocate(auth, core.ItemsRenamed, path, newPath, "")
	})
}

// Move puts the node at path under newParentPath, keeping its name.
func (c *Collection[T]) Move(ctx context.Context, auth *core.Authentication, task core.TaskID, path, newParentPath string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if err := c.tree.ValidateMove(path, newParentPath); err != nil {
			return nil, err
		}
		_, name := tree.Split(path)
		newPath := tree.ItemPath(newParentPath, name)
		if tree.IsCategoryPath(path) {
			newPath = tree.CategoryPath(newParentPath, name)
		}
		return c.planRelocate(auth, core.ItemsMoved, path, newPath, newParentPath)
	})
}

func (c *Collection[T]) planRelocate(auth *core.Authentication, kind core.ChangeKind, path, newPath, destination string) (*mutation[T], error) {
	n, err := c.node(path)
	if err != nil {
		return nil, err
	}
	if err := authorize(auth, n, core.AccessMaster); err != nil {
		return nil, err
	}
	if err := checkLock(auth, n); err != nil {
		return nil, err
	}
	if destination != "" {
		dst, _ := c.tree.Category(destination)
		if err := authorize(auth, dst, core.AccessEditor); err != nil {
			return nil, err
		}
		if err := checkLock(auth, dst); err != nil {
			return nil, err
		}
	}
	if err := c.checkEditing(path); err != nil {
		return nil, err
	}
	verb := "rename"
	ctype := CommitTypeRefactor
	if kind == core.ItemsMoved {
		verb = "move"
	}
	from, to := c.records.location(path), c.records.location(newPath)
	return &mutation[T]{
		ctype:   ctype,
		subject: fmt.Sprintf("%s %s to %s", verb, path, newPath),
		paths:   []string{from, to},
		write: func(store core.Store) error {
			return store.Move(from, to)
		},
		change: core.Change[T]{Kind: kind, Entries: []core.ChangeEntry[T]{{
			Path:       path,
			NewPath:    newPath,
			IsCategory: tree.IsCategoryPath(path),
		}}},
	}, nil
}

// Delete removes the node at path. A category must be empty.
func (c *Collection[T]) Delete(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if err := c.tree.ValidateDelete(path); err != nil {
			return nil, err
		}
		n, _ := c.node(path)
		if err := authorize(auth, n, core.AccessMaster); err != nil {
			return nil, err
		}
		if err := checkLock(auth, n); err != nil {
			return nil, err
		}
		if err := c.checkEditing(path); err != nil {
			return nil, err
		}

		entries := []core.ChangeEntry[T]{{Path: path, IsCategory: tree.IsCategoryPath(path)}}
		loc := c.records.location(path)
		return &mutation[T]{
			ctype:   CommitTypeFeat,
			subject: "delete " + path,
			paths:   []string{loc},
			write: func(store core.Store) error {
				return store.Delete(loc)
			},
			change: core.Change[T]{Kind: core.ItemsDeleted, Entries: entries},
		}, nil
	})
}

// SetPublic drops the node's own access list; it inherits again.
func (c *Collection[T]) SetPublic(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error {
	return c.changeAccess(ctx, auth, task, path, "set public", func(n node) (core.AccessInfo, error) {
		if !n.AccessInfo().Private {
			return core.AccessInfo{}, fmt.Errorf("%s is public: %w", path, core.ErrSameValue)
		}
		return core.AccessInfo{}, nil
	})
}

// SetPrivate gives the node its own access list owned by the caller. The
// members it inherited are kept.
func (c *Collection[T]) SetPrivate(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error {
	return c.changeAccess(ctx, auth, task, path, "set private", func(n node) (core.AccessInfo, error) {
		if n.AccessInfo().Private {
			return core.AccessInfo{}, fmt.Errorf("%s is private: %w", path, core.ErrSameValue)
		}
		next := core.ResolveAccess(n).Clone()
		next.Private = true
		next.Owner = auth.UserID
		return next, nil
	})
}

// AddAccessMember grants userID access t on a private node.
func (c *Collection[T]) AddAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string, t core.AccessType) error {
	return c.changeAccess(ctx, auth, task, path, "add member "+userID, func(n node) (core.AccessInfo, error) {
		cur := n.AccessInfo()
		if err := memberChange(cur, path, t); err != nil {
			return cur, err
		}
		if _, ok := cur.Member(userID); ok || cur.Owner == userID {
			return cur, fmt.Errorf("member %s of %s: %w", userID, path, core.ErrAlreadyExists)
		}
		return cur.WithMember(userID, t), nil
	})
}

// SetAccessMember changes the access of an existing member.
func (c *Collection[T]) SetAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string, t core.AccessType) error {
	return c.changeAccess(ctx, auth, task, path, "set member "+userID, func(n node) (core.AccessInfo, error) {
		cur := n.AccessInfo()
		if err := memberChange(cur, path, t); err != nil {
			return cur, err
		}
		old, ok := cur.Member(userID)
		if !ok {
			return cur, fmt.Errorf("member %s of %s: %w", userID, path, core.ErrNotFound)
		}
		if old == t {
			return cur, fmt.Errorf("member %s of %s is %s: %w", userID, path, t, core.ErrSameValue)
		}
		return cur.WithMember(userID, t), nil
	})
}

// RemoveAccessMember revokes a member.
func (c *Collection[T]) RemoveAccessMember(ctx context.Context, auth *core.Authentication, task core.TaskID, path, userID string) error {
	return c.changeAccess(ctx, auth, task, path, "remove member "+userID, func(n node) (core.AccessInfo, error) {
		cur := n.AccessInfo()
		if !cur.Private {
			return cur, fmt.Errorf("%s is public: %w", path, core.ErrConflict)
		}
		if _, ok := cur.Member(userID); !ok {
			return cur, fmt.Errorf("member %s of %s: %w", userID, path, core.ErrNotFound)
		}
		return cur.WithoutMember(userID), nil
	})
}

func memberChange(cur core.AccessInfo, path string, t core.AccessType) error {
	if !cur.Private {
		return fmt.Errorf("%s is public: %w", path, core.ErrConflict)
	}
	if t <= core.AccessNone || t >= core.AccessOwner {
		return fmt.Errorf("access type %s cannot be granted: %w", t, core.ErrConflict)
	}
	return nil
}

func (c *Collection[T]) changeAccess(ctx context.Context, auth *core.Authentication, task core.TaskID, path, subject string, next func(n node) (core.AccessInfo, error)) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if path == tree.RootPath {
			return nil, fmt.Errorf("root category: %w", core.ErrPermissionDenied)
		}
		n, err := c.node(path)
		if err != nil {
			return nil, err
		}
		if err := authorize(auth, n, core.AccessOwner); err != nil {
			return nil, err
		}
		if err := checkLock(auth, n); err != nil {
			return nil, err
		}
		access, err := next(n)
		if err != nil {
			return nil, err
		}
		return &mutation[T]{
			ctype:   CommitTypeChore,
			subject: subject + " on " + path,
			paths:   []string{c.records.location(path)},
			write:   c.rewrite(path, &access, nil, nil),
			change:  core.Change[T]{Kind: core.ItemsAccessChanged, Entries: []core.ChangeEntry[T]{{Path: path, IsCategory: tree.IsCategoryPath(path), Access: &access}}},
		}, nil
	})
}

// Lock places an explicit lock with comment on the node at path.
func (c *Collection[T]) Lock(ctx context.Context, auth *core.Authentication, task core.TaskID, path, comment string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if path == tree.RootPath {
			return nil, fmt.Errorf("root category: %w", core.ErrPermissionDenied)
		}
		n, err := c.node(path)
		if err != nil {
			return nil, err
		}
		if err := authorize(auth, n, core.AccessMaster); err != nil {
			return nil, err
		}
		if own := n.LockInfo(); own.Locked {
			return nil, fmt.Errorf("%s already locked by %s: %w", path, own.UserID, core.ErrLocked)
		}
		if err := checkLock(auth, n); err != nil {
			return nil, err
		}
		lock := core.NewLock(auth, comment)
		return c.planLock(path, "lock", lock), nil
	})
}

// Unlock removes the lock on the node at path. Only its holder or an
// administrator may.
func (c *Collection[T]) Unlock(ctx context.Context, auth *core.Authentication, task core.TaskID, path string) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		n, err := c.node(path)
		if err != nil {
			return nil, err
		}
		own := n.LockInfo()
		if !own.Locked {
			return nil, fmt.Errorf("%s is not locked: %w", path, core.ErrSameValue)
		}
		if own.UserID != auth.UserID && !auth.IsAdmin() {
			return nil, fmt.Errorf("%s locked by %s: %w", path, own.UserID, core.ErrLocked)
		}
		return c.planLock(path, "unlock", core.LockInfo{}), nil
	})
}

func (c *Collection[T]) planLock(path, verb string, lock core.LockInfo) *mutation[T] {
	return &mutation[T]{
		ctype:   CommitTypeChore,
		subject: verb + " " + path,
		paths:   []string{c.records.location(path)},
		write:   c.rewrite(path, nil, &lock, nil),
		change:  core.Change[T]{Kind: core.ItemsLockChanged, Entries: []core.ChangeEntry[T]{{Path: path, IsCategory: tree.IsCategoryPath(path), Lock: &lock}}},
	}
}

// SetPayload replaces the payload of the item at path. It fails while a
// domain edits the item.
func (c *Collection[T]) SetPayload(ctx context.Context, auth *core.Authentication, task core.TaskID, path string, payload T) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		if err := c.checkEditing(path); err != nil {
			return nil, err
		}
		return c.planPayload(auth, path, func(T) (T, error) { return payload, nil })
	})
}

func (c *Collection[T]) addItem(ctx context.Context, auth *core.Authentication, task core.TaskID, categoryPath, name string, raw protocol.RawMessage) error {
	payload, err := decodePayload[T](raw)
	if err != nil {
		return err
	}
	return c.AddNewItem(ctx, auth, task, categoryPath, name, payload)
}

func (c *Collection[T]) setPayload(ctx context.Context, auth *core.Authentication, task core.TaskID, path string, raw protocol.RawMessage) error {
	payload, err := decodePayload[T](raw)
	if err != nil {
		return err
	}
	return c.SetPayload(ctx, auth, task, path, payload)
}

// decodePayload reads a wire payload. An empty one is the zero value.
func decodePayload[T any](raw protocol.RawMessage) (T, error) {
	var zero T
	if len(raw) == 0 {
		return zero, nil
	}
	v, err := protocol.Decode[T](raw)
	if err != nil {
		return zero, fmt.Errorf("payload: %w: %v", core.ErrProtocolViolation, err)
	}
	return v, nil
}

// update rewrites the payload at path from its current value. It does not
// look at open domains: closing one writes through it.
func (c *Collection[T]) update(ctx context.Context, auth *core.Authentication, task core.TaskID, path string, next func(cur T) (T, error)) error {
	return c.mutate(ctx, auth, task, func() (*mutation[T], error) {
		return c.planPayload(auth, path, next)
	})
}

func (c *Collection[T]) planPayload(auth *core.Authentication, path string, next func(cur T) (T, error)) (*mutation[T], error) {
	i, ok := c.tree.Item(path)
	if !ok || tree.IsCategoryPath(path) {
		return nil, fmt.Errorf("item %s: %w", path, core.ErrNotFound)
	}
	if err := authorize(auth, i, core.AccessEditor); err != nil {
		return nil, err
	}
	if err := checkLock(auth, i); err != nil {
		return nil, err
	}
	payload, err := next(i.Payload())
	if err != nil {
		return nil, err
	}
	return &mutation[T]{
		ctype:   CommitTypeFeat,
		subject: "update " + path,
		paths:   []string{c.records.itemFile(path)},
		write:   c.rewrite(path, nil, nil, &payload),
		change:  core.Change[T]{Kind: core.ItemsChanged, Entries: []core.ChangeEntry[T]{{Path: path, Payload: &payload}}},
	}, nil
}

// rewrite returns a write re-encoding the record at path with the given
// fields replaced. It reads the current values when it is planned.
func (c *Collection[T]) rewrite(path string, access *core.AccessInfo, lock *core.LockInfo, payload *T) func(core.Store) error {
	if tree.IsCategoryPath(path) {
		cat, _ := c.tree.Category(path)
		a, l := cat.AccessInfo(), cat.LockInfo()
		if access != nil {
			a = *access
		}
		if lock != nil {
			l = *lock
		}
		return func(store core.Store) error {
			return c.records.writeCategory(store, path, a, l)
		}
	}
	i, _ := c.tree.Item(path)
	a, l, p := i.AccessInfo(), i.LockInfo(), i.Payload()
	if access != nil {
		a = *access
	}
	if lock != nil {
		l = *lock
	}
	if payload != nil {
		p = *payload
	}
	return func(store core.Store) error {
		return writeItem(c.records, store, path, p, a, l)
	}
}
