package client

import (
	"context"
	"fmt"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
	"github.com/aretw0/tessera/pkg/tree"
)

// Collection mirrors one replicated tree of the host. Its nodes change only
// when a callback is applied; the write methods ask the host and return
// once the resulting callback has been applied here.
type Collection[T any] struct {
	c        *Context
	d        *dispatch.Dispatcher
	dataBase string
	target   string
	src      func() *source
	tree     *tree.Tree[T]
	events   *dispatch.Registry[core.ItemsEvent]
}

func newCollection[T any](c *Context, d *dispatch.Dispatcher, dataBase, target string, src func() *source) *Collection[T] {
	return &Collection[T]{
		c:        c,
		d:        d,
		dataBase: dataBase,
		target:   target,
		src:      src,
		tree:     tree.New[T](),
		events:   dispatch.NewRegistry[core.ItemsEvent](d),
	}
}

// Target names the collection on the wire.
func (m *Collection[T]) Target() string { return m.target }

// reset replaces the mirror with a snapshot. It runs on the owner dispatcher.
func (m *Collection[T]) reset(ctx context.Context, s core.Snapshot[T]) error {
	if err := m.d.VerifyAccess(ctx); err != nil {
		return err
	}
	return m.tree.Reset(s)
}

// apply mirrors one tree change and raises the local event.
func (m *Collection[T]) apply(ctx context.Context, cb protocol.Callback) error {
	ch, err := protocol.Decode[core.Change[T]](cb.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrProtocolViolation, err)
	}
	if ch.Kind == core.ItemsReset {
		if ch.Snapshot == nil {
			return fmt.Errorf("reset without snapshot: %w", core.ErrProtocolViolation)
		}
		if err := m.reset(ctx, *ch.Snapshot); err != nil {
			return err
		}
		return m.events.Emit(ctx, core.ItemsEvent{Kind: ch.Kind, TaskID: firstTask(cb), UserID: cb.UserID})
	}
	states, err := tree.Apply(m.tree, ch)
	if err != nil {
		return err
	}
	return m.events.Emit(ctx, core.ItemsEvent{Kind: ch.Kind, TaskID: firstTask(cb), UserID: cb.UserID, Items: states})
}

func firstTask(cb protocol.Callback) core.TaskID {
	if len(cb.TaskIDs) == 0 {
		return core.TaskID{}
	}
	return cb.TaskIDs[0]
}

// Subscribe registers fn for the local events of kind, or for every kind
// when kind is empty. Events are delivered on the owner dispatcher in commit
// order.
func (m *Collection[T]) Subscribe(kind core.ChangeKind, fn func(ctx context.Context, e core.ItemsEvent)) (unsubscribe func()) {
	return m.events.Subscribe(func(ctx context.Context, e core.ItemsEvent) {
		if kind == "" || e.Kind == kind {
			fn(ctx, e)
		}
	})
}

// Snapshot returns the whole mirror.
func (m *Collection[T]) Snapshot(ctx context.Context) (core.Snapshot[T], error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) (core.Snapshot[T], error) {
		return m.tree.Snapshot(), nil
	})
}

// Category returns the category at path.
func (m *Collection[T]) Category(ctx context.Context, path string) (core.CategoryRecord, error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) (core.CategoryRecord, error) {
		cat, ok := m.tree.Category(path)
		if !ok {
			return core.CategoryRecord{}, fmt.Errorf("category %s: %w", path, core.ErrNotFound)
		}
		return core.CategoryRecord{Path: cat.Path(), Access: cat.AccessInfo(), Lock: cat.LockInfo()}, nil
	})
}

// Item returns the item at path.
func (m *Collection[T]) Item(ctx context.Context, path string) (core.ItemRecord[T], error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) (core.ItemRecord[T], error) {
		i, ok := m.tree.Item(path)
		if !ok {
			return core.ItemRecord[T]{}, fmt.Errorf("item %s: %w", path, core.ErrNotFound)
		}
		return record(i), nil
	})
}

// ItemByName returns the item called name wherever it is.
func (m *Collection[T]) ItemByName(ctx context.Context, name string) (core.ItemRecord[T], error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) (core.ItemRecord[T], error) {
		i, ok := m.tree.ItemByName(name)
		if !ok {
			return core.ItemRecord[T]{}, fmt.Errorf("item %s: %w", name, core.ErrNotFound)
		}
		return record(i), nil
	})
}

// Items returns every item ordered by path.
func (m *Collection[T]) Items(ctx context.Context) ([]core.ItemRecord[T], error) {
	return dispatch.InvokeValue(ctx, m.d, func(context.Context) ([]core.ItemRecord[T], error) {
		items := m.tree.Items()
		out := make([]core.ItemRecord[T], 0, len(items))
		for _, i := range items {
			out = append(out, record(i))
		}
		return out, nil
	})
}

func record[T any](i *tree.Item[T]) core.ItemRecord[T] {
	return core.ItemRecord[T]{Path: i.Path(), Payload: i.Payload(), Access: i.AccessInfo(), Lock: i.LockInfo()}
}

// send issues a tree write and waits for its callback on the collection's
// source.
func (m *Collection[T]) send(ctx context.Context, method string, p protocol.TreeParams) error {
	src := m.src()
	if src == nil {
		return fmt.Errorf("%s %s: source gone: %w", method, m.target, core.ErrCanceled)
	}
	p.TaskID = taskFrom(ctx)
	p.DataBase = m.dataBase
	p.Target = m.target
	return m.c.write(ctx, method, p, nil, completion{src: src, id: p.TaskID})
}

// AddNewCategory creates the category name inside parentPath.
func (m *Collection[T]) AddNewCategory(ctx context.Context, parentPath, name string) error {
	return m.send(ctx, protocol.MethodAddCategory, protocol.TreeParams{Path: parentPath, Name: name})
}

// AddNewItem creates the item name inside categoryPath.
func (m *Collection[T]) AddNewItem(ctx context.Context, categoryPath, name string, payload T) error {
	raw, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	return m.send(ctx, protocol.MethodAddItem, protocol.TreeParams{Path: categoryPath, Name: name, Payload: raw})
}

// Rename renames the node at path.
func (m *Collection[T]) Rename(ctx context.Context, path, newName string) error {
	return m.send(ctx, protocol.MethodRename, protocol.TreeParams{Path: path, Name: newName})
}

// Move moves the node at path under newParentPath.
func (m *Collection[T]) Move(ctx context.Context, path, newParentPath string) error {
	return m.send(ctx, protocol.MethodMove, protocol.TreeParams{Path: path, Parent: newParentPath})
}

// Delete deletes the node at path. Categories must be empty.
func (m *Collection[T]) Delete(ctx context.Context, path string) error {
	return m.send(ctx, protocol.MethodDelete, protocol.TreeParams{Path: path})
}

func (m *Collection[T]) SetPublic(ctx context.Context, path string) error {
	return m.send(ctx, protocol.MethodSetPublic, protocol.TreeParams{Path: path})
}

func (m *Collection[T]) SetPrivate(ctx context.Context, path string) error {
	return m.send(ctx, protocol.MethodSetPrivate, protocol.TreeParams{Path: path})
}

func (m *Collection[T]) AddAccessMember(ctx context.Context, path, userID string, t core.AccessType) error {
	return m.send(ctx, protocol.MethodAddMember, protocol.TreeParams{Path: path, UserID: userID, Access: t})
}

func (m *Collection[T]) SetAccessMember(ctx context.Context, path, userID string, t core.AccessType) error {
	return m.send(ctx, protocol.MethodSetMember, protocol.TreeParams{Path: path, UserID: userID, Access: t})
}

func (m *Collection[T]) RemoveAccessMember(ctx context.Context, path, userID string) error {
	return m.send(ctx, protocol.MethodRemoveMember, protocol.TreeParams{Path: path, UserID: userID})
}

// Lock locks the node at path with comment.
func (m *Collection[T]) Lock(ctx context.Context, path, comment string) error {
	return m.send(ctx, protocol.MethodLock, protocol.TreeParams{Path: path, Comment: comment})
}

func (m *Collection[T]) Unlock(ctx context.Context, path string) error {
	return m.send(ctx, protocol.MethodUnlock, protocol.TreeParams{Path: path})
}

// SetPayload replaces the payload of the item at path.
func (m *Collection[T]) SetPayload(ctx context.Context, path string, payload T) error {
	raw, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	return m.send(ctx, protocol.MethodSetPayload, protocol.TreeParams{Path: path, Payload: raw})
}
