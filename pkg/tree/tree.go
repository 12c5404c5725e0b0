// Package tree is the category/item algorithm shared by the authoritative
// collections and their mirrors. A Tree is not synchronized; its owner keeps
// it on a dispatcher.
package tree

import (
	"fmt"
	"sort"

	"github.com/aretw0/tessera/pkg/core"
)

// Tree is a rooted hierarchy of categories and items. Item names are unique
// across the whole tree.
type Tree[T any] struct {
	root       *Category[T]
	categories map[string]*Category[T]
	items      map[string]*Item[T]
	names      map[string]*Item[T]
}

// New returns a tree holding only the root category.
func New[T any]() *Tree[T] {
	t := &Tree[T]{}
	t.clear()
	return t
}

func (t *Tree[T]) clear() {
	t.root = newCategory[T]("", nil)
	t.categories = map[string]*Category[T]{RootPath: t.root}
	t.items = make(map[string]*Item[T])
	t.names = make(map[string]*Item[T])
}

func (t *Tree[T]) Root() *Category[T] { return t.root }

// Category looks a category up by path.
func (t *Tree[T]) Category(path string) (*Category[T], bool) {
	c, ok := t.categories[path]
	return c, ok
}

// Item looks an item up by path.
func (t *Tree[T]) Item(path string) (*Item[T], bool) {
	i, ok := t.items[path]
	return i, ok
}

// ItemByName looks an item up by its collection-unique name.
func (t *Tree[T]) ItemByName(name string) (*Item[T], bool) {
	i, ok := t.names[name]
	return i, ok
}

// Node looks up a category or an item depending on the shape of path.
func (t *Tree[T]) Node(path string) (core.Node, bool) {
	if IsCategoryPath(path) {
		c, ok := t.categories[path]
		if !ok {
			return nil, false
		}
		return c, true
	}
	i, ok := t.items[path]
	if !ok {
		return nil, false
	}
	return i, true
}

// Categories returns every category sorted by path, the root first.
func (t *Tree[T]) Categories() []*Category[T] {
	out := make([]*Category[T], 0, len(t.categories))
	for _, c := range t.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// Items returns every item sorted by path.
func (t *Tree[T]) Items() []*Item[T] {
	out := make([]*Item[T], 0, len(t.items))
	for _, i := range t.items {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path() < out[b].Path() })
	return out
}

// Len returns the number of categories (root included) and items.
func (t *Tree[T]) Len() (categories, items int) {
	return len(t.categories), len(t.items)
}

// Snapshot captures the whole tree, parents before children.
func (t *Tree[T]) Snapshot() core.Snapshot[T] {
	s := core.Snapshot[T]{}
	for _, c := range t.Categories() {
		s.Categories = append(s.Categories, core.CategoryRecord{
			Path:   c.Path(),
			Access: c.access.Clone(),
			Lock:   c.lock,
		})
	}
	for _, i := range t.Items() {
		s.Items = append(s.Items, core.ItemRecord[T]{
			Path:    i.Path(),
			Payload: clonePayload(i.payload),
			Access:  i.access.Clone(),
			Lock:    i.lock,
		})
	}
	return s
}

// Reset replaces the whole content with s. The tree is left untouched when s
// is inconsistent.
func (t *Tree[T]) Reset(s core.Snapshot[T]) error {
	next := New[T]()
	cats := append([]core.CategoryRecord(nil), s.Categories...)
	sort.SliceStable(cats, func(i, j int) bool { return Depth(cats[i].Path) < Depth(cats[j].Path) })
	for _, rec := range cats {
		if rec.Path == RootPath {
			next.root.access = rec.Access.Clone()
			next.root.lock = rec.Lock
			continue
		}
		if err := next.addCategory(rec.Path, rec.Access, rec.Lock); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	for _, rec := range s.Items {
		if err := next.addItem(rec.Path, rec.Payload, rec.Access, rec.Lock); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	*t = *next
	return nil
}

func (t *Tree[T]) addCategory(path string, access core.AccessInfo, lock core.LockInfo) error {
	if !IsCategoryPath(path) || path == RootPath {
		return fmt.Errorf("category path %q: %w", path, core.ErrInvalidName)
	}
	if _, ok := t.categories[path]; ok {
		return fmt.Errorf("category %s: %w", path, core.ErrAlreadyExists)
	}
	parentPath, name := Split(path)
	parent, ok := t.categories[parentPath]
	if !ok {
		return fmt.Errorf("category %s: %w", parentPath, core.ErrNotFound)
	}
	c := newCategory(name, parent)
	c.access = access.Clone()
	c.lock = lock
	parent.categories[name] = c
	t.categories[path] = c
	return nil
}

func (t *Tree[T]) addItem(path string, payload T, access core.AccessInfo, lock core.LockInfo) error {
	if IsCategoryPath(path) {
		return fmt.Errorf("item path %q: %w", path, core.ErrInvalidName)
	}
	parentPath, name := Split(path)
	if _, ok := t.names[name]; ok {
		return fmt.Errorf("item %s: %w", name, core.ErrAlreadyExists)
	}
	parent, ok := t.categories[parentPath]
	if !ok {
		return fmt.Errorf("category %s: %w", parentPath, core.ErrNotFound)
	}
	i := &Item[T]{name: name, parent: parent, access: access.Clone(), lock: lock, payload: clonePayload(payload)}
	parent.items[name] = i
	t.items[path] = i
	t.names[name] = i
	return nil
}

// relocate moves or renames the node at from so that it lives at to.
func (t *Tree[T]) relocate(from, to string) error {
	parentPath, name := Split(to)
	parent, ok := t.categories[parentPath]
	if !ok {
		return fmt.Errorf("category %s: %w", parentPath, core.ErrNotFound)
	}

	if !IsCategoryPath(from) {
		i, ok := t.items[from]
		if !ok {
			return fmt.Errorf("item %s: %w", from, core.ErrNotFound)
		}
		if other, taken := t.names[name]; taken && other != i {
			return fmt.Errorf("item %s: %w", name, core.ErrAlreadyExists)
		}
		delete(i.parent.items, i.name)
		delete(t.items, from)
		delete(t.names, i.name)
		i.name = name
		i.parent = parent
		parent.items[name] = i
		t.items[to] = i
		t.names[name] = i
		return nil
	}

	c, ok := t.categories[from]
	if !ok || c.IsRoot() {
		return fmt.Errorf("category %s: %w", from, core.ErrNotFound)
	}
	if _, taken := parent.categories[name]; taken {
		return fmt.Errorf("category %s: %w", to, core.ErrAlreadyExists)
	}
	if IsWithin(parentPath, from) {
		return fmt.Errorf("move %s into its own subtree: %w", from, core.ErrConflict)
	}
	t.unindex(c)
	delete(c.parent.categories, c.name)
	c.name = name
	c.parent = parent
	parent.categories[name] = c
	t.index(c)
	return nil
}

func (t *Tree[T]) unindex(c *Category[T]) {
	c.Walk(func(cat *Category[T]) {
		delete(t.categories, cat.Path())
	}, func(i *Item[T]) {
		delete(t.items, i.Path())
	})
}

func (t *Tree[T]) index(c *Category[T]) {
	c.Walk(func(cat *Category[T]) {
		t.categories[cat.Path()] = cat
	}, func(i *Item[T]) {
		t.items[i.Path()] = i
	})
}

func (t *Tree[T]) remove(path string) error {
	if !IsCategoryPath(path) {
		i, ok := t.items[path]
		if !ok {
			return fmt.Errorf("item %s: %w", path, core.ErrNotFound)
		}
		delete(i.parent.items, i.name)
		delete(t.items, path)
		delete(t.names, i.name)
		return nil
	}
	c, ok := t.categories[path]
	if !ok || c.IsRoot() {
		return fmt.Errorf("category %s: %w", path, core.ErrNotFound)
	}
	if !c.IsEmpty() {
		return fmt.Errorf("category %s: %w", path, core.ErrNotEmpty)
	}
	delete(c.parent.categories, c.name)
	delete(t.categories, path)
	return nil
}

func (t *Tree[T]) setAccess(path string, access core.AccessInfo) error {
	if c, ok := t.categories[path]; ok {
		c.access = access.Clone()
		return nil
	}
	if i, ok := t.items[path]; ok {
		i.access = access.Clone()
		return nil
	}
	return fmt.Errorf("node %s: %w", path, core.ErrNotFound)
}

func (t *Tree[T]) setLock(path string, lock core.LockInfo) error {
	if c, ok := t.categories[path]; ok {
		c.lock = lock
		return nil
	}
	if i, ok := t.items[path]; ok {
		i.lock = lock
		return nil
	}
	return fmt.Errorf("node %s: %w", path, core.ErrNotFound)
}

func (t *Tree[T]) setPayload(path string, payload T) error {
	i, ok := t.items[path]
	if !ok {
		return fmt.Errorf("item %s: %w", path, core.ErrNotFound)
	}
	i.payload = clonePayload(payload)
	return nil
}
