package tree

import (
	"sort"

	"github.com/aretw0/tessera/pkg/core"
)

// Category is an internal node.
type Category[T any] struct {
	name       string
	parent     *Category[T]
	access     core.AccessInfo
	lock       core.LockInfo
	categories map[string]*Category[T]
	items      map[string]*Item[T]
}

func newCategory[T any](name string, parent *Category[T]) *Category[T] {
	return &Category[T]{
		name:       name,
		parent:     parent,
		categories: make(map[string]*Category[T]),
		items:      make(map[string]*Item[T]),
	}
}

func (c *Category[T]) Name() string { return c.name }

// Path is recomputed from the ancestor chain and always ends with a slash.
func (c *Category[T]) Path() string {
	if c.parent == nil {
		return RootPath
	}
	return CategoryPath(c.parent.Path(), c.name)
}

// ParentNode returns nil for the root.
func (c *Category[T]) ParentNode() core.Node {
	if c.parent == nil {
		return nil
	}
	return c.parent
}

func (c *Category[T]) Parent() *Category[T]        { return c.parent }
func (c *Category[T]) IsRoot() bool                 { return c.parent == nil }
func (c *Category[T]) AccessInfo() core.AccessInfo { return c.access.Clone() }
func (c *Category[T]) LockInfo() core.LockInfo     { return c.lock }

// Categories returns the child categories sorted by name.
func (c *Category[T]) Categories() []*Category[T] {
	out := make([]*Category[T], 0, len(c.categories))
	for _, child := range c.categories {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Items returns the child items sorted by name.
func (c *Category[T]) Items() []*Item[T] {
	out := make([]*Item[T], 0, len(c.items))
	for _, child := range c.items {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// IsEmpty reports whether the category has no children at all.
func (c *Category[T]) IsEmpty() bool {
	return len(c.categories) == 0 && len(c.items) == 0
}

// Walk visits c and its descendants parents first.
func (c *Category[T]) Walk(category func(*Category[T]), item func(*Item[T])) {
	if category != nil {
		category(c)
	}
	if item != nil {
		for _, i := range c.Items() {
			item(i)
		}
	}
	for _, child := range c.Categories() {
		child.Walk(category, item)
	}
}

// Item is a leaf node carrying a payload.
type Item[T any] struct {
	name    string
	parent  *Category[T]
	access  core.AccessInfo
	lock    core.LockInfo
	payload T
}

func (i *Item[T]) Name() string                 { return i.name }
func (i *Item[T]) Path() string                 { return ItemPath(i.parent.Path(), i.name) }
func (i *Item[T]) ParentNode() core.Node        { return i.parent }
func (i *Item[T]) Parent() *Category[T]         { return i.parent }
func (i *Item[T]) AccessInfo() core.AccessInfo { return i.access.Clone() }
func (i *Item[T]) LockInfo() core.LockInfo     { return i.lock }

// Payload returns a copy of the payload.
func (i *Item[T]) Payload() T { return clonePayload(i.payload) }

type cloner[T any] interface {
	Clone() T
}

func clonePayload[T any](v T) T {
	if c, ok := any(v).(cloner[T]); ok {
		return c.Clone()
	}
	return v
}

var (
	_ core.Accessible = (*Category[core.TableInfo])(nil)
	_ core.Lockable   = (*Category[core.TableInfo])(nil)
	_ core.Accessible = (*Item[core.TableInfo])(nil)
	_ core.Lockable   = (*Item[core.TableInfo])(nil)
)
