package tree

import (
	"fmt"
	"sort"

	"github.com/aretw0/tessera/pkg/core"
)

// Apply mutates t as described by ch and returns the states of the affected
// nodes after the change. The authoritative side calls it after a successful
// commit; mirrors call it with the same value from a callback.
//
// Created entries are applied categories first, shallowest first; deleted
// entries items first, then categories deepest first.
func Apply[T any](t *Tree[T], ch core.Change[T]) ([]core.ItemState, error) {
	entries := append([]core.ChangeEntry[T](nil), ch.Entries...)
	var states []core.ItemState

	switch ch.Kind {
	case core.ItemsCreated:
		sortForCreate(entries)
		for _, e := range entries {
			var err error
			if IsCategoryPath(e.Path) {
				err = t.addCategory(e.Path, access(e), lock(e))
			} else {
				var payload T
				if e.Payload != nil {
					payload = *e.Payload
				}
				err = t.addItem(e.Path, payload, access(e), lock(e))
			}
			if err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, t.state(e.Path, ""))
		}

	case core.ItemsRenamed, core.ItemsMoved:
		for _, e := range entries {
			if err := t.relocate(e.Path, e.NewPath); err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, t.state(e.NewPath, e.Path))
		}

	case core.ItemsDeleted:
		sortForDelete(entries)
		for _, e := range entries {
			st := t.state(e.Path, "")
			if err := t.remove(e.Path); err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, st)
		}

	case core.ItemsAccessChanged:
		for _, e := range entries {
			if err := t.setAccess(e.Path, access(e)); err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, t.state(e.Path, ""))
		}

	case core.ItemsLockChanged:
		for _, e := range entries {
			if err := t.setLock(e.Path, lock(e)); err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, t.state(e.Path, ""))
		}

	case core.ItemsChanged:
		for _, e := range entries {
			if e.Payload == nil {
				return states, violation(ch.Kind, fmt.Errorf("entry %s has no payload", e.Path))
			}
			if err := t.setPayload(e.Path, *e.Payload); err != nil {
				return states, violation(ch.Kind, err)
			}
			states = append(states, t.state(e.Path, ""))
		}

	case core.ItemsReset:
		if ch.Snapshot == nil {
			return nil, violation(ch.Kind, fmt.Errorf("missing snapshot"))
		}
		if err := t.Reset(*ch.Snapshot); err != nil {
			return nil, violation(ch.Kind, err)
		}
		for _, c := range t.Categories() {
			states = append(states, t.state(c.Path(), ""))
		}
		for _, i := range t.Items() {
			states = append(states, t.state(i.Path(), ""))
		}

	default:
		return nil, violation(ch.Kind, fmt.Errorf("unknown change kind"))
	}
	return states, nil
}

func violation(kind core.ChangeKind, err error) error {
	return fmt.Errorf("apply %s: %v: %w", kind, err, core.ErrProtocolViolation)
}

func access[T any](e core.ChangeEntry[T]) core.AccessInfo {
	if e.Access == nil {
		return core.AccessInfo{}
	}
	return *e.Access
}

func lock[T any](e core.ChangeEntry[T]) core.LockInfo {
	if e.Lock == nil {
		return core.LockInfo{}
	}
	return *e.Lock
}

func sortForCreate[T any](entries []core.ChangeEntry[T]) {
	sort.SliceStable(entries, func(i, j int) bool {
		ci, cj := IsCategoryPath(entries[i].Path), IsCategoryPath(entries[j].Path)
		if ci != cj {
			return ci
		}
		if ci {
			return Depth(entries[i].Path) < Depth(entries[j].Path)
		}
		return false
	})
}

func sortForDelete[T any](entries []core.ChangeEntry[T]) {
	sort.SliceStable(entries, func(i, j int) bool {
		ci, cj := IsCategoryPath(entries[i].Path), IsCategoryPath(entries[j].Path)
		if ci != cj {
			return !ci
		}
		if ci {
			return Depth(entries[i].Path) > Depth(entries[j].Path)
		}
		return false
	})
}

// State describes the node at path; oldPath is set for relocations.
func (t *Tree[T]) State(path string) (core.ItemState, bool) {
	if _, ok := t.Node(path); !ok {
		return core.ItemState{}, false
	}
	return t.state(path, ""), true
}

func (t *Tree[T]) state(path, oldPath string) core.ItemState {
	st := core.ItemState{Path: path, IsCategory: IsCategoryPath(path)}
	_, st.Name = Split(path)
	if oldPath != "" {
		st.OldPath = oldPath
		_, st.OldName = Split(oldPath)
	}
	if st.IsCategory {
		if c, ok := t.categories[path]; ok {
			st.Access = c.access.Clone()
			st.Lock = c.lock
		}
	} else if i, ok := t.items[path]; ok {
		st.Access = i.access.Clone()
		st.Lock = i.lock
	}
	return st
}
