package core

// Node is a named element of a hierarchical collection.
type Node interface {
	Name() string
	Path() string
	// ParentNode returns nil for the root.
	ParentNode() Node
}

// Accessible is a node carrying declared access info.
type Accessible interface {
	Node
	AccessInfo() AccessInfo
}

// Lockable is a node carrying lock state.
type Lockable interface {
	Node
	LockInfo() LockInfo
}

// ResolveAccess returns the access info governing n: its own when private,
// otherwise the nearest private ancestor's, otherwise a public info.
func ResolveAccess(n Accessible) AccessInfo {
	for cur := Node(n); cur != nil; cur = cur.ParentNode() {
		a, ok := cur.(Accessible)
		if !ok {
			continue
		}
		if info := a.AccessInfo(); info.Private {
			return info
		}
	}
	return AccessInfo{}
}

// ResolveLock returns the lock governing n: its own or the nearest locked ancestor's.
func ResolveLock(n Lockable) (LockInfo, string) {
	for cur := Node(n); cur != nil; cur = cur.ParentNode() {
		l, ok := cur.(Lockable)
		if !ok {
			continue
		}
		if info := l.LockInfo(); info.Locked {
			return info, cur.Path()
		}
	}
	return LockInfo{}, ""
}
