package core

// ChangeKind names a replicated tree mutation.
type ChangeKind string

const (
	ItemsCreated       ChangeKind = "items.created"
	ItemsRenamed       ChangeKind = "items.renamed"
	ItemsMoved         ChangeKind = "items.moved"
	ItemsDeleted       ChangeKind = "items.deleted"
	ItemsAccessChanged ChangeKind = "items.access"
	ItemsLockChanged   ChangeKind = "items.lock"
	ItemsChanged       ChangeKind = "items.changed"
	ItemsReset         ChangeKind = "items.reset"
)

// ChangeEntry is one affected node of a Change.
//
// Path is the node's path before the change. NewPath is set by renames and
// moves. Payload, Access and Lock carry the new values for the kinds that
// set them.
type ChangeEntry[T any] struct {
	Path       string      `json:"path"`
	NewPath    string      `json:"new_path,omitempty"`
	IsCategory bool        `json:"is_category,omitempty"`
	Payload    *T          `json:"payload,omitempty"`
	Access     *AccessInfo `json:"access,omitempty"`
	Lock       *LockInfo   `json:"lock,omitempty"`
}

// Change is the unit of replication. The authoritative side applies it after
// a successful commit; mirrors apply the very same value from a callback.
type Change[T any] struct {
	Kind     ChangeKind       `json:"kind"`
	Entries  []ChangeEntry[T] `json:"entries,omitempty"`
	Snapshot *Snapshot[T]     `json:"snapshot,omitempty"`
}

// CategoryRecord is a category as captured by a snapshot.
type CategoryRecord struct {
	Path   string     `json:"path" yaml:"path"`
	Access AccessInfo `json:"access" yaml:"access,omitempty"`
	Lock   LockInfo   `json:"lock" yaml:"lock,omitempty"`
}

// ItemRecord is an item as captured by a snapshot.
type ItemRecord[T any] struct {
	Path    string     `json:"path" yaml:"path"`
	Payload T          `json:"payload" yaml:"payload"`
	Access  AccessInfo `json:"access" yaml:"access,omitempty"`
	Lock    LockInfo   `json:"lock" yaml:"lock,omitempty"`
}

// Snapshot is the complete state of one tree. Categories are ordered parents
// first.
type Snapshot[T any] struct {
	Categories []CategoryRecord `json:"categories"`
	Items      []ItemRecord[T]  `json:"items"`
}

// ItemState describes a node in a local event, with enough old values to
// reconstruct what it looked like before.
type ItemState struct {
	Path       string     `json:"path"`
	OldPath    string     `json:"old_path,omitempty"`
	Name       string     `json:"name"`
	OldName    string     `json:"old_name,omitempty"`
	IsCategory bool       `json:"is_category,omitempty"`
	Access     AccessInfo `json:"access"`
	Lock       LockInfo   `json:"lock"`
}

// ItemsEvent is delivered to local subscribers of a replicated tree, once per
// applied change, in commit order.
type ItemsEvent struct {
	Kind   ChangeKind
	TaskID TaskID
	UserID string
	Items  []ItemState
}
