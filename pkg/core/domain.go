package core

import (
	"github.com/google/uuid"
)

// DomainKind names what an edit session works on.
type DomainKind string

const (
	DomainTableContent  DomainKind = "table.content"
	DomainTableTemplate DomainKind = "table.template"
	DomainTypeTemplate  DomainKind = "type.template"
)

// Target returns the collection the kind edits ("tables" or "types").
func (k DomainKind) Target() string {
	if k == DomainTypeTemplate {
		return TargetTypes
	}
	return TargetTables
}

// Collection targets inside a data base.
const (
	TargetTypes  = "types"
	TargetTables = "tables"
)

// DomainUser is one participant of a domain.
type DomainUser struct {
	UserID           string `json:"user_id"`
	Name             string `json:"name"`
	AuthenticationID string `json:"authentication_id"`
	IsOwner          bool   `json:"is_owner,omitempty"`
}

// DomainInfo is the shared description of one edit session.
// Path is the edited item; for IsNew domains it is the item to be created.
type DomainInfo struct {
	ID       uuid.UUID    `json:"id"`
	DataBase string       `json:"data_base"`
	Kind     DomainKind   `json:"kind"`
	Path     string       `json:"path"`
	IsNew    bool         `json:"is_new,omitempty"`
	Users    []DomainUser `json:"users,omitempty"`
	Modified bool         `json:"modified,omitempty"`
	Attached bool         `json:"attached,omitempty"`
}

// Owner returns the owning participant, if any.
func (d DomainInfo) Owner() (DomainUser, bool) {
	for _, u := range d.Users {
		if u.IsOwner {
			return u, true
		}
	}
	return DomainUser{}, false
}

// HasUser reports whether an authentication participates.
func (d DomainInfo) HasUser(authenticationID string) bool {
	for _, u := range d.Users {
		if u.AuthenticationID == authenticationID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d DomainInfo) Clone() DomainInfo {
	c := d
	c.Users = append([]DomainUser(nil), d.Users...)
	return c
}

// DomainData is the working copy of a domain.
type DomainData struct {
	Properties map[string]string `json:"properties,omitempty"`
	Rows       []Row             `json:"rows,omitempty"`
}

// Clone returns a deep copy.
func (d DomainData) Clone() DomainData {
	c := DomainData{}
	if d.Properties != nil {
		c.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	for _, r := range d.Rows {
		c.Rows = append(c.Rows, r.Clone())
	}
	return c
}

// RowIndex returns the position of the row with key, or -1.
func (d DomainData) RowIndex(key string) int {
	for i, r := range d.Rows {
		if r.Key == key {
			return i
		}
	}
	return -1
}

// DomainEventKind names a domain broadcast.
type DomainEventKind string

const (
	DomainCreated         DomainEventKind = "domain.created"
	DomainUserAdded       DomainEventKind = "domain.user_added"
	DomainUserRemoved     DomainEventKind = "domain.user_removed"
	DomainOwnerChanged    DomainEventKind = "domain.owner_changed"
	DomainRowChanged      DomainEventKind = "domain.row_changed"
	DomainPropertyChanged DomainEventKind = "domain.property_changed"
	DomainHostChanged     DomainEventKind = "domain.host_changed"
	DomainDeleted         DomainEventKind = "domain.deleted"
)

// RowAction qualifies a DomainRowChanged event.
type RowAction string

const (
	RowInserted RowAction = "insert"
	RowUpdated  RowAction = "update"
	RowRemoved  RowAction = "remove"
)

// DomainEvent is the payload of every callback of the domains source.
// Info is the domain as it stands after the event.
type DomainEvent struct {
	Kind       DomainEventKind `json:"kind"`
	Info       DomainInfo      `json:"info"`
	UserID     string          `json:"user_id,omitempty"`
	Data       *DomainData     `json:"data,omitempty"`
	Action     RowAction       `json:"action,omitempty"`
	Row        *Row            `json:"row,omitempty"`
	Property   string          `json:"property,omitempty"`
	Value      string          `json:"value,omitempty"`
	IsCanceled bool            `json:"is_canceled,omitempty"`
}

// DomainRecord is a domain captured by a snapshot of the domains source.
type DomainRecord struct {
	Info DomainInfo `json:"info"`
	Data DomainData `json:"data"`
}
