package core

import "fmt"

// AccessType is the level of rights a member holds on a private node.
type AccessType int

const (
	AccessNone AccessType = iota
	AccessGuest
	AccessEditor
	AccessMaster
	AccessOwner
)

func (t AccessType) String() string {
	switch t {
	case AccessGuest:
		return "guest"
	case AccessEditor:
		return "editor"
	case AccessMaster:
		return "master"
	case AccessOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseAccessType is the inverse of AccessType.String.
func ParseAccessType(s string) (AccessType, error) {
	for t := AccessNone; t <= AccessOwner; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return AccessNone, fmt.Errorf("unknown access type %q", s)
}

// AccessMember is one entry of an access control list.
type AccessMember struct {
	UserID string     `json:"user_id" yaml:"user_id"`
	Type   AccessType `json:"type" yaml:"type"`
}

// AccessInfo is the access control state declared on a node.
// A public node (Private == false) inherits the nearest private ancestor.
type AccessInfo struct {
	Private bool           `json:"private,omitempty" yaml:"private,omitempty"`
	Owner   string         `json:"owner,omitempty" yaml:"owner,omitempty"`
	Members []AccessMember `json:"members,omitempty" yaml:"members,omitempty"`
}

// Member returns the access type registered for userID.
func (a AccessInfo) Member(userID string) (AccessType, bool) {
	for _, m := range a.Members {
		if m.UserID == userID {
			return m.Type, true
		}
	}
	return AccessNone, false
}

// Clone returns a deep copy.
func (a AccessInfo) Clone() AccessInfo {
	c := a
	if a.Members != nil {
		c.Members = append([]AccessMember(nil), a.Members...)
	}
	return c
}

// WithMember returns a copy with userID set to t (added or replaced).
func (a AccessInfo) WithMember(userID string, t AccessType) AccessInfo {
	c := a.Clone()
	for i, m := range c.Members {
		if m.UserID == userID {
			c.Members[i].Type = t
			return c
		}
	}
	c.Members = append(c.Members, AccessMember{UserID: userID, Type: t})
	return c
}

// WithoutMember returns a copy with userID removed.
func (a AccessInfo) WithoutMember(userID string) AccessInfo {
	c := a.Clone()
	out := c.Members[:0]
	for _, m := range c.Members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	c.Members = out
	return c
}

// EffectiveAccess computes what auth may do on a node whose resolved access
// info is a. Administrators own everything, guests only read, and on public
// nodes members hold every right.
func EffectiveAccess(a AccessInfo, auth *Authentication) AccessType {
	switch {
	case auth.Authority == AuthorityAdmin:
		return AccessOwner
	case auth.Authority == AuthorityGuest:
		return AccessGuest
	case !a.Private:
		return AccessOwner
	case a.Owner == auth.UserID:
		return AccessOwner
	}
	if t, ok := a.Member(auth.UserID); ok {
		return t
	}
	return AccessNone
}
