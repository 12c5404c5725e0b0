package core

import "time"

// LockInfo describes an explicit lock placed on a node or a data base.
type LockInfo struct {
	Locked   bool      `json:"locked,omitempty" yaml:"locked,omitempty"`
	UserID   string    `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Comment  string    `json:"comment,omitempty" yaml:"comment,omitempty"`
	DateTime time.Time `json:"date_time,omitempty" yaml:"date_time,omitempty"`
}

// NewLock returns a lock owned by auth.
func NewLock(auth *Authentication, comment string) LockInfo {
	return LockInfo{
		Locked:   true,
		UserID:   auth.UserID,
		Comment:  comment,
		DateTime: time.Now().UTC(),
	}
}

// Blocks reports whether the lock prevents auth from writing.
func (l LockInfo) Blocks(auth *Authentication) bool {
	return l.Locked && l.UserID != auth.UserID && auth != System
}
