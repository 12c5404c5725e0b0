package gitfs

import (
	"time"

	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Path          string     `json:"path"`
	SystemDir     string     `json:"system_dir"`
	Gitless       bool       `json:"gitless"`
	ReadOnly      bool       `json:"read_only"`
	WatcherActive bool       `json:"watcher_active"`
	HeldLocks     int        `json:"held_locks"`
	Revisions     int        `json:"revisions"`
	OutOfBand     int        `json:"out_of_band"`
	LastCommit    *time.Time `json:"last_commit,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreState{
		Path:          s.Path,
		SystemDir:     s.config.SystemDir,
		Gitless:       s.config.Gitless,
		ReadOnly:      s.config.ReadOnly,
		WatcherActive: s.watcherActive,
		HeldLocks:     s.locks.Held(),
		Revisions:     s.revision,
		OutOfBand:     s.outOfBand,
		LastCommit:    s.lastCommit,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "repository"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func (s *Store) setWatcherActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watcherActive = active
}

func (s *Store) recordOutOfBand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outOfBand++
}
