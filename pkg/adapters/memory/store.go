// Package memory is an in-process core.Store used by tests and ephemeral
// hosts. It supports commit-failure injection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/pathlock"
)

// Store keeps a committed map and a working map of files.
type Store struct {
	locks *pathlock.Set

	mu        sync.Mutex
	committed map[string][]byte
	working   map[string][]byte
	commits   []string
	failWith  error
	failCount int
	failSkip  int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		locks:     pathlock.New(),
		committed: make(map[string][]byte),
		working:   make(map[string][]byte),
	}
}

var _ core.Store = (*Store)(nil)

func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Lock(ctx context.Context, paths ...string) error {
	return s.locks.Lock(ctx, paths...)
}

func (s *Store) Unlock(paths ...string) {
	s.locks.Unlock(paths...)
}

func key(p string) string {
	return strings.TrimSuffix(pathlock.Normalize(p), "/")
}

func (s *Store) Read(p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.working[key(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, core.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := key(prefix)
	var out []string
	for k := range s.working {
		if dir == "" || k == dir || strings.HasPrefix(k, dir+"/") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Write(p string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working[key(p)] = append([]byte(nil), content...)
	return nil
}

// under returns the keys equal to p or below it.
func (s *Store) under(p string) []string {
	var out []string
	for k := range s.working {
		if k == p || strings.HasPrefix(k, p+"/") {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) Move(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := key(from), key(to)
	keys := s.under(src)
	if len(keys) == 0 {
		return fmt.Errorf("%s: %w", from, core.ErrNotFound)
	}
	if len(s.under(dst)) > 0 {
		return fmt.Errorf("%s: %w", to, core.ErrAlreadyExists)
	}
	for _, k := range keys {
		s.working[dst+strings.TrimPrefix(k, src)] = s.working[k]
		delete(s.working, k)
	}
	return nil
}

func (s *Store) Delete(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.under(key(p))
	if len(keys) == 0 {
		return fmt.Errorf("%s: %w", p, core.ErrNotFound)
	}
	for _, k := range keys {
		delete(s.working, k)
	}
	return nil
}

func (s *Store) Commit(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil && s.failCount != 0 {
		if s.failSkip > 0 {
			s.failSkip--
		} else {
			if s.failCount > 0 {
				s.failCount--
			}
			return fmt.Errorf("%w: %v", core.ErrCommitFailed, s.failWith)
		}
	}
	s.committed = clone(s.working)
	s.commits = append(s.commits, message)
	return nil
}

func (s *Store) Revert() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = clone(s.committed)
	return nil
}

func (s *Store) Revision() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.Itoa(len(s.commits)), nil
}

// FailCommits makes the next n commits fail with err; n < 0 fails every
// commit until FailCommits(nil, 0).
func (s *Store) FailCommits(err error, n int) {
	s.FailCommitsAfter(err, 0, n)
}

// FailCommitsAfter lets the next skip commits through, then fails n as
// FailCommits does.
func (s *Store) FailCommitsAfter(err error, skip, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
	s.failSkip = skip
	s.failCount = n
}

// Commits returns every commit message so far.
func (s *Store) Commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

// Dirty reports whether the working copy differs from the last commit.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.working) != len(s.committed) {
		return true
	}
	for k, v := range s.working {
		c, ok := s.committed[k]
		if !ok || string(c) != string(v) {
			return true
		}
	}
	return false
}

// Held returns the number of held path locks.
func (s *Store) Held() int {
	return s.locks.Held()
}

func clone(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
