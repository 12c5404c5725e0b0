// Package pathlock serializes writers on overlapping repository paths.
//
// A path ending in a slash is a scope covering everything below it, so
// holding "tables/A/" excludes "tables/A/B/T1.yaml" and vice versa.
package pathlock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Set is a collection of exclusively held paths.
type Set struct {
	mu      sync.Mutex
	held    map[string]struct{}
	changed chan struct{}
}

// New returns an empty set.
func New() *Set {
	return &Set{
		held:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Overlaps reports whether two lock paths exclude each other.
func Overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return covers(a, b) || covers(b, a)
}

func covers(scope, p string) bool {
	if !strings.HasSuffix(scope, "/") {
		return false
	}
	ok, err := doublestar.Match(escapeMeta(scope)+"**", p)
	return err == nil && ok
}

// escapeMeta quotes the glob metacharacters doublestar understands so a
// scope matches itself literally.
func escapeMeta(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Normalize cleans p, keeping a trailing slash for scopes.
func Normalize(p string) string {
	scope := strings.HasSuffix(p, "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if scope && p != "" {
		p += "/"
	}
	return p
}

// Lock blocks until every path can be held at once, then holds them all.
// Acquisition is all-or-nothing, so two callers never deadlock on each
// other's partial sets.
func (s *Set) Lock(ctx context.Context, paths ...string) error {
	want := make([]string, 0, len(paths))
	for _, p := range paths {
		want = append(want, Normalize(p))
	}
	sort.Strings(want)

	for {
		s.mu.Lock()
		if !s.conflicts(want) {
			for _, p := range want {
				s.held[p] = struct{}{}
			}
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("lock %v: %w", want, context.Cause(ctx))
		}
	}
}

func (s *Set) conflicts(want []string) bool {
	for i, p := range want {
		for q := range s.held {
			if Overlaps(p, q) {
				return true
			}
		}
		for _, q := range want[:i] {
			if p != q && Overlaps(p, q) {
				return true
			}
		}
	}
	return false
}

// Unlock releases paths acquired by Lock.
func (s *Set) Unlock(paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.held, Normalize(p))
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// Held returns the number of held paths.
func (s *Set) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
