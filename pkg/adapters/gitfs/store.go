// Package gitfs implements core.Store over a directory, versioned with git.
package gitfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/git"
	"github.com/aretw0/tessera/pkg/pathlock"
)

// Config holds the configuration for the git-backed store.
type Config struct {
	Path      string
	AutoInit  bool
	Gitless   bool
	MustExist bool
	ReadOnly  bool
	Logger    *slog.Logger
	SystemDir string // e.g. ".tessera"
	// ErrorHandler receives watcher failures and out-of-band modifications.
	ErrorHandler func(error)
	// Ignore lists extra doublestar patterns the watcher skips.
	Ignore []string
	// Author names the git author of a commit message. Commits use the
	// default author when it is nil or returns "".
	Author func(message string) string
}

// Store is a working copy whose commits are git commits. In gitless mode a
// journal of original contents stands in for git when reverting.
type Store struct {
	Path   string
	git    *git.Client
	config Config
	locks  *pathlock.Set

	mu            sync.RWMutex
	journal       map[string][]byte // gitless: original content, nil if absent
	revision      int
	lastCommit    *time.Time
	lastActivity  time.Time
	watcherActive bool
	outOfBand     int
}

// NewStore creates a store rooted at config.Path.
func NewStore(config Config) *Store {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.SystemDir == "" {
		config.SystemDir = ".tessera"
	}
	return &Store{
		Path:    config.Path,
		git:     git.NewClient(config.Path, config.Logger),
		config:  config,
		locks:   pathlock.New(),
		journal: make(map[string][]byte),
	}
}

var _ core.Store = (*Store)(nil)

// Initialize performs the necessary setup (mkdir, git init, ignore file).
func (s *Store) Initialize(ctx context.Context) error {
	if s.config.MustExist {
		info, err := os.Stat(s.Path)
		if os.IsNotExist(err) {
			return fmt.Errorf("repository path does not exist: %s", s.Path)
		}
		if !info.IsDir() {
			return fmt.Errorf("repository path is not a directory: %s", s.Path)
		}
	} else if err := os.MkdirAll(s.Path, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}

	if s.config.Gitless {
		return nil
	}
	if !git.IsInstalled() {
		return fmt.Errorf("git is not installed")
	}

	wasNewRepo := false
	if !s.git.IsRepo(ctx) {
		if !s.config.AutoInit {
			return fmt.Errorf("path is not a git repository: %s", s.Path)
		}
		if err := s.git.Init(ctx); err != nil {
			return fmt.Errorf("failed to git init: %w", err)
		}
		wasNewRepo = true
	}

	mod, err := s.ensureIgnore()
	if err != nil {
		return fmt.Errorf("failed to ensure .gitignore: %w", err)
	}
	if mod && wasNewRepo && !s.config.ReadOnly {
		if err := s.git.Add(ctx, ".gitignore"); err != nil {
			return fmt.Errorf("failed to add .gitignore: %w", err)
		}
		if err := s.git.Commit(ctx, fmt.Sprintf("chore: configure %s ignore", s.config.SystemDir), ""); err != nil {
			return fmt.Errorf("failed to commit .gitignore: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureIgnore() (bool, error) {
	ignorePath := filepath.Join(s.Path, ".gitignore")
	entries := []string{s.config.SystemDir + "/", git.DefaultLockFile}

	content, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	present := make(map[string]bool)
	for _, line := range strings.Split(string(content), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, e := range entries {
		if !present[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	f, err := os.OpenFile(ignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return false, err
		}
	}
	if _, err := f.WriteString(strings.Join(missing, "\n") + "\n"); err != nil {
		return false, err
	}
	return true, nil
}

// Lock blocks until every path is exclusively held.
func (s *Store) Lock(ctx context.Context, paths ...string) error {
	if err := s.locks.Lock(ctx, paths...); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Unlock releases paths acquired by Lock.
func (s *Store) Unlock(paths ...string) {
	s.touch()
	s.locks.Unlock(paths...)
}

func (s *Store) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// busy reports whether the store itself is writing or has just written.
func (s *Store) busy(grace time.Duration) bool {
	if s.locks.Held() > 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActivity) < grace
}

func (s *Store) abs(p string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the repository: %w", p, core.ErrInvalidName)
		}
	}
	clean := pathlock.Normalize(p)
	if clean == "" {
		return "", fmt.Errorf("path %q names the repository root: %w", p, core.ErrInvalidName)
	}
	return filepath.Join(s.Path, filepath.FromSlash(strings.TrimSuffix(clean, "/"))), nil
}

// Read returns the content of a file in the working copy.
func (s *Store) Read(p string) ([]byte, error) {
	full, err := s.abs(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, core.ErrNotFound)
	}
	return data, err
}

// List returns every file below prefix, slash-separated and sorted.
// Temporary files and the system directory are skipped.
func (s *Store) List(prefix string) ([]string, error) {
	root, err := s.abs(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, _ := filepath.Rel(s.Path, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" || rel == s.config.SystemDir {
				return filepath.SkipDir
			}
			return nil
		}
		if isStagingFile(d.Name()) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) writable() error {
	if s.config.ReadOnly {
		return core.ErrReadOnly
	}
	return nil
}

// remember keeps the pre-batch content of a file for gitless reverts.
func (s *Store) remember(full string) {
	if !s.config.Gitless {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.journal[full]; ok {
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		s.journal[full] = nil
		return
	}
	s.journal[full] = data
}

func (s *Store) rememberTree(full string) {
	_ = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			s.remember(p)
		}
		return nil
	})
}

// Write stages content at p, creating parents.
func (s *Store) Write(p string, content []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	full, err := s.abs(p)
	if err != nil {
		return err
	}
	s.remember(full)
	return replaceFile(full, content)
}

// Move stages a rename of a file or a directory.
func (s *Store) Move(from, to string) error {
	if err := s.writable(); err != nil {
		return err
	}
	src, err := s.abs(from)
	if err != nil {
		return err
	}
	dst, err := s.abs(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", from, core.ErrNotFound)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s: %w", to, core.ErrAlreadyExists)
	}
	s.rememberTree(src)
	s.remember(dst)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", to, err)
	}
	return os.Rename(src, dst)
}

// Delete stages removal of a file or a directory.
func (s *Store) Delete(p string) error {
	if err := s.writable(); err != nil {
		return err
	}
	full, err := s.abs(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, core.ErrNotFound)
	}
	s.rememberTree(full)
	return os.RemoveAll(full)
}

// Commit records every staged change as one revision. An empty batch is not
// an error and produces no revision.
func (s *Store) Commit(message string) error {
	if err := s.writable(); err != nil {
		return err
	}
	ctx := context.Background()
	s.touch()
	defer s.touch()

	if s.config.Gitless {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.journal = make(map[string][]byte)
		s.revision++
		now := time.Now()
		s.lastCommit = &now
		return nil
	}

	unlock, err := s.git.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire git lock: %w", err)
	}
	defer unlock()

	if err := s.git.AddAll(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCommitFailed, err)
	}
	status, err := s.git.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCommitFailed, err)
	}
	if status == "" {
		return nil
	}
	if err := s.git.Commit(ctx, message, s.author(message)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCommitFailed, err)
	}

	s.mu.Lock()
	s.revision++
	now := time.Now()
	s.lastCommit = &now
	s.mu.Unlock()
	return nil
}

func (s *Store) author(message string) string {
	if s.config.Author == nil {
		return ""
	}
	return s.config.Author(message)
}

// Revert discards every change since the last commit.
func (s *Store) Revert() error {
	ctx := context.Background()
	s.touch()
	defer s.touch()

	if s.config.Gitless {
		s.mu.Lock()
		journal := s.journal
		s.journal = make(map[string][]byte)
		s.mu.Unlock()

		var errs []error
		for full, data := range journal {
			if data == nil {
				if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			if err := replaceFile(full, data); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	unlock, err := s.git.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire git lock: %w", err)
	}
	defer unlock()

	if err := s.git.ResetHard(ctx); err != nil {
		return err
	}
	return s.git.Clean(ctx)
}

// Revision identifies the latest commit.
func (s *Store) Revision() (string, error) {
	if s.config.Gitless {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return strconv.Itoa(s.revision), nil
	}
	head, err := s.git.Head(context.Background())
	if errors.Is(err, git.ErrNoCommits) {
		return "", nil
	}
	return head, err
}

// Log returns the last n commit subjects, newest first. Gitless stores have
// no history.
func (s *Store) Log(ctx context.Context, n int) ([]string, error) {
	if s.config.Gitless {
		return nil, nil
	}
	return s.git.Log(ctx, n)
}

func (s *Store) reportError(err error) {
	if s.config.ErrorHandler != nil {
		s.config.ErrorHandler(err)
		return
	}
	s.config.Logger.Error("store error", "error", err)
}
