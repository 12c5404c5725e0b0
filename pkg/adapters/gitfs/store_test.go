package gitfs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/git"
)

func setupStore(t *testing.T, gitless bool) *Store {
	t.Helper()
	if !gitless && !git.IsInstalled() {
		t.Skip("git not installed")
	}
	s := NewStore(Config{
		Path:     t.TempDir(),
		AutoInit: true,
		Gitless:  gitless,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func forBoth(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("git", func(t *testing.T) { fn(t, setupStore(t, false)) })
	t.Run("gitless", func(t *testing.T) { fn(t, setupStore(t, true)) })
}

func TestStore_WriteCommitRead(t *testing.T) {
	forBoth(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write("tables/A/T1.yaml", []byte("comment: one\n")))
		require.NoError(t, s.Write("tables/A/.category.yaml", []byte("{}\n")))
		require.NoError(t, s.Commit("feat(db/tables): add T1\n\nSigned-off-by: admin"))

		data, err := s.Read("tables/A/T1.yaml")
		require.NoError(t, err)
		assert.Equal(t, "comment: one\n", string(data))

		files, err := s.List("tables/")
		require.NoError(t, err)
		assert.Equal(t, []string{"tables/A/.category.yaml", "tables/A/T1.yaml"}, files)

		rev, err := s.Revision()
		require.NoError(t, err)
		assert.NotEmpty(t, rev)

		_, err = s.Read("tables/missing.yaml")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestStore_RevertRestoresLastCommit(t *testing.T) {
	forBoth(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write("types/Color.yaml", []byte("v1\n")))
		require.NoError(t, s.Write("types/Shape.yaml", []byte("s1\n")))
		require.NoError(t, s.Commit("feat(db/types): add types"))

		require.NoError(t, s.Write("types/Color.yaml", []byte("v2\n")))
		require.NoError(t, s.Write("types/New.yaml", []byte("n\n")))
		require.NoError(t, s.Delete("types/Shape.yaml"))
		require.NoError(t, s.Move("types/Color.yaml", "types/sub/Color.yaml"))

		require.NoError(t, s.Revert())

		files, err := s.List("types/")
		require.NoError(t, err)
		assert.Equal(t, []string{"types/Color.yaml", "types/Shape.yaml"}, files)
		data, err := s.Read("types/Color.yaml")
		require.NoError(t, err)
		assert.Equal(t, "v1\n", string(data))
	})
}

func TestStore_MoveDirectory(t *testing.T) {
	forBoth(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Write("tables/A/B/.category.yaml", []byte("{}\n")))
		require.NoError(t, s.Write("tables/A/B/T1.yaml", []byte("t\n")))
		require.NoError(t, s.Commit("feat: seed"))

		require.NoError(t, s.Move("tables/A/B/", "tables/A/C/"))
		require.NoError(t, s.Commit("refactor: rename B"))

		files, err := s.List("tables/")
		require.NoError(t, err)
		assert.Equal(t, []string{"tables/A/C/.category.yaml", "tables/A/C/T1.yaml"}, files)

		require.ErrorIs(t, s.Move("tables/A/missing/", "tables/X/"), core.ErrNotFound)
		require.ErrorIs(t, s.Move("tables/A/C/T1.yaml", "tables/A/C/.category.yaml"), core.ErrAlreadyExists)
	})
}

func TestStore_CommitHistory(t *testing.T) {
	s := setupStore(t, false)
	require.NoError(t, s.Write("users/admin.yaml", []byte("id: admin\n")))
	require.NoError(t, s.Commit("feat(users): add admin\n\nSigned-off-by: system"))

	// An empty batch produces no revision.
	require.NoError(t, s.Commit("chore: nothing"))

	subjects, err := s.Log(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "feat(users): add admin", subjects[0])
}

func TestStore_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Config{Path: dir, Gitless: true, ReadOnly: true})
	require.NoError(t, s.Initialize(context.Background()))

	require.ErrorIs(t, s.Write("a.yaml", nil), core.ErrReadOnly)
	require.ErrorIs(t, s.Delete("a.yaml"), core.ErrReadOnly)
	require.ErrorIs(t, s.Commit("x"), core.ErrReadOnly)
}

func TestStore_RejectsEscapingPaths(t *testing.T) {
	s := setupStore(t, true)
	_, err := s.Read("../outside.yaml")
	require.ErrorIs(t, err, core.ErrInvalidName)
	_, err = s.Read("tables/../../outside.yaml")
	require.ErrorIs(t, err, core.ErrInvalidName)
	require.ErrorIs(t, s.Write("tables/../x.yaml", []byte("x")), core.ErrInvalidName)
	require.ErrorIs(t, s.Move("a.yaml", "../b.yaml"), core.ErrInvalidName)
	_, err = s.Read("/")
	require.ErrorIs(t, err, core.ErrInvalidName)
}

func TestStore_MustExist(t *testing.T) {
	s := NewStore(Config{Path: filepath.Join(t.TempDir(), "absent"), Gitless: true, MustExist: true})
	require.Error(t, s.Initialize(context.Background()))
}

func TestStore_IgnoreFile(t *testing.T) {
	s := setupStore(t, false)
	data, err := os.ReadFile(filepath.Join(s.Path, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".tessera/")
	assert.Contains(t, string(data), git.DefaultLockFile)

	// Idempotent.
	mod, err := s.ensureIgnore()
	require.NoError(t, err)
	assert.False(t, mod)
}

func TestStore_CommitAuthor(t *testing.T) {
	if !git.IsInstalled() {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	var seen string
	s := NewStore(Config{
		Path:     t.TempDir(),
		AutoInit: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Author: func(message string) string {
			seen = message
			return "u1"
		},
	})
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, s.Write("a.yaml", []byte("a: 1\n")))
	require.NoError(t, s.Commit("feat: add a"))
	assert.Equal(t, "feat: add a", seen)
	name, err := s.git.Run(ctx, "log", "-1", "--format=%an")
	require.NoError(t, err)
	assert.Equal(t, "u1", strings.TrimSpace(name))
}
