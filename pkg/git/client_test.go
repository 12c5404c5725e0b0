package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Lock(t *testing.T) {
	tmpDir := t.TempDir()
	client := NewClient(tmpDir, nil)
	ctx := context.Background()

	unlock, err := client.Lock(ctx)
	require.NoError(t, err)

	lockPath := filepath.Join(tmpDir, DefaultLockFile)
	_, err = os.Stat(lockPath)
	require.NoError(t, err, "lock file not created")

	// A second holder waits until its context gives up.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = client.Lock(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file not removed after unlock")

	unlock, err = client.WithLockFile("other.lock").Lock(ctx)
	require.NoError(t, err)
	unlock()
}

func newRepo(t *testing.T) *Client {
	t.Helper()
	if !IsInstalled() {
		t.Skip("git not installed")
	}
	client := NewClient(t.TempDir(), nil)
	require.NoError(t, client.Init(context.Background()))
	return client
}

func TestClient_Init(t *testing.T) {
	client := newRepo(t)
	ctx := context.Background()

	_, err := os.Stat(filepath.Join(client.WorkDir, ".git"))
	require.NoError(t, err)
	assert.True(t, client.IsRepo(ctx))

	_, err = client.Head(ctx)
	assert.ErrorIs(t, err, ErrNoCommits)
}

func TestClient_CommitMoveRevert(t *testing.T) {
	client := newRepo(t)
	ctx := context.Background()
	file := filepath.Join(client.WorkDir, "a.yaml")

	require.NoError(t, os.WriteFile(file, []byte("v: 1\n"), 0644))
	require.NoError(t, client.Add(ctx, "a.yaml"))
	require.NoError(t, client.Commit(ctx, "feat(test): add a", "u1"))

	head, err := client.Head(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, head)

	require.NoError(t, client.Mv(ctx, "a.yaml", "b.yaml"))
	require.NoError(t, os.WriteFile(filepath.Join(client.WorkDir, "c.yaml"), []byte("x"), 0644))

	require.NoError(t, client.ResetHard(ctx))
	require.NoError(t, client.Clean(ctx))

	_, err = os.Stat(file)
	require.NoError(t, err, "reset did not restore a.yaml")
	_, err = os.Stat(filepath.Join(client.WorkDir, "b.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(client.WorkDir, "c.yaml"))
	assert.True(t, os.IsNotExist(err))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)

	subjects, err := client.Log(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"feat(test): add a"}, subjects)
}
