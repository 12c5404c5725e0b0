package platform_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/internal/platform"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/git"
)

var secret = []byte("platform-test-secret-0123456789")

func TestNew_Gitless(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := platform.New(ctx, dir,
		platform.WithAutoInit(true),
		platform.WithVersioning(false),
		platform.WithSecret(secret),
		platform.WithAdmin("root", "Root", []byte("root-pw")),
	)
	require.NoError(t, err)
	defer h.Close(ctx)

	c, err := platform.Connect(ctx, h, "root", []byte("root-pw"))
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.DataBases().AddNewDataBase(ctx, "main", "first"))
	infos, err := c.DataBases().List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "main", infos[0].Name)

	_, err = os.Stat(filepath.Join(dir, ".git"))
	assert.True(t, os.IsNotExist(err), "gitless repositories get no .git")
}

func TestNew_GitByDefault(t *testing.T) {
	if !git.IsInstalled() {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "fresh")

	h, err := platform.New(ctx, dir,
		platform.WithAutoInit(true),
		platform.WithSecret(secret),
		platform.WithAdmin("root", "", []byte("root-pw")),
	)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = os.Stat(filepath.Join(dir, ".git"))
	assert.NoError(t, err)

	c, err := platform.Connect(ctx, h, "root", []byte("root-pw"))
	require.NoError(t, err)
	defer c.Close(ctx)
	require.NoError(t, c.DataBases().AddNewDataBase(ctx, "main", ""))

	author, err := git.NewClient(dir, nil).Run(ctx, "log", "-1", "--format=%an")
	require.NoError(t, err)
	assert.Equal(t, "root", strings.TrimSpace(author), "commits are authored by the signing user")
}

func TestNew_MustExist(t *testing.T) {
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "missing")

	_, err := platform.New(ctx, missing, platform.WithMustExist(true), platform.WithSecret(secret))
	assert.Error(t, err)
}

func TestNew_InjectedStore(t *testing.T) {
	ctx := context.Background()
	h, err := platform.New(ctx, "ignored",
		platform.WithStore(memory.NewStore()),
		platform.WithSecret(secret),
		platform.WithAdmin("root", "", []byte("root-pw")),
		platform.WithIdentity("injected", "v0"),
	)
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = platform.Connect(ctx, h, "root", []byte("wrong"))
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := platform.New(context.Background(), "ignored",
		platform.WithStore(memory.NewStore()),
		platform.WithSecret([]byte("short")),
	)
	assert.Error(t, err)
}
