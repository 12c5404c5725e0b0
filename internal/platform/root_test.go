package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tessera/pkg/core"
)

func TestFindRoot(t *testing.T) {
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	nested := filepath.Join(repo, "tables", "nested")
	configured := filepath.Join(base, "configured")
	empty := filepath.Join(base, "empty")

	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.MkdirAll(configured, 0755))
	require.NoError(t, os.MkdirAll(empty, 0755))
	require.NoError(t, os.Mkdir(filepath.Join(repo, DefaultSystemDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configured, ConfigFile), []byte("path: .\n"), 0644))

	tests := []struct {
		name  string
		start string
		want  string
	}{
		{"at root", repo, repo},
		{"nested", nested, repo},
		{"config file", configured, configured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindRoot(tt.start)
			require.NoError(t, err)
			assert.Equal(t, filepath.Clean(tt.want), filepath.Clean(got))
		})
	}

	t.Run("none", func(t *testing.T) {
		_, err := FindRoot(empty)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestResolvePath(t *testing.T) {
	sandbox := filepath.Join(os.TempDir(), SandboxDir)
	inTemp := filepath.Join(os.TempDir(), "already-here")

	tests := []struct {
		name    string
		path    string
		sandbox bool
		want    string
	}{
		{"kept", "/srv/repo", false, "/srv/repo"},
		{"empty is cwd", "", false, "."},
		{"sandboxed cwd", ".", true, filepath.Join(sandbox, "default")},
		{"sandboxed name", "my-repo", true, filepath.Join(sandbox, "my-repo")},
		{"traversal keeps base", "../bad/path", true, filepath.Join(sandbox, "path")},
		{"temp kept", inTemp, true, inTemp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePath(tt.path, tt.sandbox))
		})
	}
}

func TestIsDevRun(t *testing.T) {
	assert.True(t, IsDevRun(), "test binaries are dev runs")
}
