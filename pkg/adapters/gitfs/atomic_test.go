package gitfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceFile(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "tables", "A", "T1.yaml")

	require.NoError(t, replaceFile(full, []byte("comment: one\n")))
	require.NoError(t, replaceFile(full, []byte("comment: two\n")))

	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "comment: two\n", string(data))

	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(recordPerm), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging file is left behind")
	assert.False(t, isStagingFile(entries[0].Name()))
}

func TestReplaceFile_ParentIsAFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables"), nil, 0o644))

	err := replaceFile(filepath.Join(dir, "tables", "T1.yaml"), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create parent")
}
