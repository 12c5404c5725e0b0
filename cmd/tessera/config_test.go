package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoadConfig(t *testing.T) {
	file := writeFile(t, `path: repo
listen: 0.0.0.0:9000
secret: s3cr3t-s3cr3t-s3cr3t
token_ttl: 1h
gap_timeout: 2s
versioning: false
watch: true
admin:
  id: root
  name: Root
`)
	cfg, err := loadConfig(file)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(file), "repo"), cfg.Path)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 2*time.Second, cfg.GapTimeout)
	require.NotNil(t, cfg.Versioning)
	assert.False(t, *cfg.Versioning)
	assert.True(t, cfg.Watch)
	assert.Equal(t, "root", cfg.Admin.ID)
	assert.Equal(t, "Root", cfg.Admin.Name)
	assert.NoError(t, cfg.requireSecret())
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(secretEnv, "")
	file := writeFile(t, "path: .\n")

	cfg, err := loadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Nil(t, cfg.Versioning)
	assert.Error(t, cfg.requireSecret())
}

func TestLoadConfig_SecretFromEnv(t *testing.T) {
	t.Setenv(secretEnv, "from-the-environment")
	cfg, err := loadConfig(writeFile(t, "path: .\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment", cfg.Secret)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := loadConfig(writeFile(t, "path: .\nlisten_addr: :80\n"))
	assert.Error(t, err)
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tessera.yaml")
	secret, err := newSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	in := &serverConfig{Path: ".", Listen: defaultListen, Secret: secret}
	in.Admin.ID = "admin"
	require.NoError(t, writeConfig(file, in))

	out, err := loadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, secret, out.Secret)
	assert.Equal(t, "admin", out.Admin.ID)
	assert.Equal(t, filepath.Dir(file), out.Path)
}
