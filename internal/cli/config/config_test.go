package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAt_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitAt(dir))

	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.Equal(t, DefaultServerURL, GetServerURL())
	assert.False(t, IsLoggedIn())
}

func TestSaveAuth_Persists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitAt(dir))

	require.NoError(t, SaveAuth("at", "rt", "bob"))
	require.NoError(t, SaveCurrentChat("c1"))

	info, err := os.Stat(Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// 重新加载后仍然存在
	require.NoError(t, InitAt(dir))
	assert.True(t, IsLoggedIn())
	assert.Equal(t, "at", GetAccessToken())
	assert.Equal(t, "rt", GetRefreshToken())
	assert.Equal(t, "bob", GetUsername())
	assert.Equal(t, "c1", GetCurrentChat())

	require.NoError(t, ClearAuth())
	require.NoError(t, InitAt(dir))
	assert.False(t, IsLoggedIn())
	assert.Empty(t, GetCurrentChat())
}

func TestServerURL_TrimsSlash(t *testing.T) {
	require.NoError(t, InitAt(t.TempDir()))

	SetServerURL("https://chat.example.com/")
	assert.Equal(t, "https://chat.example.com", GetServerURL())
}
