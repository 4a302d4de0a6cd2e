package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesIdentityOnFirstRun(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	store, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, store.PublicKey)
	assert.NotEmpty(t, store.PrivateKey)
	assert.Empty(t, store.TrustedKeys)
}

func TestLoadIsStableAcrossCalls(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
}

func TestAddTrustedKeyPersists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := Load()
	require.NoError(t, err)

	key := []byte{1, 2, 3, 4}
	require.NoError(t, AddTrustedKey(key))

	store, err := Load()
	require.NoError(t, err)
	require.Len(t, store.TrustedKeys, 1)
	assert.Equal(t, key, store.TrustedKeys[0])
}

func TestConfigDirPrefersXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-example")
	t.Setenv("HOME", "/tmp/home-example")

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg-example/filetransfer", dir)
}

func TestConfigDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/tmp/home-example")

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/home-example/.config/filetransfer", dir)
}
