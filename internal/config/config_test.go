package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientSettingsFallsBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s, err := LoadClientSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultClientSettings(), s)
}

func TestSaveThenLoadClientSettingsRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s := &ClientSettings{Server: "10.0.0.5:19000", LastFile: "movie.mkv", OutputPath: "out.mkv", Retries: 3}
	require.NoError(t, SaveClientSettings(s))

	got, err := LoadClientSettings()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSaveThenLoadServerSettingsRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s := &ServerSettings{Listen: "0.0.0.0:20000", BaseDir: "/srv/files"}
	require.NoError(t, SaveServerSettings(s))

	got, err := LoadServerSettings()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestValidateHostPort(t *testing.T) {
	assert.NoError(t, ValidateHostPort("127.0.0.1:19000"))
	assert.Error(t, ValidateHostPort("not-a-hostport"))
	assert.Error(t, ValidateHostPort("127.0.0.1:notaport"))
	assert.Error(t, ValidateHostPort("127.0.0.1:0"))
	assert.Error(t, ValidateHostPort("127.0.0.1:70000"))
}

func TestValidateRetries(t *testing.T) {
	assert.NoError(t, ValidateRetries(0))
	assert.NoError(t, ValidateRetries(10))
	assert.Error(t, ValidateRetries(-1))
	assert.Error(t, ValidateRetries(1001))
}
