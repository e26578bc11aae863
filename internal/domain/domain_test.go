package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("user")
	require.NoError(t, err)
	assert.Equal(t, User, d)

	d, err = Parse("system")
	require.NoError(t, err)
	assert.Equal(t, System, d)

	d, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), d)

	_, err = Parse("global")
	assert.Error(t, err)
}

func TestUserPaths_XDG(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"state", User.StateDir, "/xdg/state/relaunchd"},
		{"config", User.ConfigDir, "/xdg/config/relaunchd"},
		{"manifests", User.ManifestDir, "/xdg/config/relaunchd/agents"},
		{"socket", User.SocketPath, "/xdg/state/relaunchd/rpc.sock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserPaths_HomeFallback(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "relative/ignored")

	got, err := User.StateDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/.local/state/relaunchd", got)

	got, err = User.ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/.config/relaunchd", got)
}

func TestSystemPaths(t *testing.T) {
	got, err := System.SocketPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/db/relaunchd/rpc.sock", got)

	got, err = System.ManifestDir()
	require.NoError(t, err)
	assert.Equal(t, "/etc/relaunchd/daemons", got)
}
