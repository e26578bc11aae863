package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// Parse
// ============================================================================

func TestParse_Minimal(t *testing.T) {
	d, err := Parse([]byte(`{"Label": "t", "Program": "/bin/sh", "RunAtLoad": true}`))
	require.NoError(t, err)

	assert.Equal(t, types.Label("t"), d.Label)
	assert.Equal(t, "/bin/sh", d.Program)
	assert.Equal(t, []string{"/bin/sh"}, d.ProgramArguments)
	assert.True(t, d.RunAtLoad)
	assert.False(t, d.KeepAlive.Always)
	assert.Equal(t, DevNull, d.StandardInPath)
	assert.Equal(t, DevNull, d.StandardOutPath)
	assert.Equal(t, DevNull, d.StandardErrorPath)
	assert.Equal(t, DefaultExitTimeout, d.ExitTimeout)
	assert.Equal(t, DefaultThrottleInterval, d.ThrottleInterval)
	assert.Empty(t, d.Sockets)
	assert.False(t, d.OnDemand())
}

func TestParse_ProgramFromArguments(t *testing.T) {
	d, err := Parse([]byte(`{"Label": "a", "ProgramArguments": ["/bin/echo", "hi"]}`))
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", d.Program)
	assert.Equal(t, []string{"/bin/echo", "hi"}, d.ProgramArguments)
}

func TestParse_Fields(t *testing.T) {
	doc := `{
		"Label": "full",
		"Program": "/usr/bin/env",
		"WorkingDirectory": "/tmp",
		"EnvironmentVariables": {"FOO": "bar"},
		"Umask": "022",
		"UserName": "nobody",
		"GroupName": "nogroup",
		"Nice": 5,
		"StandardOutPath": "/tmp/out.log",
		"ExitTimeout": 3,
		"ThrottleInterval": 1,
		"StartInterval": 60,
		"Disabled": true,
		"KeepAlive": {"Always": true}
	}`
	d, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "/tmp", d.WorkingDirectory)
	assert.Equal(t, map[string]string{"FOO": "bar"}, d.EnvironmentVariables)
	require.NotNil(t, d.Umask)
	assert.Equal(t, Umask(0o22), *d.Umask)
	assert.Equal(t, "nobody", d.UserName)
	assert.Equal(t, "nogroup", d.GroupName)
	assert.Equal(t, 5, d.Nice)
	assert.Equal(t, "/tmp/out.log", d.StandardOutPath)
	assert.Equal(t, 3*time.Second, d.ExitTimeout)
	assert.Equal(t, time.Second, d.ThrottleInterval)
	assert.Equal(t, time.Minute, d.StartInterval)
	assert.True(t, d.Disabled)
	assert.True(t, d.KeepAlive.Always)
}

func TestParse_KeepAliveForms(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want bool
	}{
		{"bool true", `{"Label":"k","Program":"/bin/true","KeepAlive":true}`, true},
		{"bool false", `{"Label":"k","Program":"/bin/true","KeepAlive":false}`, false},
		{"object", `{"Label":"k","Program":"/bin/true","KeepAlive":{"Always":true}}`, true},
		{"empty object", `{"Label":"k","Program":"/bin/true","KeepAlive":{}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.KeepAlive.Always)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"not json", `{`, ""},
		{"missing label", `{"Program": "/bin/sh"}`, "Label"},
		{"empty label", `{"Label": "", "Program": "/bin/sh"}`, "Label"},
		{"slash in label", `{"Label": "a/b", "Program": "/bin/sh"}`, "Label"},
		{"no program", `{"Label": "a"}`, "Program"},
		{"group without user", `{"Label": "a", "Program": "/bin/sh", "GroupName": "wheel"}`, "GroupName"},
		{"nice out of range", `{"Label": "a", "Program": "/bin/sh", "Nice": 40}`, "Nice"},
		{"unsupported key", `{"Label": "a", "Program": "/bin/sh", "WatchPaths": ["/tmp"]}`, "WatchPaths"},
		{"bad socket type", `{"Label": "a", "Program": "/bin/sh", "Sockets": {"s": {"SockType": "raw", "SockServiceName": "80"}}}`, "Sockets.s"},
		{"inet without port", `{"Label": "a", "Program": "/bin/sh", "Sockets": {"s": {}}}`, "Sockets.s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidManifest))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// ============================================================================
// Sockets
// ============================================================================

func TestParse_Sockets(t *testing.T) {
	doc := `{
		"Label": "web",
		"Program": "/usr/sbin/httpd",
		"Sockets": {
			"b": {"SockServiceName": 8080},
			"a": [{"SockServiceName": "http", "SockType": "stream"}, {"SockPathName": "/tmp/web.sock"}]
		}
	}`
	d, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, d.Sockets, 3)
	assert.True(t, d.OnDemand())

	assert.Equal(t, "a", d.Sockets[0].Name)
	assert.Equal(t, "http", d.Sockets[0].ServiceName)
	assert.Equal(t, FamilyIPv4, d.Sockets[0].Family)
	assert.Equal(t, SockStream, d.Sockets[0].Type)
	assert.True(t, d.Sockets[0].Passive)

	assert.Equal(t, FamilyUnix, d.Sockets[1].Family)
	assert.Equal(t, "/tmp/web.sock", d.Sockets[1].PathName)

	assert.Equal(t, "b", d.Sockets[2].Name)
	assert.Equal(t, "8080", d.Sockets[2].ServiceName)

	for _, s := range d.Sockets {
		assert.Equal(t, -1, s.FD, "sockets start unbound")
	}
}

func TestParse_RunAtLoadWithSocketsIsNotOnDemand(t *testing.T) {
	d, err := Parse([]byte(`{"Label":"w","Program":"/bin/sh","RunAtLoad":true,"Sockets":{"l":{"SockServiceName":"9000"}}}`))
	require.NoError(t, err)
	assert.False(t, d.OnDemand())
}

// ============================================================================
// Files
// ============================================================================

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Label":"t","Program":"/bin/sh"}`), 0o644))

	d, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, d.Path)

	_, err = ParseFile(filepath.Join(dir, "t.plist"))
	assert.ErrorIs(t, err, ErrNotManifest)

	_, err = ParseFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestParseFile_ErrorCarriesPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Program":"/bin/sh"}`), 0o644))

	_, err := ParseFile(path)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, path, verr.Path)
	assert.Contains(t, err.Error(), path)
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("b.json", `{"Label":"b","Program":"/bin/true"}`)
	write("a.json", `{"Label":"a","Program":"/bin/true"}`)
	write("bad.json", `{"Label":"bad"}`)
	write("notes.txt", `ignored`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	descs, err := ParseDir(dir)
	require.Error(t, err, "the bad manifest is reported")
	assert.ErrorIs(t, err, ErrInvalidManifest)

	require.Len(t, descs, 2, "good manifests still load")
	assert.Equal(t, types.Label("a"), descs[0].Label)
	assert.Equal(t, types.Label("b"), descs[1].Label)
}

func TestFromMap(t *testing.T) {
	d, err := FromMap(map[string]any{
		"Label":            "adhoc",
		"Program":          "/bin/sleep",
		"ProgramArguments": []any{"/bin/sleep", "1"},
		"StandardOutPath":  "/tmp/adhoc.out",
	})
	require.NoError(t, err)
	assert.Equal(t, types.Label("adhoc"), d.Label)
	assert.Equal(t, []string{"/bin/sleep", "1"}, d.ProgramArguments)
	assert.Equal(t, "/tmp/adhoc.out", d.StandardOutPath)
	assert.Empty(t, d.Path)

	_, err = FromMap(map[string]any{"Program": "/bin/true"})
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestApplyDefaults(t *testing.T) {
	def := Defaults{ExitTimeout: 5 * time.Second, ThrottleInterval: 2 * time.Second}

	d, err := Parse([]byte(`{"Label": "a", "Program": "/bin/true"}`))
	require.NoError(t, err)
	d.ApplyDefaults(def)
	assert.Equal(t, 5*time.Second, d.ExitTimeout)
	assert.Equal(t, 2*time.Second, d.ThrottleInterval)

	d, err = Parse([]byte(`{"Label": "b", "Program": "/bin/true", "ExitTimeout": 20, "ThrottleInterval": 0}`))
	require.NoError(t, err)
	d.ApplyDefaults(def)
	assert.Equal(t, 20*time.Second, d.ExitTimeout, "explicit values win even when equal to the built-in default")
	assert.Zero(t, d.ThrottleInterval)

	d.ApplyDefaults(Defaults{})
	assert.Equal(t, 20*time.Second, d.ExitTimeout)
}
