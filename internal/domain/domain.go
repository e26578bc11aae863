// Package domain names the supervisor instance a control request targets
// and resolves the directories that instance uses.
package domain

import (
	"fmt"
	"os"
	"path/filepath"
)

// Domain 區分 per-user 與 system-wide 的 supervisor
type Domain string

const (
	User   Domain = "user"
	System Domain = "system"
)

const appName = "relaunchd"

// SocketName is the control socket inside the state directory.
const SocketName = "rpc.sock"

// Default is System for root and User for everyone else.
func Default() Domain {
	if os.Geteuid() == 0 {
		return System
	}
	return User
}

// Parse accepts "user" or "system"; the empty string yields Default.
func Parse(s string) (Domain, error) {
	switch Domain(s) {
	case "":
		return Default(), nil
	case User, System:
		return Domain(s), nil
	}
	return "", fmt.Errorf("unknown domain %q (want user or system)", s)
}

// StateDir holds state.json and the RPC socket.
func (d Domain) StateDir() (string, error) {
	if d == System {
		return "/var/db/" + appName, nil
	}
	return xdgDir("XDG_STATE_HOME", ".local/state")
}

// ConfigDir holds launchd.yaml and the manifest directories.
func (d Domain) ConfigDir() (string, error) {
	if d == System {
		return "/etc/" + appName, nil
	}
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// ManifestDir is the default directory scanned for job manifests.
func (d Domain) ManifestDir() (string, error) {
	dir, err := d.ConfigDir()
	if err != nil {
		return "", err
	}
	if d == System {
		return filepath.Join(dir, "daemons"), nil
	}
	return filepath.Join(dir, "agents"), nil
}

// SocketPath is where the supervisor of this domain listens.
func (d Domain) SocketPath() (string, error) {
	dir, err := d.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SocketName), nil
}

func xdgDir(env, fallback string) (string, error) {
	if base := os.Getenv(env); base != "" && filepath.IsAbs(base) {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", env, err)
	}
	return filepath.Join(home, fallback, appName), nil
}
