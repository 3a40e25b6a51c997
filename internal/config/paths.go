// Package config resolves the on-disk layout of a tgvoip instance.
package config

import (
	"os"
	"path/filepath"
)

// DefaultInstance is the instance name used when none is given.
const DefaultInstance = "default"

// InstancePaths contains all paths for a tgvoip instance.
type InstancePaths struct {
	Home        string // Instance home directory
	ConfigDB    string // SQLite configuration store path
	Lock        string // Daemon lock file path
	Logs        string // Logs directory
	SessionsDir string // Signaling session files, one per identity
	MediaDir    string // Announcement photos and cached audio
	TempDir     string // Temporary files directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetTgvoipHome(), "instances", instanceName)

	return InstancePaths{
		Home:        instanceDir,
		ConfigDB:    filepath.Join(instanceDir, "config.db"),
		Lock:        filepath.Join(instanceDir, "daemon.lock"),
		Logs:        filepath.Join(instanceDir, "logs"),
		SessionsDir: filepath.Join(instanceDir, "sessions"),
		MediaDir:    filepath.Join(instanceDir, "media"),
		TempDir:     filepath.Join(instanceDir, "tmp"),
	}
}

// GetTgvoipHome returns the tgvoip home directory (~/.tgvoip).
func GetTgvoipHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".tgvoip")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolveMedia resolves a photo or audio path against the instance media
// directory. Absolute paths and ~ expansions pass through unchanged.
func (p InstancePaths) ResolveMedia(path string) string {
	if path == "" {
		return path
	}
	path = ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.MediaDir, path)
}

// EnsureInstanceDirs creates the directory structure for the given instance
// if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.SessionsDir,
		paths.MediaDir,
		paths.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
