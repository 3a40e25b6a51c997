package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetInstancePathsDefaults(t *testing.T) {
	paths := GetInstancePaths("")
	if !strings.Contains(paths.Home, filepath.Join(".tgvoip", "instances", DefaultInstance)) {
		t.Fatalf("unexpected default instance home: %s", paths.Home)
	}
	if filepath.Dir(paths.ConfigDB) != paths.Home {
		t.Fatalf("config.db should live in the instance home, got %s", paths.ConfigDB)
	}
}

func TestGetInstancePathsNamed(t *testing.T) {
	paths := GetInstancePaths("testing")
	if !strings.HasSuffix(paths.Home, filepath.Join("instances", "testing")) {
		t.Fatalf("unexpected instance home: %s", paths.Home)
	}
	for name, dir := range map[string]string{
		"logs":     paths.Logs,
		"sessions": paths.SessionsDir,
		"media":    paths.MediaDir,
		"tmp":      paths.TempDir,
	} {
		if filepath.Dir(dir) != paths.Home {
			t.Fatalf("%s directory %s is not under the instance home", name, dir)
		}
	}
}

func TestResolveMedia(t *testing.T) {
	paths := GetInstancePaths("testing")
	cases := map[string]string{
		"":               "",
		"doorbell.jpg":   filepath.Join(paths.MediaDir, "doorbell.jpg"),
		"photos/me.jpg":  filepath.Join(paths.MediaDir, "photos", "me.jpg"),
		"/abs/photo.jpg": "/abs/photo.jpg",
	}
	for in, want := range cases {
		if got := paths.ResolveMedia(in); got != want {
			t.Fatalf("ResolveMedia(%q) = %q, want %q", in, got, want)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if got := paths.ResolveMedia("~/pic.jpg"); got != filepath.Join(home, "pic.jpg") {
		t.Fatalf("ResolveMedia(~/pic.jpg) = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	cases := map[string]string{
		"~":          home,
		"~/x":        filepath.Join(home, "x"),
		"/abs/path":  "/abs/path",
		"relative/p": "relative/p",
		"":           "",
	}
	for in, want := range cases {
		if got := ExpandPath(in); got != want {
			t.Fatalf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
