package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Sanji78/telegram-voip/internal/config"
)

func TestPIDFileRoundTrip(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "daemon.lock")

	if err := WritePIDFile(pidPath, 1234); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) != "1234" {
		t.Fatalf("pid file contents = %q", data)
	}

	RemovePIDFile(pidPath)
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("pid file still present after remove")
	}
}

func TestIsRunningDetectsLivePID(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if IsRunning("test") {
		t.Fatal("IsRunning true without a lock file")
	}

	paths, err := config.EnsureInstanceDirs("test")
	if err != nil {
		t.Fatalf("EnsureInstanceDirs: %v", err)
	}

	// Our own PID is always alive.
	if err := WritePIDFile(paths.Lock, os.Getpid()); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if !IsRunning("test") {
		t.Fatal("IsRunning false for a live process")
	}

	// A stale lock pointing at an unlikely PID is ignored.
	if err := os.WriteFile(paths.Lock, []byte(strconv.Itoa(1<<22-1)), 0o600); err != nil {
		t.Fatalf("write stale pid: %v", err)
	}
	if IsRunning("test") {
		t.Fatal("IsRunning true for a dead process")
	}
}
