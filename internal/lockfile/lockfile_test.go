package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "autopilot.lock")
}

func TestAcquireAndRelease(t *testing.T) {
	path := lockPath(t)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile not written: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("lockfile not removed on release")
	}
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	path := lockPath(t)

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l.Release()

	// Our own PID is alive, so a second acquire must be refused.
	_, err = Acquire(path)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	path := lockPath(t)

	// PID 0 never names a live process.
	stale, _ := json.Marshal(lockInfo{PID: 0, StartedAt: time.Now().Add(-time.Hour)})
	if err := os.WriteFile(path, stale, 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("parse lock: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want our own %d", info.PID, os.Getpid())
	}
}

func TestAcquireReplacesCorruptLock(t *testing.T) {
	path := lockPath(t)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupt lock: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over corrupt lock: %v", err)
	}
	l.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(lockPath(t))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "autopilot.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
}
