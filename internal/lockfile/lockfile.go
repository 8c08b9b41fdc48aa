// Package lockfile enforces single-instance operation per data directory.
// A second engine over the same store would double-schedule every task.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrLockHeld is returned when another live process holds the lock.
var ErrLockHeld = errors.New("lock held by another process")

type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held lockfile. Release is idempotent.
type Lock struct {
	path        string
	releaseOnce sync.Once
	releaseErr  error
}

// Acquire takes the lock at path. A lockfile naming a dead process is
// stale and silently replaced; one naming a live process returns
// ErrLockHeld wrapped with that PID.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	if info, err := read(path); err == nil {
		if processAlive(info.PID) {
			return nil, fmt.Errorf("%w (pid %d since %s)", ErrLockHeld,
				info.PID, info.StartedAt.Format(time.RFC3339))
		}
		// Stale lock from a crashed run.
		_ = os.Remove(path)
	}

	info := lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encoding lock info: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("installing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile. Safe to call more than once.
func (l *Lock) Release() error {
	l.releaseOnce.Do(func() {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.releaseErr = fmt.Errorf("removing lock file: %w", err)
		}
	})
	return l.releaseErr
}

func read(path string) (lockInfo, error) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		// An unreadable lockfile is treated as stale.
		return info, err
	}
	return info, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
