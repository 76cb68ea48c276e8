// Package lock provides the advisory file locks that keep overlapping cron
// firings of the same task from doing double work.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrBusy means another process holds the lock. Callers treat it as a
// silent no-op and exit 0.
var ErrBusy = errors.New("lock busy")

// Lock is a held advisory lock. The descriptor stays open for the life of
// the process; releasing explicitly is optional.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive non-blocking flock on path, creating it if
// needed. Returns ErrBusy when another holder exists.
func Acquire(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release drops the lock. Safe on nil.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}

// PIDLock is the MQ worker's PID-file lock. Unlike Lock it survives only
// as long as the file does, and a stale PID is silently reclaimed.
type PIDLock struct {
	path string
}

// AcquirePID writes the current PID to path. A live PID already in the
// file returns ErrBusy; a dead or malformed one is reclaimed.
func AcquirePID(path string) (*PIDLock, error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) {
				return nil, ErrBusy
			}
		}
		// Dead process or garbage in the file: claim it.
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDLock{path: path}, nil
}

// Release removes the PID file. Safe on nil.
func (l *PIDLock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
