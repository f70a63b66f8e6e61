// Package lockfile guards a FrontDoor state directory against a second
// process. The lock is an flock on a file inside the directory, so the
// kernel drops it when the holder exits for any reason.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FileName is the lock file created inside the state directory.
const FileName = "frontdoor.lock"

// ErrHeld is wrapped by HeldError.
var ErrHeld = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock for dir without blocking. A *HeldError is returned
// when another process owns it.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		held := &HeldError{Path: path, PID: readPID(path), Cause: err}
		slog.Error("lockfile.Acquire: lock held", "path", path, "pid", held.PID)
		return nil, held
	}

	// The previous holder's pid stays in the file until we own the lock.
	if err := f.Truncate(0); err != nil {
		release(f)
		return nil, fmt.Errorf("truncate lock file %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		release(f)
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "path", path, "error", err)
	}

	slog.Info("lockfile.Acquire: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	err := release(l.file)
	l.file = nil
	slog.Info("lockfile.Release: released", "path", l.path)
	return err
}

func release(f *os.File) error {
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	return errors.Join(unlockErr, closeErr)
}

// HeldError reports the process that owns the lock, when it can be read.
type HeldError struct {
	Path  string
	PID   int
	Cause error
}

func (e *HeldError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another FrontDoor instance is using this state directory (lock file %s", e.Path)
	switch {
	case e.PID <= 0:
	case processAlive(e.PID):
		fmt.Fprintf(&b, ", pid %d running", e.PID)
	default:
		fmt.Fprintf(&b, ", pid %d not running", e.PID)
	}
	b.WriteString(")")
	return b.String()
}

// Is lets errors.Is match ErrHeld.
func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

func (e *HeldError) Unwrap() error {
	return e.Cause
}

// readPID returns the pid recorded in the lock file, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
