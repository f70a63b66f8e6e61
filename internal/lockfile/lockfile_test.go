package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("path = %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = Acquire(dir)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error is %T, want *HeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Fatalf("held pid = %d, want %d", held.PID, os.Getpid())
	}
	if !strings.Contains(err.Error(), "running") {
		t.Fatalf("message should report a running holder: %s", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestStaleFileIsOverwritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("pid=999999999\nleftover junk that is longer\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer lock.Release()
	content, _ := os.ReadFile(path)
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"pid=42\n", 42},
		{"host=a\npid=7\n", 7},
		{"pid=abc\n", 0},
		{"pid=-3\n", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.in); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHeldErrorMessage(t *testing.T) {
	err := &HeldError{Path: "/x/frontdoor.lock"}
	if !strings.Contains(err.Error(), "/x/frontdoor.lock") {
		t.Fatalf("message missing path: %s", err)
	}
	if strings.Contains(err.Error(), "pid") {
		t.Fatalf("message mentions pid without one: %s", err)
	}
}
