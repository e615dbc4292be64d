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

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	want := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != want {
		t.Errorf("lock file content = %q, want %q", content, want)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("second Acquire succeeded while lock held")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error type = %T, want *ConflictError", err)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error should name the lock path: %s", err)
	}
	if !strings.Contains(conflict.Holder, "running") {
		t.Errorf("holder should identify the live process, got %q", conflict.Holder)
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	path := filepath.Join(dir, LockFileName)
	if err := lock.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	// The directory can be locked again afterwards.
	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire with missing dir: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParsePID(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"pid=12345\n", 12345},
		{"pid=678 extra", 678},
		{"note=hi\npid=9", 9},
		{"pid=abc", 0},
		{"12345", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parsePID(tc.content); got != tc.want {
			t.Errorf("parsePID(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if processAlive(1 << 28) {
		t.Error("absurd PID reported alive")
	}
}
