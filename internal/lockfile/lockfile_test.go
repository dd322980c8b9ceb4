//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireDir_SecondHolderFails(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	first, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if got := first.Path(); got != filepath.Join(dir, FileName) {
		t.Fatalf("Path=%q", got)
	}
	pid, ok := Holder(first.Path())
	if !ok || pid != os.Getpid() {
		t.Fatalf("Holder=%d,%v want %d", pid, ok, os.Getpid())
	}

	// flock is per open file description, so a second open in this process conflicts too.
	_, err = AcquireDir(dir)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("err=%v, want ErrAlreadyLocked", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Fatalf("err=%q, want holder pid", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir after release: %v", err)
	}
	_ = again.Release()
}

func TestLock_NilAndDoubleRelease(t *testing.T) {
	t.Parallel()

	var l *Lock
	if l.Path() != "" || l.Release() != nil {
		t.Fatalf("nil lock should be inert")
	}
	lk, err := Acquire(filepath.Join(t.TempDir(), "x.lock"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := AcquireDir("  "); err == nil {
		t.Fatalf("expected error for blank dir")
	}
}
