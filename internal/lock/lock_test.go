package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesOwnerPID(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid=") {
		t.Errorf("lock file %q carries no owner pid", data)
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second acquire succeeded while the lock is held")
	}
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %T (%v), want LockHeldError", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held.PID = %d, want %d (the diagnostics come from the lock file)", held.PID, os.Getpid())
	}
}

func TestReleaseFreesTheProfile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "LOCK")); !os.IsNotExist(err) {
		t.Error("lock file left behind after release")
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseIsIdempotentAndNilSafe(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("repeat release: %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil release: %v", err)
	}
}

func TestAcquireInsidePopulatedProfileDir(t *testing.T) {
	// The profile dir already holds a cache and logs by the time the
	// daemon locks it; the lock must coexist with those files.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cache.db"), []byte("x"), 0600); err != nil {
		t.Fatalf("seed profile dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0700); err != nil {
		t.Fatalf("seed profile dir: %v", err)
	}

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache.db")); err != nil {
		t.Errorf("release disturbed the profile contents: %v", err)
	}
}
