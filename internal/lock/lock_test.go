package lock

import (
	"errors"
	"io/fs"
	"os"
	"testing"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	owner, err := ReadOwner(dir)
	if err != nil {
		t.Fatalf("ReadOwner() error = %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("owner PID = %d, want %d", owner.PID, os.Getpid())
	}
	if owner.Since.IsZero() {
		t.Error("owner Since not recorded")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}
	if !errors.Is(err, ErrHeld) {
		t.Errorf("expected ErrHeld, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected *HeldError, got %T", err)
	}
	if held.Owner.PID != os.Getpid() {
		t.Errorf("held by PID %d, want %d", held.Owner.PID, os.Getpid())
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := ReadOwner(dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadOwner after release error = %v, want not-exist", err)
	}

	// Lock can be taken again.
	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
