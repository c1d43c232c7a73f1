// Package lock guarantees a single daemon per profile, and with it a single
// credential holder per account profile on this machine.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// ErrHeld matches any HeldError.
var ErrHeld = errors.New("profile lock held")

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s by PID %d since %s (%s)", ErrHeld, e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir/LOCK and records the
// current PID in it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := ReadOwner(dir)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path}, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadOwner parses the owner recorded in dir/LOCK without taking the lock.
// A missing file yields the zero Owner and an error wrapping fs.ErrNotExist.
func ReadOwner(dir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			o.PID, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(line, "time="); ok {
			o.Since, _ = time.Parse(time.RFC3339, v)
		}
	}
	return o, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", o.PID, o.Since.Format(time.RFC3339))
	return err
}
