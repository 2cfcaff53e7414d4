// Package lock provides the single-instance file lock the eidos daemon
// holds for its process lifetime, preventing two instances from writing to
// the same canonical store concurrently.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// Acquire attempts to acquire an exclusive file lock at path, returning the
// open file handle the caller must keep open for the process lifetime.
func Acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another eidos instance is running (lock: %s)", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return f, nil
}

// Release releases the lock and removes the lock file. Safe to call with nil.
func Release(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}
