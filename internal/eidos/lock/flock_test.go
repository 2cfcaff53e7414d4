package lock

import (
	"path/filepath"
	"testing"
)

func TestAcquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "eidos.lock")

	f, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	defer Release(f)

	if _, err := Acquire(lockPath); err == nil {
		t.Fatal("second lock should fail")
	}
}

func TestRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "eidos.lock")

	f, err := Acquire(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	Release(f)

	f2, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("lock after release should succeed: %v", err)
	}
	Release(f2)
}
