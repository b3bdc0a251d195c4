package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lock.Abandoned {
		t.Errorf("fresh lock reported abandoned")
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file missing: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file not removed after release")
	}
}

func TestAcquire_AbandonedDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// A leftover file with no live holder means the previous
	// instance died without releasing.
	if err := os.WriteFile(path, []byte("12345\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	if !lock.Abandoned {
		t.Errorf("abandoned lock not detected")
	}
}

func TestAcquire_Reacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	second.Release()
}
