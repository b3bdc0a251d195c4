// Package lockfile provides the advisory singleton lock that keeps
// two collector instances from fighting over the queue directory and
// the audit pid.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock is an exclusive advisory file lock.
type Lock struct {
	path string
	file *os.File

	// Abandoned reports that the lock file already existed but no
	// process held it: the previous instance did not exit cleanly.
	Abandoned bool
}

// Acquire takes the lock, failing fast when a live holder exists.
func Acquire(path string) (*Lock, error) {
	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// Record our pid for postmortem inspection; the flock is the
	// actual exclusion mechanism.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &Lock{path: path, file: f, Abandoned: existed}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}
