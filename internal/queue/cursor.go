package queue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cursor is a named, durably persisted read position. One consumer
// owns a cursor; Get/Commit/Rollback for it are serialized by that
// consumer. The committed positions are per priority because the
// sequence space is shared across priorities while delivery within a
// priority must stay ordered.
type Cursor struct {
	name string
	path string
	q    *Queue // set once the cursor is registered with its queue

	committed []uint64 // persisted: highest committed sequence per priority
	nextRead  []uint64 // in-memory: last delivered sequence per priority
	dirty     bool
}

// Name returns the cursor's name.
func (c *Cursor) Name() string {
	return c.name
}

// Committed returns the committed sequence for a priority.
func (c *Cursor) Committed(priority int) uint64 {
	if c.q != nil {
		c.q.mu.Lock()
		defer c.q.mu.Unlock()
	}
	return c.committed[priority]
}

// save persists the committed vector via write-new, fsync, rename.
func (c *Cursor) save() error {
	tmp := c.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create cursor file: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, seq := range c.committed {
		fmt.Fprintf(w, "%020d\n", seq)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync cursor: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename cursor: %w", err)
	}
	c.dirty = false
	return nil
}

// loadCursor reads a cursor file. Short files (the priority count
// grew) pad with zero; extra lines are dropped.
func loadCursor(dir, name string, numPriorities int) (*Cursor, error) {
	c := &Cursor{
		name:      name,
		path:      filepath.Join(dir, name),
		committed: make([]uint64, numPriorities),
		nextRead:  make([]uint64, numPriorities),
	}

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor %q: %w", name, err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i, line := range lines {
		if i >= numPriorities {
			break
		}
		seq, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor %q line %d: %w", name, i+1, err)
		}
		c.committed[i] = seq
	}
	copy(c.nextRead, c.committed)
	return c, nil
}

// validCursorName keeps cursor names inside the cursors directory.
func validCursorName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
