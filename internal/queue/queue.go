// Package queue implements the durable multi-priority FIFO that sits
// between the event accumulator and the output dispatchers. Items are
// size-prefixed blobs held in memory and mirrored to bounded on-disk
// files by a background saver; named cursors track per-consumer read
// positions across restarts.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrTimeout         = errors.New("queue get timed out")
	ErrInvalidPriority = errors.New("priority out of range")
	ErrInvalidItem     = errors.New("item blob has inconsistent size prefix")
)

const (
	defaultNumPriorities   = 8
	defaultMaxFileDataSize = 1024 * 1024
	defaultMaxUnsavedFiles = 128
	defaultMaxFSBytes      = 128 * 1024 * 1024
	defaultMaxFSPct        = 10
	defaultMinFreePct      = 5
)

// Config holds queue limits. Zero values take the defaults above.
type Config struct {
	NumPriorities   int
	MaxFileDataSize int64
	MaxUnsavedFiles int
	MaxFSBytes      uint64
	MaxFSPct        float64
	MinFreePct      float64
}

func (c *Config) applyDefaults() {
	if c.NumPriorities == 0 {
		c.NumPriorities = defaultNumPriorities
	}
	if c.MaxFileDataSize == 0 {
		c.MaxFileDataSize = defaultMaxFileDataSize
	}
	if c.MaxUnsavedFiles == 0 {
		c.MaxUnsavedFiles = defaultMaxUnsavedFiles
	}
	if c.MaxFSBytes == 0 {
		c.MaxFSBytes = defaultMaxFSBytes
	}
	if c.MaxFSPct == 0 {
		c.MaxFSPct = defaultMaxFSPct
	}
	if c.MinFreePct == 0 {
		c.MinFreePct = defaultMinFreePct
	}
}

// Stats are cumulative counters since Open.
type Stats struct {
	ItemsPut       uint64
	FilesDeleted   uint64
	ItemsLost      uint64
	CursorAdvances uint64
	BytesTotal     int64
}

// Item is one delivered queue entry. It holds a reservation keeping
// its file from deletion until Commit or Rollback.
type Item struct {
	Sequence uint64
	Priority int
	Data     []byte

	file     *queueFile
	released bool
}

// Queue is a durable bounded multi-priority FIFO.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	dir       string
	cursorDir string

	files   [][]*queueFile // per priority, ordered by first sequence
	active  []*queueFile   // per priority, nil until first Put
	cursors map[string]*Cursor

	nextSeq uint64
	closed  bool
	stats   Stats

	closeCh chan struct{}
	waitCh  chan struct{}

	// statfs is swapped out by tests.
	statfs func(dir string) (total, free uint64, err error)

	logger  *logging.Logger
	metrics *metrics.Collector
}

// Open opens (or creates) a queue rooted at dir and recovers any
// state a previous instance left behind. Files whose contents are
// inconsistent with their size prefixes are truncated to the last
// valid item.
func Open(dir string, cfg Config, logger *logging.Logger, m *metrics.Collector) (*Queue, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Global()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	cursorDir := filepath.Join(dir, "cursors")
	if err := os.MkdirAll(cursorDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cursors directory: %w", err)
	}

	q := &Queue{
		cfg:       cfg,
		dir:       dir,
		cursorDir: cursorDir,
		files:     make([][]*queueFile, cfg.NumPriorities),
		active:    make([]*queueFile, cfg.NumPriorities),
		cursors:   make(map[string]*Cursor),
		nextSeq:   1,
		closeCh:   make(chan struct{}),
		waitCh:    make(chan struct{}),
		statfs:    statfsDir,
		logger:    logger.WithComponent("queue"),
		metrics:   m,
	}

	paths, err := scanDir(dir, cfg.NumPriorities)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue directory: %w", err)
	}
	for p, list := range paths {
		for _, path := range list {
			_, firstSeq, _ := parseFileName(filepath.Base(path))
			f, truncated, err := loadQueueFile(path, p, firstSeq)
			if err != nil {
				return nil, fmt.Errorf("failed to load queue file %s: %w", path, err)
			}
			if truncated {
				q.logger.Warn().Str("file", path).Msg("Queue file was corrupt, truncated to last valid item")
			}
			if f == nil {
				// Nothing valid survived.
				_ = os.Remove(path)
				continue
			}
			q.files[p] = append(q.files[p], f)
			if f.lastSeq >= q.nextSeq {
				q.nextSeq = f.lastSeq + 1
			}
		}
	}

	cursorEntries, err := os.ReadDir(cursorDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cursors directory: %w", err)
	}
	for _, entry := range cursorEntries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(name) == ".tmp" {
			_ = os.Remove(filepath.Join(cursorDir, name))
			continue
		}
		c, err := loadCursor(cursorDir, name, cfg.NumPriorities)
		if err != nil {
			return nil, err
		}
		c.q = q
		q.cursors[name] = c
		for _, seq := range c.committed {
			if seq >= q.nextSeq {
				q.nextSeq = seq + 1
			}
		}
	}

	q.updateGaugeLocked()
	return q, nil
}

// Put appends a blob at the given priority. It never blocks: when
// trimming cannot make room the caller gets ErrQueueFull and owns the
// drop.
func (q *Queue) Put(priority int, data []byte) (uint64, error) {
	if priority < 0 {
		return 0, ErrInvalidPriority
	}
	if len(data) < 4 || binary.LittleEndian.Uint32(data) != uint32(len(data)) {
		return 0, ErrInvalidItem
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	if priority >= q.cfg.NumPriorities {
		return 0, ErrInvalidPriority
	}

	itemSize := int64(itemOverhead + len(data))
	if !q.makeRoomLocked(itemSize) {
		return 0, ErrQueueFull
	}

	seq := q.nextSeq
	q.nextSeq++

	f := q.active[priority]
	if f == nil {
		f = &queueFile{
			priority: priority,
			path:     filepath.Join(q.dir, fileName(priority, seq)),
			active:   true,
		}
		q.active[priority] = f
		q.files[priority] = append(q.files[priority], f)
	}
	f.append(seq, data)
	q.stats.ItemsPut++
	if q.metrics != nil {
		q.metrics.QueueItemsPut.WithLabelValues(strconv.Itoa(priority)).Inc()
	}

	if f.dataSize >= q.cfg.MaxFileDataSize {
		q.rotateLocked(priority)
	}

	q.enforceLocked()
	q.updateGaugeLocked()
	q.broadcastLocked()
	return seq, nil
}

// OpenCursor creates the named cursor at sequence zero, or resumes
// the persisted one.
func (q *Queue) OpenCursor(name string) (*Cursor, error) {
	if !validCursorName(name) {
		return nil, fmt.Errorf("invalid cursor name %q", name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if c, ok := q.cursors[name]; ok {
		return c, nil
	}
	c, err := loadCursor(q.cursorDir, name, q.cfg.NumPriorities)
	if err != nil {
		return nil, err
	}
	c.q = q
	q.cursors[name] = c
	return c, nil
}

// Get returns the next item for the cursor: the oldest uncommitted,
// undelivered item of the highest-priority class that has one. It
// blocks up to timeout.
func (q *Queue) Get(c *Cursor, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	for {
		if item := q.findLocked(c); item != nil {
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil, ErrTimeout
		}

		wait := q.waitCh
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}
}

func (q *Queue) findLocked(c *Cursor) *Item {
	for p := 0; p < q.cfg.NumPriorities; p++ {
		pos := c.committed[p]
		if c.nextRead[p] > pos {
			pos = c.nextRead[p]
		}
		for _, f := range q.files[p] {
			if f.lastSeq <= pos && !f.active {
				continue
			}
			for _, item := range f.items {
				if item.seq > pos {
					c.nextRead[p] = item.seq
					f.reservations++
					return &Item{
						Sequence: item.seq,
						Priority: p,
						Data:     item.data,
						file:     f,
					}
				}
			}
		}
	}
	return nil
}

// Commit advances the cursor past the item and releases its
// reservation. Committing the same item twice is a no-op.
func (q *Queue) Commit(c *Cursor, item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(item)
	p := item.Priority
	if item.Sequence > c.committed[p] {
		c.committed[p] = item.Sequence
		if c.nextRead[p] < c.committed[p] {
			c.nextRead[p] = c.committed[p]
		}
		c.dirty = true
	}
	if q.closed && c.dirty {
		// The saver has exited; persist directly so drain-time
		// commits survive the restart.
		if err := c.save(); err != nil {
			q.logger.Error().Err(err).Str("cursor", c.name).Msg("Failed to save cursor")
		}
	}
}

// Rollback releases the reservation without advancing the cursor; the
// item (and anything delivered after it at that priority) becomes
// re-deliverable.
func (q *Queue) Rollback(c *Cursor, item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(item)
	c.nextRead[item.Priority] = c.committed[item.Priority]
	q.broadcastLocked()
}

func (q *Queue) releaseLocked(item *Item) {
	if item.released {
		return
	}
	item.released = true
	if item.file.reservations > 0 {
		item.file.reservations--
	}
}

// Saver periodically mirrors dirty state to disk. It runs on its own
// goroutine and returns when Close is called.
func (q *Queue) Saver(delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-q.closeCh:
			return
		case <-ticker.C:
			q.Save()
		}
	}
}

// Save synchronously flushes unsaved files and dirty cursors. Errors
// are logged and retried on the next saver tick.
func (q *Queue) Save() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saveAllLocked()
}

func (q *Queue) saveAllLocked() {
	for p := range q.files {
		for _, f := range q.files[p] {
			if f.saved {
				continue
			}
			if err := f.save(); err != nil {
				q.logger.Error().Err(err).Str("file", f.path).Msg("Failed to save queue file")
			}
		}
	}
	for _, c := range q.cursors {
		if !c.dirty {
			continue
		}
		if err := c.save(); err != nil {
			q.logger.Error().Err(err).Str("cursor", c.name).Msg("Failed to save cursor")
		}
	}
}

// Close flushes pending state, wakes all blocked Get calls and
// refuses further Put.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.saveAllLocked()
	close(q.closeCh)
	q.broadcastLocked()
}

// TotalBytes reports the queue's current data footprint.
func (q *Queue) TotalBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytesLocked()
}

// GetStats returns a snapshot of the queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.BytesTotal = q.totalBytesLocked()
	return s
}

func (q *Queue) totalBytesLocked() int64 {
	var total int64
	for p := range q.files {
		for _, f := range q.files[p] {
			total += f.dataSize
		}
	}
	return total
}

func (q *Queue) rotateLocked(priority int) {
	f := q.active[priority]
	if f == nil {
		return
	}
	f.active = false
	q.active[priority] = nil

	unsaved := 0
	for p := range q.files {
		for _, qf := range q.files[p] {
			if !qf.active && !qf.saved {
				unsaved++
			}
		}
	}
	if unsaved > q.cfg.MaxUnsavedFiles {
		q.saveAllLocked()
	}
}

// makeRoomLocked trims until the new item fits within every disk
// bound, or reports that it cannot.
func (q *Queue) makeRoomLocked(itemSize int64) bool {
	for q.violatesLocked(q.totalBytesLocked() + itemSize) {
		if !q.trimOneLocked() {
			return false
		}
	}
	return true
}

// enforceLocked applies the bounded-disk policy after a Put or
// rotation.
func (q *Queue) enforceLocked() {
	for q.violatesLocked(q.totalBytesLocked()) {
		if !q.trimOneLocked() {
			return
		}
	}
}

func (q *Queue) violatesLocked(bytes int64) bool {
	if uint64(bytes) > q.cfg.MaxFSBytes {
		return true
	}
	total, free, err := q.statfs(q.dir)
	if err != nil || total == 0 {
		return false
	}
	if float64(bytes)/float64(total)*100 > q.cfg.MaxFSPct {
		return true
	}
	if float64(free)/float64(total)*100 < q.cfg.MinFreePct {
		return true
	}
	return false
}

// trimOneLocked deletes the oldest deletable file. Preference goes to
// a file every cursor has committed past; otherwise lagging cursors
// are force-advanced past the file and the loss is counted. Active
// and reserved files are never touched.
func (q *Queue) trimOneLocked() bool {
	var committed, any *queueFile
	for p := range q.files {
		for _, f := range q.files[p] {
			if f.active || f.reservations > 0 {
				continue
			}
			if any == nil || f.firstSeq < any.firstSeq {
				any = f
			}
			if q.fullyCommittedLocked(f) && (committed == nil || f.firstSeq < committed.firstSeq) {
				committed = f
			}
		}
	}

	target := committed
	if target == nil {
		target = any
	}
	if target == nil {
		return false
	}

	if committed == nil {
		// Force-advance every lagging cursor past the file.
		var lost uint64
		for _, c := range q.cursors {
			if c.committed[target.priority] >= target.lastSeq {
				continue
			}
			var n uint64
			for _, item := range target.items {
				if item.seq > c.committed[target.priority] {
					n++
				}
			}
			if n > lost {
				lost = n
			}
			c.committed[target.priority] = target.lastSeq
			if c.nextRead[target.priority] < target.lastSeq {
				c.nextRead[target.priority] = target.lastSeq
			}
			c.dirty = true
			q.stats.CursorAdvances++
			if q.metrics != nil {
				q.metrics.QueueCursorAdvances.Inc()
			}
		}
		if len(q.cursors) == 0 {
			lost = uint64(len(target.items))
		}
		q.stats.ItemsLost += lost
		if q.metrics != nil {
			q.metrics.QueueItemsLost.Add(float64(lost))
		}
		q.logger.Warn().
			Str("file", target.path).
			Uint64("items_lost", lost).
			Msg("Disk pressure forced removal of unconsumed queue data")
	}

	if err := target.remove(); err != nil {
		q.logger.Error().Err(err).Str("file", target.path).Msg("Failed to remove queue file")
		return false
	}
	list := q.files[target.priority]
	for i, f := range list {
		if f == target {
			q.files[target.priority] = append(list[:i], list[i+1:]...)
			break
		}
	}
	q.stats.FilesDeleted++
	if q.metrics != nil {
		q.metrics.QueueFilesDeleted.Inc()
	}
	return true
}

func (q *Queue) fullyCommittedLocked(f *queueFile) bool {
	for _, c := range q.cursors {
		if c.committed[f.priority] < f.lastSeq {
			return false
		}
	}
	return len(q.cursors) > 0
}

func (q *Queue) updateGaugeLocked() {
	if q.metrics != nil {
		q.metrics.QueueBytes.Set(float64(q.totalBytesLocked()))
	}
}

func (q *Queue) broadcastLocked() {
	close(q.waitCh)
	q.waitCh = make(chan struct{})
}

func statfsDir(dir string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
