package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/event"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

func makeEventBlob(t *testing.T, serial uint64) []byte {
	t.Helper()
	id := types.EventId{Seconds: 100, Milliseconds: 1, Serial: serial}
	blob, err := event.Encode(&types.Event{
		EventId:  id,
		Complete: true,
		Records: []*types.Record{{
			TypeCode: types.RecordTypeSyscall,
			TypeName: "SYSCALL",
			EventId:  id,
			Fields:   []types.Field{{Name: "syscall", Value: "59"}},
		}},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return blob
}

// scriptedSink is an in-memory sink driven by per-connection scripts.
type scriptedSink struct {
	mu       sync.Mutex
	connects int
	sent     [][]byte

	// script returns the next ack decision given the connection
	// count and every event sent so far, across connections.
	script func(s *scriptedSink) (types.EventId, bool, error)
	acks   bool
}

func (s *scriptedSink) Name() string       { return "scripted" }
func (s *scriptedSink) SupportsAcks() bool { return s.acks }

func (s *scriptedSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return nil
}

func (s *scriptedSink) Send(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(blob))
	copy(buf, blob)
	s.sent = append(s.sent, buf)
	return nil
}

func (s *scriptedSink) ReadAck(timeout time.Duration) (types.EventId, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script(s)
}

func (s *scriptedSink) Close() error { return nil }

func (s *scriptedSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *scriptedSink) connectsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func testQueueWithEvents(t *testing.T, n int) (*queue.Queue, []uint64) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), queue.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(q.Close)

	seqs := make([]uint64, 0, n)
	for i := 1; i <= n; i++ {
		seq, err := q.Put(0, makeEventBlob(t, uint64(i)))
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		seqs = append(seqs, seq)
	}
	return q, seqs
}

func waitForCommit(t *testing.T, q *queue.Queue, cursorName string, priority int, seq uint64) {
	t.Helper()
	cursor, err := q.OpenCursor(cursorName)
	if err != nil {
		t.Fatalf("OpenCursor() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cursor.Committed(priority) >= seq {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cursor %s never committed past %d (at %d)", cursorName, seq, cursor.Committed(priority))
}

func TestDispatcher_AcksCommitInOrder(t *testing.T) {
	q, seqs := testQueueWithEvents(t, 3)

	ackedUpTo := 0
	sink := &scriptedSink{acks: true}
	sink.script = func(s *scriptedSink) (types.EventId, bool, error) {
		// Ack each event once it has been sent, in order.
		if ackedUpTo < len(s.sent) {
			ackedUpTo++
			return types.EventId{Seconds: 100, Milliseconds: 1, Serial: uint64(ackedUpTo)}, true, nil
		}
		return types.EventId{}, false, nil
	}

	d := New(Config{Name: "test", GetTimeout: 20 * time.Millisecond}, q, sink, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(false)

	waitForCommit(t, q, "test", 0, seqs[2])
}

func TestDispatcher_ReconnectResendsUnacked(t *testing.T) {
	q, seqs := testQueueWithEvents(t, 3)

	// First connection: all three sent, only event 1 acked, then the
	// connection breaks. Second connection: events 2 and 3 resent and
	// acked.
	sink := &scriptedSink{acks: true}
	acked1 := false
	resendAcked := 0
	sink.script = func(s *scriptedSink) (types.EventId, bool, error) {
		if s.connects == 1 {
			if len(s.sent) < 3 {
				return types.EventId{}, false, nil
			}
			if !acked1 {
				acked1 = true
				return types.EventId{Seconds: 100, Milliseconds: 1, Serial: 1}, true, nil
			}
			return types.EventId{}, false, errors.New("connection reset")
		}
		// Second connection starts after three first-session sends.
		resent := len(s.sent) - 3
		if resendAcked < resent {
			resendAcked++
			return types.EventId{Seconds: 100, Milliseconds: 1, Serial: uint64(resendAcked + 1)}, true, nil
		}
		return types.EventId{}, false, nil
	}

	d := New(Config{Name: "test", GetTimeout: 20 * time.Millisecond}, q, sink, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(false)

	waitForCommit(t, q, "test", 0, seqs[2])

	if got := sink.connectsCount(); got < 2 {
		t.Errorf("connects = %d, want >= 2", got)
	}
	if got := sink.sentCount(); got != 5 {
		t.Errorf("sent = %d, want 5 (3 + 2 resent)", got)
	}

	// Resent events must be 2 and 3 in order.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, wantSerial := range []uint64{2, 3} {
		id, err := event.PeekEventId(sink.sent[3+i])
		if err != nil {
			t.Fatalf("PeekEventId() error = %v", err)
		}
		if id.Serial != wantSerial {
			t.Errorf("resend %d serial = %d, want %d", i, id.Serial, wantSerial)
		}
	}
}

func TestDispatcher_DeferredAckCommitsHeadOfLine(t *testing.T) {
	q, seqs := testQueueWithEvents(t, 3)

	// Acks arrive out of order: 2, 3, then 1. Nothing may commit
	// until 1 lands, then everything does.
	order := []uint64{2, 3, 1}
	next := 0
	sink := &scriptedSink{acks: true}
	sink.script = func(s *scriptedSink) (types.EventId, bool, error) {
		if len(s.sent) < 3 || next >= len(order) {
			return types.EventId{}, false, nil
		}
		serial := order[next]
		next++
		return types.EventId{Seconds: 100, Milliseconds: 1, Serial: serial}, true, nil
	}

	d := New(Config{Name: "test", GetTimeout: 20 * time.Millisecond}, q, sink, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(false)

	waitForCommit(t, q, "test", 0, seqs[2])
	if got := sink.connectsCount(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestDispatcher_NoAckSinkCommitsOnSend(t *testing.T) {
	q, seqs := testQueueWithEvents(t, 4)

	sink := &scriptedSink{acks: false}
	sink.script = func(s *scriptedSink) (types.EventId, bool, error) {
		return types.EventId{}, false, nil
	}

	d := New(Config{Name: "test", GetTimeout: 20 * time.Millisecond}, q, sink, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop(false)

	waitForCommit(t, q, "test", 0, seqs[3])
	if got := sink.sentCount(); got != 4 {
		t.Errorf("sent = %d, want 4", got)
	}
}

func TestDispatcher_StopRollsBackInFlight(t *testing.T) {
	q, _ := testQueueWithEvents(t, 2)

	sink := &scriptedSink{acks: true}
	sink.script = func(s *scriptedSink) (types.EventId, bool, error) {
		return types.EventId{}, false, nil // never ack
	}

	d := New(Config{Name: "test", GetTimeout: 20 * time.Millisecond}, q, sink, nil, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait for both events to be in flight, then stop without
	// blocking: they must be rolled back, not committed.
	deadline := time.Now().Add(2 * time.Second)
	for sink.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	d.Stop(false)

	cursor, _ := q.OpenCursor("test")
	if got := cursor.Committed(0); got != 0 {
		t.Errorf("committed = %d, want 0", got)
	}
	// The events are redeliverable.
	item, err := q.Get(cursor, time.Second)
	if err != nil {
		t.Fatalf("Get() after stop error = %v", err)
	}
	q.Rollback(cursor, item)
}

func TestSocketSink_Whitelist(t *testing.T) {
	allowed := []string{"/var/run/audisp/"}

	if _, err := NewSocketSink("out", "/var/run/audisp/out.socket", true, allowed); err != nil {
		t.Errorf("whitelisted path rejected: %v", err)
	}
	if _, err := NewSocketSink("out", "/tmp/evil.socket", true, allowed); !errors.Is(err, ErrSocketNotAllowed) {
		t.Errorf("non-whitelisted path error = %v, want ErrSocketNotAllowed", err)
	}
	// No whitelist means no restriction.
	if _, err := NewSocketSink("out", "/tmp/ok.socket", true, nil); err != nil {
		t.Errorf("unrestricted path rejected: %v", err)
	}
}

func TestDispatcher_WireAckMatchesBlobEventId(t *testing.T) {
	// Round-trip property: the ack a conformant consumer builds from
	// a delivered blob identifies that blob.
	for serial := uint64(1); serial <= 5; serial++ {
		blob := makeEventBlob(t, serial)
		id, err := event.PeekEventId(blob)
		if err != nil {
			t.Fatalf("PeekEventId() error = %v", err)
		}
		back, err := event.DecodeAck(event.EncodeAck(id))
		if err != nil {
			t.Fatalf("DecodeAck() error = %v", err)
		}
		if back != id {
			t.Errorf("ack id = %v, want %v", back, id)
		}
	}
}
