package collector

import (
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/accumulator"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/internal/signals"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

func TestAuditStatus_MarshalRoundTrip(t *testing.T) {
	status := auditStatus{
		Mask:         auditStatusPid | auditStatusEnabled,
		Enabled:      1,
		Pid:          4242,
		RateLimit:    100,
		BacklogLimit: 8192,
		Lost:         3,
		Backlog:      17,
	}

	buf := status.marshal()
	if len(buf) != auditStatusLen {
		t.Fatalf("marshalled %d bytes, want %d", len(buf), auditStatusLen)
	}

	back, err := unmarshalStatus(buf)
	if err != nil {
		t.Fatalf("unmarshalStatus() error = %v", err)
	}
	if back != status {
		t.Errorf("round trip = %+v, want %+v", back, status)
	}

	if _, err := unmarshalStatus(buf[:16]); err == nil {
		t.Errorf("short status accepted")
	}
}

func newTestCollector(t *testing.T) (*Collector, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), queue.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(q.Close)

	logger := logging.Global()
	acc := accumulator.New(accumulator.Config{}, q, logger, nil)
	sigs := signals.New(logger)
	return New(Config{}, acc, sigs, logger, nil), q
}

func TestHandleRecord_FiltersControlTraffic(t *testing.T) {
	col, q := newTestCollector(t)

	// Control traffic (type < 1100) and REPLACE must be dropped.
	col.handleRecord(1000, []byte("audit(1.000:1): ignored"))
	col.handleRecord(uint16(types.RecordTypeReplace), []byte("audit(1.000:2): ignored"))

	if got := col.acc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	cursor, _ := q.OpenCursor("test")
	if _, err := q.Get(cursor, 50*time.Millisecond); err == nil {
		t.Errorf("dropped record reached the queue")
	}
}

func TestHandleRecord_BuildsEvents(t *testing.T) {
	col, q := newTestCollector(t)

	// Kernel records arrive without a type= token; the netlink
	// header supplies the type.
	col.handleRecord(uint16(types.RecordTypeSyscall), []byte("audit(30.000:8): syscall=59 ses=unset"))
	col.handleRecord(uint16(types.RecordTypeEOE), []byte("audit(30.000:8): "))

	if got := col.acc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0 after EOE", got)
	}

	cursor, _ := q.OpenCursor("test")
	item, err := q.Get(cursor, time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	q.Commit(cursor, item)
}

func TestHandleRecord_UnparsableIsDropped(t *testing.T) {
	col, _ := newTestCollector(t)

	col.handleRecord(uint16(types.RecordTypeSyscall), []byte("not an audit record"))
	if got := col.acc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.AuditdDir != "/sbin" || cfg.AuditdName != "auditd" {
		t.Errorf("auditd watch = %s/%s", cfg.AuditdDir, cfg.AuditdName)
	}
	if cfg.PidCheckInterval != 10*time.Second {
		t.Errorf("pid check interval = %v", cfg.PidCheckInterval)
	}
	if cfg.FlushAge != 200*time.Millisecond {
		t.Errorf("flush age = %v", cfg.FlushAge)
	}
}
