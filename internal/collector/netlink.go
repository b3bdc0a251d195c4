package collector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Kernel audit netlink message types and status mask bits.
const (
	auditGet uint16 = 1000
	auditSet uint16 = 1001

	auditStatusEnabled uint32 = 0x0001
	auditStatusPid     uint32 = 0x0004

	nlmsgHdrLen = 16
	recvBufSize = 1024 * 1024
)

var (
	ErrNetlinkTimeout = errors.New("netlink request timed out")
	ErrNetlinkClosed  = errors.New("netlink socket is closed")
)

// auditStatus mirrors the kernel's struct audit_status. The kernel
// accepts the 32-byte prefix even where newer fields exist.
type auditStatus struct {
	Mask         uint32
	Enabled      uint32
	Failure      uint32
	Pid          uint32
	RateLimit    uint32
	BacklogLimit uint32
	Lost         uint32
	Backlog      uint32
}

const auditStatusLen = 32

func (s *auditStatus) marshal() []byte {
	buf := make([]byte, auditStatusLen)
	binary.LittleEndian.PutUint32(buf[0:], s.Mask)
	binary.LittleEndian.PutUint32(buf[4:], s.Enabled)
	binary.LittleEndian.PutUint32(buf[8:], s.Failure)
	binary.LittleEndian.PutUint32(buf[12:], s.Pid)
	binary.LittleEndian.PutUint32(buf[16:], s.RateLimit)
	binary.LittleEndian.PutUint32(buf[20:], s.BacklogLimit)
	binary.LittleEndian.PutUint32(buf[24:], s.Lost)
	binary.LittleEndian.PutUint32(buf[28:], s.Backlog)
	return buf
}

func unmarshalStatus(data []byte) (auditStatus, error) {
	if len(data) < auditStatusLen {
		return auditStatus{}, fmt.Errorf("audit status reply is %d bytes", len(data))
	}
	return auditStatus{
		Mask:         binary.LittleEndian.Uint32(data[0:]),
		Enabled:      binary.LittleEndian.Uint32(data[4:]),
		Failure:      binary.LittleEndian.Uint32(data[8:]),
		Pid:          binary.LittleEndian.Uint32(data[12:]),
		RateLimit:    binary.LittleEndian.Uint32(data[16:]),
		BacklogLimit: binary.LittleEndian.Uint32(data[20:]),
		Lost:         binary.LittleEndian.Uint32(data[24:]),
		Backlog:      binary.LittleEndian.Uint32(data[28:]),
	}, nil
}

// RecordFunc receives one raw audit record from the kernel.
type RecordFunc func(msgType uint16, data []byte)

// Netlink owns the process's single kernel audit netlink socket.
// While a request waits for its reply, interleaved event records are
// still dispatched to the handler so nothing is dropped.
type Netlink struct {
	fd      int
	seq     atomic.Uint32
	handler RecordFunc
	closed  atomic.Bool
	buf     []byte
}

// OpenNetlink opens and binds the NETLINK_AUDIT socket.
func OpenNetlink(handler RecordFunc) (*Netlink, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_AUDIT)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind audit netlink socket: %w", err)
	}
	// The kernel can burst records faster than the pipeline drains
	// them; a large receive buffer bounds the loss window.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 8*1024*1024)

	return &Netlink{
		fd:      fd,
		handler: handler,
		buf:     make([]byte, recvBufSize),
	}, nil
}

// Close closes the socket. The kernel clears the audit pid when the
// registered socket closes.
func (n *Netlink) Close() {
	if n.closed.CompareAndSwap(false, true) {
		unix.Close(n.fd)
	}
}

// AuditGetStatus fetches the kernel audit status (pid, enabled, ...).
func (n *Netlink) AuditGetStatus() (auditStatus, error) {
	reply, err := n.request(auditGet, nil, true)
	if err != nil {
		return auditStatus{}, err
	}
	return unmarshalStatus(reply)
}

// AuditGetPid fetches the currently registered collector pid.
func (n *Netlink) AuditGetPid() (uint32, error) {
	status, err := n.AuditGetStatus()
	if err != nil {
		return 0, err
	}
	return status.Pid, nil
}

// AuditSetPid registers pid as the kernel's audit event collector.
func (n *Netlink) AuditSetPid(pid uint32) error {
	status := auditStatus{Mask: auditStatusPid, Pid: pid}
	_, err := n.request(auditSet, status.marshal(), false)
	return err
}

// AuditSetEnabled turns kernel audit event generation on or off.
func (n *Netlink) AuditSetEnabled(enabled uint32) error {
	status := auditStatus{Mask: auditStatusEnabled, Enabled: enabled}
	_, err := n.request(auditSet, status.marshal(), false)
	return err
}

// request sends one netlink request and waits for its acknowledgement
// (and, when wantReply is set, the payload reply). Event records that
// arrive meanwhile go to the handler.
func (n *Netlink) request(msgType uint16, payload []byte, wantReply bool) ([]byte, error) {
	if n.closed.Load() {
		return nil, ErrNetlinkClosed
	}

	seq := n.seq.Add(1)
	msgLen := nlmsgHdrLen + len(payload)
	msg := make([]byte, msgLen)
	binary.LittleEndian.PutUint32(msg[0:], uint32(msgLen))
	binary.LittleEndian.PutUint16(msg[4:], msgType)
	binary.LittleEndian.PutUint16(msg[6:], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(msg[8:], seq)
	binary.LittleEndian.PutUint32(msg[12:], 0)
	copy(msg[nlmsgHdrLen:], payload)

	if err := unix.Sendto(n.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("netlink send failed: %w", err)
	}

	var reply []byte
	acked := false
	deadline := time.Now().Add(time.Second)
	for {
		if acked && (!wantReply || reply != nil) {
			return reply, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: type %d", ErrNetlinkTimeout, msgType)
		}
		msgs, err := n.recv(remaining)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			switch {
			case m.Header.Seq == seq && m.Header.Type == unix.NLMSG_ERROR:
				if len(m.Data) < 4 {
					return nil, fmt.Errorf("short netlink error reply")
				}
				if code := int32(binary.LittleEndian.Uint32(m.Data)); code != 0 {
					return nil, fmt.Errorf("netlink request type %d failed: %w",
						msgType, unix.Errno(-code))
				}
				acked = true
			case m.Header.Seq == seq && m.Header.Type == msgType:
				reply = m.Data
				if !wantReply {
					continue
				}
				// A payload reply implies the request was accepted.
				acked = true
			default:
				n.dispatch(m)
			}
		}
	}
}

// Receive waits up to timeout for kernel records and dispatches them
// to the handler. A timeout is not an error.
func (n *Netlink) Receive(timeout time.Duration) error {
	msgs, err := n.recv(timeout)
	if err != nil {
		if errors.Is(err, ErrNetlinkTimeout) {
			return nil
		}
		return err
	}
	for _, m := range msgs {
		n.dispatch(m)
	}
	return nil
}

func (n *Netlink) dispatch(m syscall.NetlinkMessage) {
	if n.handler == nil {
		return
	}
	if m.Header.Type == unix.NLMSG_ERROR || m.Header.Type == unix.NLMSG_DONE {
		return
	}
	n.handler(m.Header.Type, m.Data)
}

func (n *Netlink) recv(timeout time.Duration) ([]syscall.NetlinkMessage, error) {
	if n.closed.Load() {
		return nil, ErrNetlinkClosed
	}

	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
	for {
		nready, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("netlink poll failed: %w", err)
		}
		if nready == 0 {
			return nil, ErrNetlinkTimeout
		}
		break
	}

	for {
		nr, _, err := unix.Recvfrom(n.fd, n.buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("netlink recv failed: %w", err)
		}
		msgs, err := syscall.ParseNetlinkMessage(n.buf[:nr])
		if err != nil {
			return nil, fmt.Errorf("failed to parse netlink message: %w", err)
		}
		// ParseNetlinkMessage returns views into n.buf; copy out so
		// the next recv cannot clobber a record in flight.
		out := make([]syscall.NetlinkMessage, len(msgs))
		for i, m := range msgs {
			data := make([]byte, len(m.Data))
			copy(data, m.Data)
			out[i] = syscall.NetlinkMessage{Header: m.Header, Data: data}
		}
		return out, nil
	}
}
