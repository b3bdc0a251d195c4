package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/event"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

const (
	connectTimeout = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// ErrSocketNotAllowed means the endpoint path falls outside the
// configured whitelist of socket directories.
var ErrSocketNotAllowed = errors.New("output socket path is not in an allowed directory")

// SocketSink delivers events over a local stream socket with framed
// acknowledgements.
type SocketSink struct {
	name string
	path string
	conn net.Conn
	acks bool
}

// NewSocketSink creates a sink for a unix stream socket endpoint.
// allowedDirs, when non-empty, whitelists the directories an endpoint
// may live in.
func NewSocketSink(name, path string, ackMode bool, allowedDirs []string) (*SocketSink, error) {
	if len(allowedDirs) > 0 {
		allowed := false
		for _, dir := range allowedDirs {
			if strings.HasPrefix(path, dir) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrSocketNotAllowed, path)
		}
	}
	return &SocketSink{name: name, path: path, acks: ackMode}, nil
}

func (s *SocketSink) Name() string { return s.name }

func (s *SocketSink) SupportsAcks() bool { return s.acks }

func (s *SocketSink) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.path, err)
	}
	s.conn = conn
	return nil
}

func (s *SocketSink) Send(blob []byte) error {
	if s.conn == nil {
		return errors.New("socket sink is not connected")
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(blob); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (s *SocketSink) ReadAck(timeout time.Duration) (types.EventId, bool, error) {
	if s.conn == nil {
		return types.EventId{}, false, errors.New("socket sink is not connected")
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return types.EventId{}, false, err
	}
	var buf [event.AckSize]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return types.EventId{}, false, nil
		}
		return types.EventId{}, false, fmt.Errorf("failed to read ack: %w", err)
	}
	id, err := event.DecodeAck(buf[:])
	if err != nil {
		return types.EventId{}, false, err
	}
	return id, true, nil
}

func (s *SocketSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
