package output

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

// StdoutSink writes framed events to standard output. There is no
// acknowledgement channel; a successful write commits the event.
type StdoutSink struct {
	name string
	w    io.Writer
}

// NewStdoutSink creates a stdout sink. w defaults to os.Stdout.
func NewStdoutSink(name string, w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutSink{name: name, w: w}
}

func (s *StdoutSink) Name() string { return s.name }

func (s *StdoutSink) SupportsAcks() bool { return false }

func (s *StdoutSink) Connect(ctx context.Context) error { return nil }

func (s *StdoutSink) Send(blob []byte) error {
	_, err := s.w.Write(blob)
	return err
}

func (s *StdoutSink) ReadAck(timeout time.Duration) (types.EventId, bool, error) {
	return types.EventId{}, false, nil
}

func (s *StdoutSink) Close() error { return nil }
