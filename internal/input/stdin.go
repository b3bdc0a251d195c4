// Package input provides the two ingress paths that feed the
// pipeline: a line-oriented reader for audisp-style stdin, and a
// unix-socket server accepting framed serialized events.
package input

import (
	"bufio"
	"io"

	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/parser"
)

// LineSource reads newline-delimited audit records from a stream,
// typically stdin. Lines land on a buffered channel so the consumer
// can interleave reads with flush and shutdown checks.
type LineSource struct {
	r      io.Reader
	lines  chan []byte
	err    error
	logger *logging.Logger
}

// NewLineSource creates a line source over r.
func NewLineSource(r io.Reader, logger *logging.Logger) *LineSource {
	return &LineSource{
		r:      r,
		lines:  make(chan []byte, 256),
		logger: logger.WithComponent("input-stdin"),
	}
}

// Start begins reading. The lines channel closes on EOF or error;
// check Err afterwards.
func (s *LineSource) Start() {
	go func() {
		defer close(s.lines)

		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, parser.MaxRecordSize), parser.MaxRecordSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			s.lines <- buf
		}
		if err := scanner.Err(); err != nil {
			s.err = err
			s.logger.Error().Err(err).Msg("Error reading input stream")
			return
		}
		s.logger.Info().Msg("Input stream closed")
	}()
}

// Lines returns the record channel. It closes at end of stream.
func (s *LineSource) Lines() <-chan []byte {
	return s.lines
}

// Err reports the terminal read error, if any, once Lines is closed.
func (s *LineSource) Err() error {
	return s.err
}
