package input

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/therealutkarshpriyadarshi/audisp/internal/event"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
)

// HandlerFunc receives one validated serialized event blob from a
// client connection.
type HandlerFunc func(blob []byte) error

// SocketServer accepts framed serialized events on a unix stream
// socket. Each message is a 4-byte little-endian length prefix equal
// to the total message length including the prefix, which is exactly
// the serialized event's own framing, so the message IS the blob.
type SocketServer struct {
	path    string
	handler HandlerFunc
	logger  *logging.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSocketServer creates a server; nothing listens until Start.
func NewSocketServer(path string, handler HandlerFunc, logger *logging.Logger) *SocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		path:    path,
		handler: handler,
		logger:  logger.WithComponent("input-socket"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the socket and begins accepting connections. A stale
// socket file from an unclean exit is removed first.
func (s *SocketServer) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0666); err != nil {
		ln.Close()
		return fmt.Errorf("failed to chmod socket %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("path", s.path).Msg("Ingress socket listening")
	return nil
}

// Stop closes the listener, waits for connection handlers and removes
// the socket file.
func (s *SocketServer) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}

func (s *SocketServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("Failed to accept connection")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *SocketServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	r := io.Reader(conn)
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Error reading message header")
			}
			return
		}
		size := binary.LittleEndian.Uint32(prefix[:])
		if size < event.HeaderSize || size > event.MaxBlobSize {
			s.logger.Warn().Uint32("size", size).Msg("Invalid message size, dropping connection")
			return
		}

		blob := make([]byte, size)
		copy(blob, prefix[:])
		if _, err := io.ReadFull(r, blob[4:]); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Error reading message body")
			}
			return
		}
		if _, err := event.PeekEventId(blob); err != nil {
			s.logger.Warn().Err(err).Msg("Invalid serialized event, dropping connection")
			return
		}

		if err := s.handler(blob); err != nil {
			s.logger.Warn().Err(err).Msg("Handler rejected event, closing connection")
			return
		}
	}
}
