// Package signals owns process signal handling. One goroutine
// receives everything; the rest of the process polls the exit flag at
// its timeout boundaries.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
)

// Handler routes SIGINT/SIGTERM to an exit flag and SIGHUP to
// registered reload functions.
type Handler struct {
	exit     atomic.Bool
	exitCh   chan struct{}
	exitOnce sync.Once

	mu        sync.Mutex
	reloadFns []func()

	sigCh  chan os.Signal
	logger *logging.Logger
}

// New creates a handler. Signals are not delivered until Start.
func New(logger *logging.Logger) *Handler {
	return &Handler{
		exitCh: make(chan struct{}),
		sigCh:  make(chan os.Signal, 4),
		logger: logger.WithComponent("signals"),
	}
}

// OnReload registers a function to run on SIGHUP.
func (h *Handler) OnReload(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloadFns = append(h.reloadFns, fn)
}

// Start begins signal delivery on a dedicated goroutine.
func (h *Handler) Start() {
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range h.sigCh {
			switch sig {
			case syscall.SIGHUP:
				h.logger.Info().Msg("SIGHUP received, reloading")
				h.mu.Lock()
				fns := make([]func(), len(h.reloadFns))
				copy(fns, h.reloadFns)
				h.mu.Unlock()
				for _, fn := range fns {
					fn()
				}
			default:
				h.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
				h.RequestExit()
			}
		}
	}()
}

// RequestExit sets the exit flag as if a termination signal arrived.
func (h *Handler) RequestExit() {
	h.exit.Store(true)
	h.exitOnce.Do(func() { close(h.exitCh) })
}

// IsExit reports whether shutdown has been requested.
func (h *Handler) IsExit() bool {
	return h.exit.Load()
}

// Done is closed when shutdown has been requested.
func (h *Handler) Done() <-chan struct{} {
	return h.exitCh
}

// Stop ends signal delivery.
func (h *Handler) Stop() {
	signal.Stop(h.sigCh)
}
