// Package collector owns the kernel audit pid lease. It pumps netlink
// records into the accumulator, verifies the lease periodically, and
// yields it when the system's own auditd shows up.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/accumulator"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/internal/parser"
	"github.com/therealutkarshpriyadarshi/audisp/internal/reliability"
	"github.com/therealutkarshpriyadarshi/audisp/internal/signals"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

var (
	// ErrPidInUse means a live process already holds the audit pid.
	ErrPidInUse = errors.New("another process is already the audit collector")

	// ErrPidLeaseLost means another process took the pid from us.
	ErrPidLeaseLost = errors.New("another process took over the audit pid lease")
)

const (
	defaultAuditdDir        = "/sbin"
	defaultAuditdName       = "auditd"
	defaultPidCheckInterval = 10 * time.Second
	defaultReceiveTimeout   = 100 * time.Millisecond
	defaultFlushAge         = 200 * time.Millisecond

	claimRetries = 5
)

// Config holds collector tunables. Zero values take the defaults.
type Config struct {
	AuditdDir        string
	AuditdName       string
	ProcDir          string
	PidCheckInterval time.Duration
	ReceiveTimeout   time.Duration
	FlushAge         time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuditdDir == "" {
		c.AuditdDir = defaultAuditdDir
	}
	if c.AuditdName == "" {
		c.AuditdName = defaultAuditdName
	}
	if c.ProcDir == "" {
		c.ProcDir = "/proc"
	}
	if c.PidCheckInterval == 0 {
		c.PidCheckInterval = defaultPidCheckInterval
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.FlushAge == 0 {
		c.FlushAge = defaultFlushAge
	}
}

// Collector drives one audit netlink collection session.
type Collector struct {
	cfg     Config
	acc     *accumulator.Accumulator
	parser  *parser.Parser
	signals *signals.Handler
	logger  *logging.Logger
	metrics *metrics.Collector

	retryCfg reliability.RetryConfig
}

// New creates a collector feeding acc.
func New(cfg Config, acc *accumulator.Accumulator, sigs *signals.Handler, logger *logging.Logger, m *metrics.Collector) *Collector {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Global()
	}
	return &Collector{
		cfg:     cfg,
		acc:     acc,
		parser:  &parser.Parser{Metrics: m},
		signals: sigs,
		logger:  logger.WithComponent("collector"),
		metrics: m,
		retryCfg: reliability.RetryConfig{
			MaxRetries:     claimRetries,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// Run performs one collection session: claim the pid lease, pump
// records until shutdown. It returns (true, nil) when the kernel
// dropped the pid to zero and the caller should reconnect, and
// (false, nil) on a clean stop, including a polite yield to auditd.
func (c *Collector) Run() (restart bool, err error) {
	nl, err := OpenNetlink(c.handleRecord)
	if err != nil {
		return false, err
	}
	defer nl.Close()

	watcher, err := watchForAuditd(c.cfg.AuditdDir, c.cfg.AuditdName, c.logger)
	if err != nil {
		return false, err
	}
	defer watcher.Stop()

	c.logger.Info().Msg("Checking assigned audit pid")
	var status auditStatus
	if err := c.netlinkRetry(func() error {
		var gerr error
		status, gerr = nl.AuditGetStatus()
		return gerr
	}); err != nil {
		return false, fmt.Errorf("failed to get audit status: %w", err)
	}

	if status.Pid != 0 && c.pidAlive(status.Pid) {
		c.logger.Error().Uint32("pid", status.Pid).Msg("Audit pid is held by a live process")
		return false, ErrPidInUse
	}

	ourPid := uint32(os.Getpid())
	wasEnabled := status.Enabled

	c.logger.Info().Msg("Claiming audit pid")
	if err := c.claimPid(nl, ourPid); err != nil {
		return false, err
	}

	if wasEnabled == 0 {
		c.logger.Info().Msg("Enabling audit event collection")
		if err := c.netlinkRetry(func() error { return nl.AuditSetEnabled(1) }); err != nil {
			return false, fmt.Errorf("failed to enable auditing: %w", err)
		}
		defer func() {
			// Restore the enabled state we found. The kernel clears
			// the pid itself when the socket closes.
			if rerr := c.netlinkRetry(func() error { return nl.AuditSetEnabled(0) }); rerr != nil {
				c.logger.Error().Err(rerr).Msg("Failed to restore audit enabled state")
			}
		}()
	}

	c.logger.Info().Msg("Collecting audit events")
	lastPidCheck := time.Now()
	for !c.signals.IsExit() {
		select {
		case <-watcher.Found():
			c.logger.Info().Msg("Yielding audit pid lease to auditd")
			return false, nil
		default:
		}

		if err := nl.Receive(c.cfg.ReceiveTimeout); err != nil {
			if c.signals.IsExit() {
				break
			}
			return false, fmt.Errorf("netlink receive failed: %w", err)
		}

		if err := c.acc.Flush(c.cfg.FlushAge); err != nil {
			// The queue has closed under us; shut down.
			c.logger.Warn().Err(err).Msg("Flush failed, exiting collection loop")
			break
		}

		if time.Since(lastPidCheck) >= c.cfg.PidCheckInterval {
			lastPidCheck = time.Now()
			var pid uint32
			if err := c.netlinkRetry(func() error {
				var gerr error
				pid, gerr = nl.AuditGetPid()
				return gerr
			}); err != nil {
				if c.signals.IsExit() {
					break
				}
				return false, fmt.Errorf("failed to verify audit pid: %w", err)
			}
			switch {
			case pid == ourPid:
			case pid == 0:
				c.logger.Warn().Msg("Audit pid was unexpectedly cleared, reconnecting")
				return true, nil
			default:
				c.logger.Error().Uint32("pid", pid).Msg("Audit pid lease was taken by another process")
				return false, ErrPidLeaseLost
			}
		}
	}
	return false, nil
}

// claimPid registers our pid, resolving lost-reply timeouts by
// re-reading the kernel's pid: setpid may have been applied even when
// its acknowledgement never arrived.
func (c *Collector) claimPid(nl *Netlink, ourPid uint32) error {
	for attempt := 0; attempt <= claimRetries; attempt++ {
		err := nl.AuditSetPid(ourPid)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNetlinkTimeout) {
			return fmt.Errorf("failed to set audit pid: %w", err)
		}

		var pid uint32
		if gerr := c.netlinkRetry(func() error {
			var e error
			pid, e = nl.AuditGetPid()
			return e
		}); gerr != nil {
			return fmt.Errorf("failed to verify audit pid after setpid timeout: %w", gerr)
		}
		switch {
		case pid == ourPid:
			return nil
		case pid == 0:
			// Not applied; try again.
		default:
			return fmt.Errorf("%w (pid = %d)", ErrPidLeaseLost, pid)
		}
	}
	return fmt.Errorf("failed to set audit pid: retries exceeded")
}

// handleRecord receives one raw kernel record. Control traffic and
// REPLACE notifications are dropped here.
func (c *Collector) handleRecord(msgType uint16, data []byte) {
	code := uint32(msgType)
	if code < types.RecordTypeFirstUserMsg || code == types.RecordTypeReplace {
		return
	}
	if c.metrics != nil {
		c.metrics.NetlinkRecords.Inc()
	}

	rec, err := c.parser.Parse(data)
	if err != nil {
		c.logger.Warn().Err(err).Uint32("type", code).Msg("Received unparsable event data")
		return
	}
	parser.SetTypeCode(rec, code)

	if err := c.acc.AddRecord(rec); err != nil {
		// Queue closed: shutdown is already in motion.
		c.signals.RequestExit()
	}
}

// netlinkRetry wraps a netlink operation in the standard bounded
// exponential backoff, counting retries.
func (c *Collector) netlinkRetry(fn func() error) error {
	attempt := 0
	return reliability.Retry(context.Background(), c.retryCfg, func(ctx context.Context) error {
		if attempt > 0 && c.metrics != nil {
			c.metrics.NetlinkRetries.Inc()
		}
		attempt++
		return fn()
	})
}

func (c *Collector) pidAlive(pid uint32) bool {
	_, err := os.Stat(filepath.Join(c.cfg.ProcDir, strconv.FormatUint(uint64(pid), 10)))
	return err == nil
}
