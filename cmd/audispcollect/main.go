// audispcollect acquires the kernel audit pid lease (or reads audisp
// records from stdin), reassembles records into events, and spools
// them through a durable queue to the forwarder's ingress socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/audisp/internal/accumulator"
	"github.com/therealutkarshpriyadarshi/audisp/internal/collector"
	"github.com/therealutkarshpriyadarshi/audisp/internal/config"
	"github.com/therealutkarshpriyadarshi/audisp/internal/input"
	"github.com/therealutkarshpriyadarshi/audisp/internal/lockfile"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/internal/output"
	"github.com/therealutkarshpriyadarshi/audisp/internal/parser"
	"github.com/therealutkarshpriyadarshi/audisp/internal/procfilter"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/internal/signals"
)

const (
	defaultConfigPath = "/etc/audisp/audispcollect.conf"
	defaultDataDir    = "/var/opt/audisp/data"
	defaultRunDir     = "/var/run/audisp"
)

var (
	configFile  = flag.String("c", defaultConfigPath, "path to the config file")
	netlinkMode = flag.Bool("n", false, "collect from the kernel audit netlink socket instead of stdin")
	stopDelay   = flag.Int("s", 0, "seconds to let the output drain after the input stops")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	useSyslog, err := cfg.GetBoolOr("use_syslog", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := logging.New(logging.Config{
		Level:     cfg.GetStringOr("log_level", "info"),
		UseSyslog: useSyslog,
		Tag:       "audispcollect",
	})
	logging.SetGlobal(logger)

	dataDir := cfg.GetStringOr("data_dir", defaultDataDir)
	if cfg.HasKey("queue_dir") {
		dataDir = cfg.GetString("queue_dir")
	}
	runDir := cfg.GetStringOr("run_dir", defaultRunDir)
	socketPath := cfg.GetStringOr("socket_path", filepath.Join(runDir, "input.socket"))
	queueDir := filepath.Join(dataDir, "collect_queue")
	lockPath := cfg.GetStringOr("lock_file", filepath.Join(dataDir, "audispcollect.lock"))

	qcfg, saveDelay, err := queue.SettingsFrom(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid queue configuration")
		return 1
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		logger.Error().Err(err).Str("dir", dataDir).Msg("Failed to create data directory")
		return 1
	}

	logger.Info().Str("lock", lockPath).Msg("Acquiring singleton lock")
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire singleton lock")
		return 1
	}
	defer lock.Release()
	if lock.Abandoned {
		logger.Warn().Msg("Previous instance did not exit cleanly")
	}

	m := metrics.NewCollector()
	filter := procfilter.New(cfg)

	sigs := signals.New(logger)
	sigs.OnReload(func() {
		if reloaded, err := loadConfig(*configFile); err == nil {
			filter.Reload(reloaded)
			logger.Info().Int("rules", filter.Size()).Msg("Filter rules reloaded")
		} else {
			logger.Warn().Err(err).Msg("Config reload failed, keeping previous rules")
		}
	})
	sigs.Start()

	logger.Info().Str("dir", queueDir).Msg("Opening queue")
	q, err := queue.Open(queueDir, qcfg, logger, m)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open queue")
		return 1
	}

	var saverWg sync.WaitGroup
	saverWg.Add(1)
	go func() {
		defer saverWg.Done()
		q.Saver(saveDelay)
	}()

	acc := accumulator.New(accumulator.Config{Filter: filter}, q, logger, m)

	sink, err := output.NewSocketSink("output", socketPath, true, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create output sink")
		q.Close()
		saverWg.Wait()
		return 1
	}
	dispatcher := output.New(output.Config{Name: "output"}, q, sink, logger, m)
	if err := dispatcher.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start output")
		q.Close()
		saverWg.Wait()
		return 1
	}

	stopMetricLog := startMetricLog(m, logger)

	exitCode := 0
	if *netlinkMode {
		col := collector.New(collector.Config{}, acc, sigs, logger, m)
		for {
			restart, err := col.Run()
			if err != nil {
				logger.Error().Err(err).Msg("Audit collection failed")
				exitCode = 1
				break
			}
			if !restart || sigs.IsExit() {
				break
			}
		}
	} else {
		runStdinCollection(acc, sigs, logger, m)
	}

	logger.Info().Msg("Exiting")
	stopMetricLog()

	if err := acc.FlushAll(); err != nil {
		logger.Warn().Err(err).Msg("Final flush failed")
	}
	if *stopDelay > 0 {
		logger.Info().Int("seconds", *stopDelay).Msg("Waiting for output to flush")
		time.Sleep(time.Duration(*stopDelay) * time.Second)
	}
	dispatcher.Stop(true)
	q.Close()
	saverWg.Wait()

	return exitCode
}

// runStdinCollection pumps newline-delimited audisp records from
// stdin into the accumulator, flushing aged partials between reads.
func runStdinCollection(acc *accumulator.Accumulator, sigs *signals.Handler, logger *logging.Logger, m *metrics.Collector) {
	p := &parser.Parser{Metrics: m}
	src := input.NewLineSource(os.Stdin, logger)
	src.Start()

	parseWarn := rate.NewLimiter(rate.Every(10*time.Second), 1)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-src.Lines():
			if !ok {
				logger.Info().Msg("Input closed, exiting input loop")
				return
			}
			rec, err := p.Parse(line)
			if err != nil {
				if parseWarn.Allow() {
					logger.Warn().Err(err).Str("data", string(line)).Msg("Received unparsable event data")
				}
				continue
			}
			if err := acc.AddRecord(rec); err != nil {
				logger.Warn().Err(err).Msg("Queue closed, exiting input loop")
				return
			}
		case <-ticker.C:
			if sigs.IsExit() {
				logger.Info().Msg("Exiting input loop")
				return
			}
			if err := acc.Flush(200 * time.Millisecond); err != nil {
				logger.Warn().Err(err).Msg("Queue closed, exiting input loop")
				return
			}
		}
	}
}

// startMetricLog logs counter snapshots once a minute and returns a
// stop function.
func startMetricLog(m *metrics.Collector, logger *logging.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if snapshot, err := m.Gather(); err == nil {
					logger.Info().
						Float64("records_parsed", snapshot["audisp_parser_records_parsed_total"]).
						Float64("events_emitted", snapshot["audisp_accumulator_events_emitted_total"]).
						Float64("events_lost", snapshot["audisp_accumulator_events_lost_total"]).
						Float64("queue_bytes", snapshot["audisp_queue_bytes"]).
						Msg("Pipeline counters")
				}
			}
		}
	}()
	return func() { close(done) }
}

// loadConfig loads the config file. The default path may be absent;
// an explicitly given path must exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.New(nil), nil
	}
	return config.Load(path)
}
