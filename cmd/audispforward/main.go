// audispforward receives serialized audit events from the collector
// over a unix socket, spools them in its own durable queue, and
// forwards them to the configured delivery sink.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/audisp/internal/config"
	"github.com/therealutkarshpriyadarshi/audisp/internal/input"
	"github.com/therealutkarshpriyadarshi/audisp/internal/lockfile"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/internal/output"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/internal/signals"
)

const (
	defaultConfigPath = "/etc/audisp/audispforward.conf"
	defaultDataDir    = "/var/opt/audisp/data"
	defaultRunDir     = "/var/run/audisp"
)

var configFile = flag.String("c", defaultConfigPath, "path to the config file")

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
		Tag:       "audispforward",
	})
	logging.SetGlobal(logger)

	dataDir := cfg.GetStringOr("data_dir", defaultDataDir)
	runDir := cfg.GetStringOr("run_dir", defaultRunDir)
	socketPath := cfg.GetStringOr("socket_path", filepath.Join(runDir, "input.socket"))
	queueDir := filepath.Join(dataDir, "forward_queue")
	lockPath := cfg.GetStringOr("lock_file", filepath.Join(dataDir, "audispforward.lock"))

	qcfg, saveDelay, err := queue.SettingsFrom(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid queue configuration")
		return 1
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		logger.Error().Err(err).Str("dir", dataDir).Msg("Failed to create data directory")
		return 1
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		logger.Error().Err(err).Str("dir", runDir).Msg("Failed to create run directory")
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
	sigs := signals.New(logger)

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

	outputs := newOutputManager(q, logger, m)
	if err := outputs.apply(cfg); err != nil {
		logger.Error().Err(err).Msg("Failed to start output")
		q.Close()
		saverWg.Wait()
		return 1
	}

	server := input.NewSocketServer(socketPath, func(blob []byte) error {
		_, err := q.Put(0, blob)
		if errors.Is(err, queue.ErrQueueFull) {
			// The queue already counted the loss; keep the
			// connection so the collector can continue.
			return nil
		}
		return err
	}, logger)
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start ingress socket")
		outputs.stop(false)
		q.Close()
		saverWg.Wait()
		return 1
	}

	sigs.OnReload(func() {
		reloaded, err := loadConfig(*configFile)
		if err != nil {
			logger.Warn().Err(err).Msg("Config reload failed, keeping previous outputs")
			return
		}
		if err := outputs.apply(reloaded); err != nil {
			logger.Warn().Err(err).Msg("Output reload failed, keeping previous outputs")
		}
	})
	sigs.Start()

	logger.Info().Msg("Forwarder running")
	<-sigs.Done()

	logger.Info().Msg("Exiting")
	server.Stop()
	outputs.stop(true)
	q.Close()
	saverWg.Wait()
	return 0
}

// outputManager owns the active dispatcher and rebuilds it when a
// SIGHUP brings new output configuration.
type outputManager struct {
	mu         sync.Mutex
	queue      *queue.Queue
	logger     *logging.Logger
	metrics    *metrics.Collector
	dispatcher *output.Dispatcher
}

func newOutputManager(q *queue.Queue, logger *logging.Logger, m *metrics.Collector) *outputManager {
	return &outputManager{queue: q, logger: logger, metrics: m}
}

// apply builds the sink the config describes and swaps it in for the
// running one.
func (om *outputManager) apply(cfg *config.Config) error {
	sink, ackSize, err := buildSink(cfg)
	if err != nil {
		return err
	}

	dispatcher := output.New(output.Config{
		Name:         sink.Name(),
		CursorName:   "output",
		AckQueueSize: ackSize,
	}, om.queue, sink, om.logger, om.metrics)

	om.mu.Lock()
	old := om.dispatcher
	om.mu.Unlock()
	if old != nil {
		old.Stop(false)
	}

	if err := dispatcher.Start(); err != nil {
		return err
	}
	om.mu.Lock()
	om.dispatcher = dispatcher
	om.mu.Unlock()
	om.logger.Info().Str("output", sink.Name()).Msg("Output configured")
	return nil
}

func (om *outputManager) stop(block bool) {
	om.mu.Lock()
	d := om.dispatcher
	om.dispatcher = nil
	om.mu.Unlock()
	if d != nil {
		d.Stop(block)
	}
}

// buildSink constructs the configured delivery sink.
func buildSink(cfg *config.Config) (output.Sink, int, error) {
	ackSize64, err := cfg.GetUint64Or("ack_queue_size", 10)
	if err != nil {
		return nil, 0, err
	}
	ackSize := int(ackSize64)

	var allowedDirs []string
	if cfg.HasKey("allowed_output_socket_dirs") {
		allowedDirs, err = config.ParseDirList(cfg.GetString("allowed_output_socket_dirs"))
		if err != nil {
			return nil, 0, fmt.Errorf("config parameter 'allowed_output_socket_dirs' has invalid value: %w", err)
		}
	}

	switch outputType := cfg.GetStringOr("output_type", "unix"); outputType {
	case "unix":
		path := cfg.GetString("output_socket")
		if path == "" {
			return nil, 0, errors.New("config parameter 'output_socket' is required for unix outputs")
		}
		ackMode, err := cfg.GetBoolOr("enable_ack_mode", true)
		if err != nil {
			return nil, 0, err
		}
		sink, err := output.NewSocketSink("unix", path, ackMode, allowedDirs)
		if err != nil {
			return nil, 0, err
		}
		return sink, ackSize, nil
	case "stdout":
		return output.NewStdoutSink("stdout", nil), ackSize, nil
	case "kafka":
		brokers := strings.Split(cfg.GetString("kafka_brokers"), ",")
		sink, err := output.NewKafkaSink("kafka", output.KafkaSinkConfig{
			Brokers: brokers,
			Topic:   cfg.GetString("kafka_topic"),
		})
		if err != nil {
			return nil, 0, err
		}
		return sink, ackSize, nil
	default:
		return nil, 0, fmt.Errorf("unknown output type %q", outputType)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.New(map[string]string{"output_type": "stdout"}), nil
	}
	return config.Load(path)
}
