package queue

import (
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/config"
)

// SettingsFrom maps the flat queue_* config keys onto queue limits
// and the saver cadence, applying the documented defaults.
func SettingsFrom(cfg *config.Config) (Config, time.Duration, error) {
	var qcfg Config

	numPriorities, err := cfg.GetUint64Or("queue_num_priorities", defaultNumPriorities)
	if err != nil {
		return qcfg, 0, err
	}
	maxFileData, err := cfg.GetUint64Or("queue_max_file_data_size", defaultMaxFileDataSize)
	if err != nil {
		return qcfg, 0, err
	}
	maxUnsaved, err := cfg.GetUint64Or("queue_max_unsaved_files", defaultMaxUnsavedFiles)
	if err != nil {
		return qcfg, 0, err
	}
	maxFSBytes, err := cfg.GetUint64Or("queue_max_fs_bytes", defaultMaxFSBytes)
	if err != nil {
		return qcfg, 0, err
	}
	maxFSPct, err := cfg.GetDoubleOr("queue_max_fs_pct", defaultMaxFSPct)
	if err != nil {
		return qcfg, 0, err
	}
	minFreePct, err := cfg.GetDoubleOr("queue_min_fs_free_pct", defaultMinFreePct)
	if err != nil {
		return qcfg, 0, err
	}
	saveDelayMs, err := cfg.GetUint64Or("queue_save_delay", 250)
	if err != nil {
		return qcfg, 0, err
	}

	qcfg = Config{
		NumPriorities:   int(numPriorities),
		MaxFileDataSize: int64(maxFileData),
		MaxUnsavedFiles: int(maxUnsaved),
		MaxFSBytes:      maxFSBytes,
		MaxFSPct:        maxFSPct,
		MinFreePct:      minFreePct,
	}
	return qcfg, time.Duration(saveDelayMs) * time.Millisecond, nil
}
