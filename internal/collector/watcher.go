package collector

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
)

// auditdWatcher signals when the system's own audit daemon binary
// appears, so the collector can yield the pid lease politely before
// auditd starts and fights for it.
type auditdWatcher struct {
	watcher *fsnotify.Watcher
	found   chan struct{}
	done    chan struct{}
	logger  *logging.Logger
}

// watchForAuditd watches dir for name being created or moved in.
func watchForAuditd(dir, name string, logger *logging.Logger) (*auditdWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	aw := &auditdWatcher{
		watcher: w,
		found:   make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.WithComponent("auditd-watch"),
	}

	go func() {
		defer close(aw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				aw.logger.Info().Str("path", ev.Name).Msg("auditd appeared on the system")
				select {
				case <-aw.found:
				default:
					close(aw.found)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				aw.logger.Warn().Err(err).Msg("File watcher error")
			}
		}
	}()

	return aw, nil
}

// Found is closed when the watched binary appears.
func (aw *auditdWatcher) Found() <-chan struct{} {
	return aw.found
}

// Stop closes the watcher and waits for its goroutine.
func (aw *auditdWatcher) Stop() {
	aw.watcher.Close()
	<-aw.done
}
