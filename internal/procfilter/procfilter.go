// Package procfilter holds the process-wide filter table. One
// instance is constructed at startup and shared by reference with
// every reader; SIGHUP swaps the rule set under a write lock.
package procfilter

import (
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/audisp/internal/config"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

// Filter decides which events are suppressed before queueing. Rules
// are exact matches on the exe field of a syscall record; the rule
// language itself lives upstream, this table only evaluates the
// snapshot it was given.
type Filter struct {
	mu   sync.RWMutex
	exes map[string]struct{}
}

// New builds a filter from the "filter_exes" config key, a
// ":"-separated list of executable paths whose events are dropped.
func New(cfg *config.Config) *Filter {
	f := &Filter{exes: make(map[string]struct{})}
	f.Reload(cfg)
	return f
}

// Reload replaces the rule snapshot. Safe to call concurrently with
// Match.
func (f *Filter) Reload(cfg *config.Config) {
	exes := make(map[string]struct{})
	if cfg != nil && cfg.HasKey("filter_exes") {
		for _, exe := range strings.Split(cfg.GetString("filter_exes"), ":") {
			if exe != "" {
				exes[exe] = struct{}{}
			}
		}
	}
	f.mu.Lock()
	f.exes = exes
	f.mu.Unlock()
}

// Match reports whether the event should be suppressed.
func (f *Filter) Match(ev *types.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.exes) == 0 {
		return false
	}
	for _, rec := range ev.Records {
		if rec.TypeCode != types.RecordTypeSyscall {
			continue
		}
		for _, field := range rec.Fields {
			if field.Name != "exe" {
				continue
			}
			if _, ok := f.exes[strings.Trim(field.Value, "\"")]; ok {
				return true
			}
		}
	}
	return false
}

// Size reports the current rule count.
func (f *Filter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.exes)
}
