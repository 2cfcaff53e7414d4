package config

import (
	"fmt"
	"sync"
)

// ConfigManager backs the control plane's live tuneables snapshot: SIGHUP
// triggers Reload, and every component reads through Get() rather than
// holding its own pointer.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

// ReloadReport names the sections a reload actually changed. Warnings
// holds "reload applied no changes" when nothing changed; values clamped
// or defaulted during load are not listed. Unknown keys never appear here:
// the TOML decoder drops them silently.
type ReloadReport struct {
	AppliedSections []string
	Warnings        []string
}

// RWMutexManager provides thread-safe read-heavy config access using RWMutex.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.Clone()}
}

// NewRWMutexManager constructs a manager with an initial config.
func NewRWMutexManager(initial *Config) *RWMutexManager {
	return NewManager(initial)
}

// Get returns a cloned config snapshot under a shared lock.
//
// Returning a clone prevents shared mutable state from leaking across readers.
func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Set updates the current config pointer under an exclusive lock.
func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
}

// Reload loads config from path and atomically swaps it into place.
func (m *RWMutexManager) Reload(path string) error {
	_, err := m.ReloadReported(path)
	return err
}

// ReloadReported reloads from path and reports which sections changed
// relative to the live snapshot. An episode created before the reload
// keeps its budget snapshot; only new episodes see the applied values.
func (m *RWMutexManager) ReloadReported(path string) (ReloadReport, error) {
	if m == nil {
		return ReloadReport{}, fmt.Errorf("config manager is nil")
	}
	if path == "" {
		return ReloadReport{}, fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return ReloadReport{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	report := diffSections(m.cfg, loaded)
	m.cfg = loaded.Clone()
	return report, nil
}

// diffSections compares two snapshots section by section. Config sections
// hold only comparable fields, so struct equality is exact.
func diffSections(old, next *Config) ReloadReport {
	var report ReloadReport
	if old == nil {
		report.AppliedSections = append(report.AppliedSections, "all")
		return report
	}
	checks := []struct {
		name    string
		changed bool
	}{
		{"general", old.General != next.General},
		{"budget", old.Budget != next.Budget},
		{"watchers", old.Watchers != next.Watchers},
		{"escape", old.Escape != next.Escape},
		{"gate", old.Gate != next.Gate},
		{"retriever", old.Retriever != next.Retriever},
		{"distill", old.Distill != next.Distill},
		{"safety", old.Safety != next.Safety},
		{"sweeper", old.Sweeper != next.Sweeper},
		{"request_tracker", old.RequestTracker != next.RequestTracker},
	}
	for _, c := range checks {
		if c.changed {
			report.AppliedSections = append(report.AppliedSections, c.name)
		}
	}
	if len(report.AppliedSections) == 0 {
		report.Warnings = append(report.Warnings, "reload applied no changes")
	}
	return report
}

var _ ConfigManager = (*RWMutexManager)(nil)
