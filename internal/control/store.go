package control

import (
	"sync"

	"palctl/internal/config"
)

// Snapshot is one immutable configuration with its parsed settings.
type Snapshot struct {
	Config   *config.Config
	Settings Settings
	// Version increases by one on every replacement.
	Version uint64
}

// ConfigStore holds the current snapshot. The lock is held only for the
// read or the replacement itself.
type ConfigStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

// Replace parses cfg and swaps the whole snapshot. cfg is cloned; callers may
// keep mutating their copy.
func (s *ConfigStore) Replace(cfg *config.Config) (Snapshot, error) {
	set, err := SettingsFrom(cfg)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Config: cfg.Clone(), Settings: set, Version: s.snap.Version + 1}
	return s.snap, nil
}

// Get returns the current snapshot. Config is nil before the first Replace.
func (s *ConfigStore) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
