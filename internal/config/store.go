package config

import "sync"

// Store holds the current routing configuration. Writers replace the whole
// snapshot; every replacement bumps the version so consumers can tell that
// something changed without comparing snapshots.
type Store struct {
	mu      sync.RWMutex
	cfg     *RoutingConfig
	version uint64
}

// NewStore creates a store holding cfg. A nil cfg is replaced by an empty
// configuration.
func NewStore(cfg *RoutingConfig) *Store {
	if cfg == nil {
		cfg = &RoutingConfig{}
	}
	return &Store{cfg: cfg, version: 1}
}

// Set replaces the snapshot and returns the new version. The store keeps
// the pointer; callers must not modify cfg afterwards.
func (s *Store) Set(cfg *RoutingConfig) uint64 {
	if cfg == nil {
		cfg = &RoutingConfig{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.version++
	return s.version
}

// Get returns the current snapshot and its version.
func (s *Store) Get() (*RoutingConfig, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.version
}
