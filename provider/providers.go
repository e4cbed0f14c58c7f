package provider

import (
	"fmt"

	"claude-bridge/config"
	"claude-bridge/logger"
	"claude-bridge/ratelimit"
)

// Set indexes one Adapter per configured provider name, each sharing the
// Rate Coordinator Registry's per-provider Coordinator.
type Set struct {
	adapters map[string]*Adapter
}

// NewSet builds an Adapter for every provider in cfg.Providers. metrics and
// obs may be nil.
func NewSet(cfg *config.Config, registry *ratelimit.Registry, metrics *logger.Metrics, obs *logger.ObservabilityLogger) *Set {
	s := &Set{adapters: make(map[string]*Adapter, len(cfg.Providers))}
	for name, settings := range cfg.Providers {
		coordinator := registry.Get(name, settings.Capacity, settings.Window)
		s.adapters[name] = NewAdapter(name, settings, coordinator, metrics, obs)
	}
	return s
}

// Get returns the Adapter registered for name.
func (s *Set) Get(name string) (*Adapter, error) {
	a, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter configured for %q", name)
	}
	return a, nil
}
