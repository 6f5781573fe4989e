package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DynamicConfig exposes the runtime-adjustable tunables through an atomic
// snapshot. Readers call Current() and get an immutable value; a reload swaps
// the whole snapshot so an in-flight request never sees a half-applied change.
type DynamicConfig struct {
	current atomic.Pointer[Tunables]
}

// NewDynamicConfig seeds a DynamicConfig with the given tunables.
func NewDynamicConfig(initial Tunables) *DynamicConfig {
	d := &DynamicConfig{}
	d.current.Store(&initial)
	return d
}

// Current returns the active tunable snapshot.
func (d *DynamicConfig) Current() Tunables {
	return *d.current.Load()
}

// Apply validates and swaps in a new snapshot.
func (d *DynamicConfig) Apply(t Tunables) error {
	if err := validateTunables(t); err != nil {
		return err
	}
	d.current.Store(&t)
	return nil
}

func validateTunables(t Tunables) error {
	if t.DefaultPageSize < 1 || t.MaxPageSize < t.DefaultPageSize {
		return fmt.Errorf("page sizes out of range: default=%d max=%d", t.DefaultPageSize, t.MaxPageSize)
	}
	if t.LockRetryLimit < 1 {
		return fmt.Errorf("lock retry limit must be positive, got %d", t.LockRetryLimit)
	}
	if t.ObjectTTL <= 0 || t.ListTTL <= 0 || t.AggregationTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if t.CacheTimeout <= 0 || t.AggCacheTimeout <= 0 {
		return fmt.Errorf("cache timeouts must be positive")
	}
	return nil
}

// loadTunablesFromFile reads a YAML overlay. Fields absent from the file keep
// the values of the base snapshot.
func loadTunablesFromFile(path string, base Tunables) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}

	t := base
	if err := yaml.Unmarshal(data, &t); err != nil {
		return base, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateTunables(t); err != nil {
		return base, err
	}
	return t, nil
}
