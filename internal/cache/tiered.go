package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynarepo/internal/observability"
	"dynarepo/pkg/config"
)

// Manager coordinates the logical cache tiers over one backend. Every
// operation races a per-tier timeout; losing the race evicts the entry and
// the caller proceeds as if the cache were absent. Cache trouble never fails
// the surrounding read or write.
type Manager struct {
	backend Backend
	dynamic *config.DynamicConfig
	keys    *keySet
	metrics *observability.Collector
	logger  *zap.Logger
}

// NewManager creates the tiered cache manager.
func NewManager(backend Backend, dynamic *config.DynamicConfig, metrics *observability.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		backend: backend,
		dynamic: dynamic,
		keys:    newKeySet(),
		metrics: metrics,
		logger:  logger,
	}
}

// FullKey renders the namespaced backend key for a tier/type/key triple.
func FullKey(tier Tier, typeName, key string) string {
	return string(tier) + ":" + typeName + ":" + key
}

func (m *Manager) ttlFor(tier Tier) time.Duration {
	tun := m.dynamic.Current()
	switch tier {
	case TierObject, TierETag:
		return tun.ObjectTTL
	case TierList:
		return tun.ListTTL
	case TierAggregation:
		return tun.AggregationTTL
	}
	return tun.ObjectTTL
}

func (m *Manager) timeoutFor(tier Tier) time.Duration {
	tun := m.dynamic.Current()
	if tier == TierAggregation {
		return tun.AggCacheTimeout
	}
	return tun.CacheTimeout
}

// Get looks a value up. Timeouts and backend errors degrade to a miss.
func (m *Manager) Get(ctx context.Context, tier Tier, typeName, key string) ([]byte, bool) {
	full := FullKey(tier, typeName, key)

	var value []byte
	var found bool
	err := m.race(ctx, tier, func(ctx context.Context) error {
		v, ok, err := m.backend.Get(ctx, full)
		value, found = v, ok
		return err
	})
	if err != nil {
		m.onRaceLoss(tier, full, "get", err)
		return nil, false
	}

	if m.metrics != nil {
		if found {
			m.metrics.CacheHits.WithLabelValues(string(tier)).Inc()
		} else {
			m.metrics.CacheMisses.WithLabelValues(string(tier)).Inc()
		}
	}
	return value, found
}

// Put stores a value under the tier's TTL and records its key for bulk
// invalidation. The key is registered before the write so a purge racing a
// half-finished Set still covers it.
func (m *Manager) Put(ctx context.Context, tier Tier, typeName, key string, value []byte) {
	full := FullKey(tier, typeName, key)
	m.keys.add(typeName, tier, full)

	err := m.race(ctx, tier, func(ctx context.Context) error {
		return m.backend.Set(ctx, full, value, m.ttlFor(tier))
	})
	if err != nil {
		m.onRaceLoss(tier, full, "put", err)
	}
}

// Remove deletes one entry. Removing an absent entry succeeds.
func (m *Manager) Remove(ctx context.Context, tier Tier, typeName, key string) {
	full := FullKey(tier, typeName, key)
	m.keys.remove(typeName, tier, full)

	err := m.race(ctx, tier, func(ctx context.Context) error {
		return m.backend.Delete(ctx, full)
	})
	if err != nil {
		m.onRaceLoss(tier, full, "remove", err)
	}
}

// RemovePrefix deletes every recorded entry of the type whose key starts
// with the prefix. Writes use it to drop a record's projection-qualified
// variants, which would otherwise serve stale fields until TTL.
func (m *Manager) RemovePrefix(ctx context.Context, tier Tier, typeName, keyPrefix string) {
	fullPrefix := FullKey(tier, typeName, keyPrefix)
	for _, full := range m.keys.drainPrefix(typeName, tier, fullPrefix) {
		err := m.race(ctx, tier, func(ctx context.Context) error {
			return m.backend.Delete(ctx, full)
		})
		if err != nil {
			m.onRaceLoss(tier, full, "remove", err)
		}
	}
}

// PurgeType removes every recorded key of the type in the given tiers
// (defaulting to the list and aggregation tiers, the ones any write
// invalidates). Safe to run twice; a second purge finds nothing to drain.
func (m *Manager) PurgeType(ctx context.Context, typeName string, tiers ...Tier) {
	if len(tiers) == 0 {
		tiers = []Tier{TierList, TierAggregation}
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(8)
	for _, tier := range tiers {
		keys := m.keys.drain(typeName, tier)
		for _, full := range keys {
			full := full
			tier := tier
			g.Go(func() error {
				if err := m.race(gctx, tier, func(ctx context.Context) error {
					return m.backend.Delete(ctx, full)
				}); err != nil {
					m.onRaceLoss(tier, full, "purge", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	m.logger.Debug("Purged cached projections for type",
		zap.String("type", typeName),
		zap.Int("tiers", len(tiers)),
	)
}

// race runs one backend operation against the tier's timeout.
func (m *Manager) race(ctx context.Context, tier Tier, op func(context.Context) error) error {
	timeout := m.timeoutFor(tier)
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	done := make(chan error, 1)
	go func() {
		// Send before cancel so a finished op is never misread as a timeout.
		done <- op(opCtx)
		cancel()
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		return context.DeadlineExceeded
	}
}

// onRaceLoss handles a timed-out or failed cache operation: evict the entry
// in the background so a torn write cannot linger, count it, and move on.
func (m *Manager) onRaceLoss(tier Tier, fullKey, op string, err error) {
	if m.metrics != nil && err == context.DeadlineExceeded {
		m.metrics.CacheTimeouts.WithLabelValues(string(tier)).Inc()
	}
	m.logger.Warn("Cache operation abandoned",
		zap.String("tier", string(tier)),
		zap.String("operation", op),
		zap.String("key", fullKey),
		zap.Error(err),
	)

	evictCtx, cancel := context.WithTimeout(context.Background(), m.timeoutFor(tier))
	go func() {
		defer cancel()
		_ = m.backend.Delete(evictCtx, fullKey)
	}()
}
