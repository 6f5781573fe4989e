// Package cache provides the tiered response cache: three logical tiers
// (object, item list, aggregation) plus the fingerprint tier, over a
// pluggable backing store selected at startup.
package cache

import (
	"context"
	"time"
)

// Backend abstracts the cache backing store. A single-process (memory,
// badger) and a distributed (dynamo) variant exist behind this interface,
// chosen by deployment.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Tier names one logical cache namespace.
type Tier string

const (
	TierObject      Tier = "obj"
	TierList        Tier = "list"
	TierAggregation Tier = "agg"
	TierETag        Tier = "etag"
)
