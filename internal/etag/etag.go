// Package etag computes and tracks content fingerprints for records, pages,
// and aggregation results, enabling 304-style conditional responses at the
// transport boundary without materializing payloads.
package etag

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"

	"go.uber.org/zap"

	"dynarepo/internal/cache"
)

// listSeed seeds the list fold so an empty page still carries a stable tag.
const listSeed uint32 = 0x811C9DC5

// ComputeItem fingerprints the canonical JSON of one value.
func ComputeItem(v any) (string, error) {
	h, err := hashJSON(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08x", h), nil
}

// ComputeList folds per-item hashes with a rotate-then-XOR step. The rotation
// makes the fold order-sensitive: identical item sets in different orders
// yield different tags, which is intended — order is meaningful for
// pagination.
func ComputeList[T any](items []T) (string, error) {
	acc := listSeed
	for _, item := range items {
		h, err := hashJSON(item)
		if err != nil {
			return "", err
		}
		acc = bits.RotateLeft32(acc, 1) ^ h
	}
	return fmt.Sprintf("%08x", acc), nil
}

func hashJSON(v any) (uint32, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("fingerprint marshal: %w", err)
	}
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32(), nil
}

// ObjectKey names a per-object fingerprint, optionally qualified by a
// projection so a partial view never validates against the full record's tag.
func ObjectKey(hash, rangeKey string, projections []string) string {
	key := hash
	if rangeKey != "" {
		key += "/" + rangeKey
	}
	if len(projections) > 0 {
		key += "?" + strings.Join(projections, ",")
	}
	return key
}

// ListKey names a per-query fingerprint under the pack's base key.
func ListKey(baseKey, pageToken string) string {
	if pageToken == "" {
		return baseKey
	}
	return baseKey + "@" + pageToken
}

// AggregationKey names a per-aggregation fingerprint: the base key plus the
// function-specific suffix (field, function, grouping hash).
func AggregationKey(baseKey, suffix string) string {
	return baseKey + suffix
}

// Manager persists fingerprints in the etag cache tier and answers
// conditional-request checks. Cache trouble degrades to "no match", which
// costs a full response, never correctness.
type Manager struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewManager creates a fingerprint manager over the tiered cache.
func NewManager(c *cache.Manager, logger *zap.Logger) *Manager {
	return &Manager{cache: c, logger: logger}
}

// Record persists a fingerprint under the type/key pair.
func (m *Manager) Record(ctx context.Context, typeName, key, tag string) {
	m.cache.Put(ctx, cache.TierETag, typeName, key, []byte(tag))
}

// Check reports whether the caller-supplied fingerprint matches the recorded
// one, without touching the underlying payload.
func (m *Manager) Check(ctx context.Context, typeName, key, callerTag string) bool {
	if callerTag == "" {
		return false
	}
	stored, found := m.cache.Get(ctx, cache.TierETag, typeName, key)
	return found && string(stored) == callerTag
}

// Drop invalidates one fingerprint. Dropping an absent one succeeds.
func (m *Manager) Drop(ctx context.Context, typeName, key string) {
	m.cache.Remove(ctx, cache.TierETag, typeName, key)
}

// DropPrefix invalidates every fingerprint whose key starts with the prefix,
// covering a record's projection-qualified tags on write.
func (m *Manager) DropPrefix(ctx context.Context, typeName, keyPrefix string) {
	m.cache.RemovePrefix(ctx, cache.TierETag, typeName, keyPrefix)
}

// PurgeType invalidates every fingerprint recorded for the type. Runs after
// any write, alongside the list/aggregation cache purge.
func (m *Manager) PurgeType(ctx context.Context, typeName string) {
	m.cache.PurgeType(ctx, typeName, cache.TierETag)
}
