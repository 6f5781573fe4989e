package cache

import (
	"strings"
	"sync"
)

// keySet tracks, per record type and tier, every cache key written. Bulk
// purges walk exactly the recorded keys instead of scanning the backend.
// The index is process-local even when the backend is distributed, so a
// purge removes the keys this process wrote; remote entries age out by TTL.
type keySet struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func newKeySet() *keySet {
	return &keySet{sets: make(map[string]map[string]struct{})}
}

func bucketOf(typeName string, tier Tier) string {
	return typeName + "|" + string(tier)
}

// add records a key under the type/tier bucket.
func (k *keySet) add(typeName string, tier Tier, key string) {
	bucket := bucketOf(typeName, tier)
	k.mu.Lock()
	defer k.mu.Unlock()
	set, ok := k.sets[bucket]
	if !ok {
		set = make(map[string]struct{})
		k.sets[bucket] = set
	}
	set[key] = struct{}{}
}

// remove forgets one key.
func (k *keySet) remove(typeName string, tier Tier, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if set, ok := k.sets[bucketOf(typeName, tier)]; ok {
		delete(set, key)
	}
}

// drainPrefix removes and returns the bucket's keys sharing a prefix,
// leaving the rest in place.
func (k *keySet) drainPrefix(typeName string, tier Tier, fullPrefix string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	set, ok := k.sets[bucketOf(typeName, tier)]
	if !ok {
		return nil
	}
	var keys []string
	for key := range set {
		if strings.HasPrefix(key, fullPrefix) {
			keys = append(keys, key)
			delete(set, key)
		}
	}
	return keys
}

// drain empties the bucket and returns the keys it held. Draining an absent
// bucket returns nothing; purges are idempotent.
func (k *keySet) drain(typeName string, tier Tier) []string {
	bucket := bucketOf(typeName, tier)
	k.mu.Lock()
	defer k.mu.Unlock()
	set, ok := k.sets[bucket]
	if !ok || len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	delete(k.sets, bucket)
	return keys
}
