// Package memory implements per-subsystem byte budgets with CAS-based
// admission and optional eviction callbacks.
package memory

import (
	"sync/atomic"
)

// Module is a closed set of subsystems that carry their own memory budget.
type Module int

const (
	RateLimiter Module = iota
	ChallengeCache
	RuleEngine
	ConnectionPool
	GeoIP
	Other
)

func (m Module) String() string {
	switch m {
	case RateLimiter:
		return "rate_limiter"
	case ChallengeCache:
		return "challenge_cache"
	case RuleEngine:
		return "rule_engine"
	case ConnectionPool:
		return "connection_pool"
	case GeoIP:
		return "geoip"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

const (
	limitRateLimiter     = 50 * 1024 * 1024
	limitChallengeCache  = 20 * 1024 * 1024
	limitRuleEngine      = 5 * 1024 * 1024
	limitConnectionPool  = 10 * 1024 * 1024
	limitGeoIP           = 80 * 1024 * 1024
	limitOther           = 0 // unbounded
)

// EvictFunc is invoked when an allocation would exceed a module's budget. It
// should free up enough bytes and return how many bytes it actually freed.
type EvictFunc func(needed int64) (freed int64)

type counter struct {
	usage atomic.Int64
	limit int64
	evict atomic.Pointer[EvictFunc]
}

// Tracker holds one atomic counter per Module.
type Tracker struct {
	counters [Other + 1]*counter
}

// NewTracker constructs a Tracker with the fixed per-module budgets.
func NewTracker() *Tracker {
	t := &Tracker{}
	limits := [Other + 1]int64{
		RateLimiter:    limitRateLimiter,
		ChallengeCache: limitChallengeCache,
		RuleEngine:     limitRuleEngine,
		ConnectionPool: limitConnectionPool,
		GeoIP:          limitGeoIP,
		Other:          limitOther,
	}
	for m := RateLimiter; m <= Other; m++ {
		t.counters[m] = &counter{limit: limits[m]}
	}
	return t
}

// SetEvictFunc registers the degradation callback invoked when an allocation
// would exceed the module's cap.
func (t *Tracker) SetEvictFunc(m Module, fn EvictFunc) {
	t.counters[m].evict.Store(&fn)
}

// TryAllocate attempts to account for n additional bytes in module m. If the
// module is unbounded (limit == 0) the allocation always succeeds. Otherwise
// it is a CAS loop: on would-exceed, the eviction callback (if any) is given
// a chance to free capacity before the allocation is refused.
func (t *Tracker) TryAllocate(m Module, n int64) bool {
	c := t.counters[m]
	if c.limit <= 0 {
		c.usage.Add(n)
		return true
	}
	for {
		cur := c.usage.Load()
		if cur+n <= c.limit {
			if c.usage.CompareAndSwap(cur, cur+n) {
				return true
			}
			continue
		}
		if fn := c.evict.Load(); fn != nil {
			freed := (*fn)(cur + n - c.limit)
			if freed > 0 {
				c.usage.Add(-freed)
				continue
			}
		}
		return false
	}
}

// Free releases n bytes previously accounted for in module m.
func (t *Tracker) Free(m Module, n int64) {
	t.counters[m].usage.Add(-n)
}

// Usage returns the current byte usage for module m.
func (t *Tracker) Usage(m Module) int64 {
	return t.counters[m].usage.Load()
}

// Limit returns the configured byte budget for module m (0 = unbounded).
func (t *Tracker) Limit(m Module) int64 {
	return t.counters[m].limit
}

// Snapshot returns usage for every module, keyed by name, for metrics export.
func (t *Tracker) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(t.counters))
	for m := RateLimiter; m <= Other; m++ {
		out[m.String()] = t.counters[m].usage.Load()
	}
	return out
}

// BoundedMap is a map bounded by entry count that evicts the oldest-inserted
// entry when full (Get does not refresh an entry's position), used where a
// cheap bound is enough without a full allocator-level budget, such as the
// ACME challenge store.
type BoundedMap[K comparable, V any] struct {
	maxEntries int
	order      []K
	data       map[K]V
}

// NewBoundedMap creates a BoundedMap capped at maxEntries.
func NewBoundedMap[K comparable, V any](maxEntries int) *BoundedMap[K, V] {
	return &BoundedMap[K, V]{
		maxEntries: maxEntries,
		data:       make(map[K]V, maxEntries),
	}
}

// Get returns the value for key and whether it was present.
func (b *BoundedMap[K, V]) Get(key K) (V, bool) {
	v, ok := b.data[key]
	return v, ok
}

// Put inserts or updates key, evicting the oldest entry if the map is full.
func (b *BoundedMap[K, V]) Put(key K, val V) {
	if _, exists := b.data[key]; !exists {
		if len(b.data) >= b.maxEntries && b.maxEntries > 0 {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.data, oldest)
		}
		b.order = append(b.order, key)
	}
	b.data[key] = val
}

// Delete removes key from the map.
func (b *BoundedMap[K, V]) Delete(key K) {
	if _, exists := b.data[key]; !exists {
		return
	}
	delete(b.data, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries currently stored.
func (b *BoundedMap[K, V]) Len() int {
	return len(b.data)
}
