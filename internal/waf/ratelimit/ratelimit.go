// Package ratelimit implements the WAF's sharded sliding-window rate
// limiter: 64 shards keyed by hash, each with its own mutex and a map of
// per-key sliding-window counters, plus a time-budgeted eviction pass.
// With 64 shard mutexes, unrelated IPs effectively never contend.
package ratelimit

import (
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/sentryproxy/internal/memory"
)

const shardCount = 64

// EndpointRule is one entry of the ordered (path_glob, limit, window_sec)
// list; "*" is the only wildcard and matches across segments.
type EndpointRule struct {
	PathGlob string
	Limit    int
	WindowS  int
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed  bool
	Limit    int
	Remaining int
	ResetAt  time.Time
	BlockedUntil time.Time // zero unless an explicit block is active
}

type counter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	timestamps  []time.Time
	blockedUntil time.Time

	// cost is the byte count charged to the RateLimiter memory module when
	// this counter was created (0 if untracked); released on eviction.
	cost int64
}

// counterOverhead approximates a counter's fixed footprint beyond its key.
const counterOverhead = 96

func counterCost(key string) int64 {
	return int64(len(key)) + counterOverhead
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// limitConfig holds the limiter's immutable tuning; Reconfigure swaps the
// whole value so Check never observes a half-applied change.
type limitConfig struct {
	defaultLimit  int
	defaultWindow time.Duration
	endpoints     []EndpointRule
}

// Limiter is the sharded rate limiter. The default limit/window apply to
// the "default" endpoint pattern; endpoints are consulted first, in order.
type Limiter struct {
	shards [shardCount]*shard

	cfg atomic.Pointer[limitConfig]

	cleanupInterval atomic.Int64 // nanoseconds
	cleanupBudget   time.Duration

	tr      *memory.Tracker
	onBlock func()

	lastShard atomic.Int32 // round-robin cursor for time-budgeted eviction across calls
}

// SetMemoryTracker charges counter creation against the RateLimiter memory
// module. When the budget is exhausted and eviction frees nothing, Check
// degrades to allowing the request without creating a counter.
func (l *Limiter) SetMemoryTracker(tr *memory.Tracker) {
	l.tr = tr
}

// SetBlockHook registers a callback invoked once per BlockIP call; the
// admin plane that drives explicit blocks feeds the blocked-IPs metric
// through it.
func (l *Limiter) SetBlockHook(fn func()) {
	l.onBlock = fn
}

// New constructs a Limiter. endpoints is consulted in order; the default
// rule always applies when nothing else matches.
func New(defaultLimit int, defaultWindowSec int, endpoints []EndpointRule) *Limiter {
	l := &Limiter{
		cleanupBudget: 2 * time.Millisecond,
	}
	l.cfg.Store(&limitConfig{
		defaultLimit:  defaultLimit,
		defaultWindow: time.Duration(defaultWindowSec) * time.Second,
		endpoints:     endpoints,
	})
	l.cleanupInterval.Store(int64(300 * time.Second))
	for i := range l.shards {
		l.shards[i] = &shard{counters: make(map[string]*counter)}
	}
	return l
}

// Reconfigure swaps in new limits and discards every in-flight counter;
// a limiter config change does not attempt counter continuity.
func (l *Limiter) Reconfigure(defaultLimit, defaultWindowSec int, endpoints []EndpointRule) {
	l.cfg.Store(&limitConfig{
		defaultLimit:  defaultLimit,
		defaultWindow: time.Duration(defaultWindowSec) * time.Second,
		endpoints:     endpoints,
	})
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, c := range sh.counters {
			delete(sh.counters, key)
			if l.tr != nil && c.cost > 0 {
				l.tr.Free(memory.RateLimiter, c.cost)
			}
		}
		sh.mu.Unlock()
	}
}

// endpointPattern returns the first matching glob from the endpoint list,
// or "default" if none match.
func (l *Limiter) endpointPattern(path string) (string, int, time.Duration) {
	cfg := l.cfg.Load()
	for _, e := range cfg.endpoints {
		if globMatch(e.PathGlob, path) {
			return e.PathGlob, e.Limit, time.Duration(e.WindowS) * time.Second
		}
	}
	return "default", cfg.defaultLimit, cfg.defaultWindow
}

// globMatch matches pattern against s, where "*" is the only wildcard and
// matches across path segments (including "/").
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Check applies the sliding-window admission algorithm for (ip, path) at
// time now: an active explicit block denies outright; otherwise expired
// timestamps are pruned and the request is admitted iff the window has
// room.
func (l *Limiter) Check(ip, path string, now time.Time) Result {
	pattern, limit, window := l.endpointPattern(path)
	key := ip + ":" + pattern

	sh := l.shards[shardFor(key)]
	sh.mu.Lock()
	c, ok := sh.counters[key]
	if !ok {
		cost := int64(0)
		if l.tr != nil {
			if !l.tr.TryAllocate(memory.RateLimiter, counterCost(key)) {
				sh.mu.Unlock()
				// Budget exhausted: skip caching and fail open for this
				// request rather than growing the map unbounded.
				return Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: now.Add(window)}
			}
			cost = counterCost(key)
		}
		c = &counter{limit: limit, window: window, cost: cost}
		sh.counters[key] = c
	}
	sh.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.blockedUntil.IsZero() {
		if now.Before(c.blockedUntil) {
			return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: c.blockedUntil, BlockedUntil: c.blockedUntil}
		}
		c.blockedUntil = time.Time{}
	}

	cutoff := now.Add(-window)
	i := 0
	for i < len(c.timestamps) && c.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.timestamps = c.timestamps[i:]
	}

	if len(c.timestamps) >= limit {
		resetAt := c.timestamps[0].Add(window)
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}

	c.timestamps = append(c.timestamps, now)
	remaining := limit - len(c.timestamps)
	resetAt := c.timestamps[0].Add(window)
	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// BlockIP sets blocked_until = now+duration on every counter whose key
// starts with "ip:", creating the default-endpoint counter if none
// existed.
func (l *Limiter) BlockIP(ip string, duration time.Duration, now time.Time) {
	until := now.Add(duration)
	prefix := ip + ":"
	found := false
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, c := range sh.counters {
			if strings.HasPrefix(key, prefix) {
				c.mu.Lock()
				c.blockedUntil = until
				c.mu.Unlock()
				found = true
			}
		}
		sh.mu.Unlock()
	}
	if !found {
		cfg := l.cfg.Load()
		key := ip + ":default"
		cost := int64(0)
		if l.tr != nil && l.tr.TryAllocate(memory.RateLimiter, counterCost(key)) {
			cost = counterCost(key)
		}
		sh := l.shards[shardFor(key)]
		sh.mu.Lock()
		// The block is installed even when the budget refused the charge;
		// an explicit operator block must stick.
		c := &counter{limit: cfg.defaultLimit, window: cfg.defaultWindow, blockedUntil: until, cost: cost}
		sh.counters[key] = c
		sh.mu.Unlock()
	}
	if l.onBlock != nil {
		l.onBlock()
	}
}

// Evict scans shards for stale counters, stopping as soon as the 2ms
// wall-clock budget is exhausted; it resumes from where it left
// off on the next call via a round-robin cursor so no shard starves.
func (l *Limiter) Evict(now time.Time) {
	deadline := time.Now().Add(l.cleanupBudget)
	staleAfter := l.CleanupInterval() * 2

	first := int(l.lastShard.Load())
	for n := 0; n < shardCount; n++ {
		if time.Now().After(deadline) {
			return
		}
		idx := (first + n) % shardCount
		sh := l.shards[idx]

		sh.mu.Lock()
		for key, c := range sh.counters {
			c.mu.Lock()
			stale := c.blockedUntil.IsZero() && (len(c.timestamps) == 0 || now.Sub(c.timestamps[len(c.timestamps)-1]) > staleAfter)
			c.mu.Unlock()
			if stale {
				delete(sh.counters, key)
				if l.tr != nil && c.cost > 0 {
					l.tr.Free(memory.RateLimiter, c.cost)
				}
			}
		}
		sh.mu.Unlock()
	}
	l.lastShard.Store(int32((first + 1) % shardCount))
}

// ActiveCounters returns the total number of live per-key counters across
// all shards, for the rate_limit_active_counters metric.
func (l *Limiter) ActiveCounters() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.counters)
		sh.mu.Unlock()
	}
	return total
}

// CleanupInterval returns the configured eviction period.
func (l *Limiter) CleanupInterval() time.Duration {
	return time.Duration(l.cleanupInterval.Load())
}

// SetCleanupInterval overrides the default 300s eviction period.
func (l *Limiter) SetCleanupInterval(d time.Duration) {
	l.cleanupInterval.Store(int64(d))
}

// FormatReset renders a reset time as Unix seconds for the
// X-RateLimit-Reset header.
func FormatReset(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
