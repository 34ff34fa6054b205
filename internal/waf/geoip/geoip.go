// Package geoip implements the WAF's country-gating admission check: an
// MMDB lookup behind a TTL cache, gated by an allowed/blocked country
// list. The MMDB reader itself is an external collaborator behind the
// Reader interface below, so lookups run in-process rather than shelling
// out per request.
package geoip

import (
	"net"
	"sync"
	"time"

	"github.com/kraklabs/sentryproxy/internal/memory"
)

// Record is the subset of an MMDB country record the gate needs.
type Record struct {
	CountryCode string
	CountryName string
}

// Reader is the opaque MMDB lookup collaborator. A production build backs
// this with an in-process MMDB reader (e.g. maxminddb-golang); tests can
// supply a fake.
type Reader interface {
	Lookup(ip net.IP) (Record, bool, error)
}

const cacheTTL = time.Hour

type cacheEntry struct {
	record  Record
	found   bool
	expires time.Time
}

// Gate evaluates GeoIP country policy with a TTL cache in front of Reader.
// A nil Reader makes Gate permanently disabled: Decision always allows and
// a single startup log line records why.
type Gate struct {
	reader Reader
	tr     *memory.Tracker

	mu      sync.Mutex
	allowed map[string]struct{}
	blocked map[string]struct{}
	cache   map[string]cacheEntry
}

// New constructs a Gate. allowed/blocked are ISO country codes; if allowed
// is non-empty it takes priority over blocked.
func New(reader Reader, tr *memory.Tracker, allowed, blocked []string) *Gate {
	g := &Gate{
		reader:  reader,
		tr:      tr,
		allowed: toSet(allowed),
		blocked: toSet(blocked),
		cache:   make(map[string]cacheEntry),
	}
	return g
}

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, c := range list {
		m[c] = struct{}{}
	}
	return m
}

// Decision reports whether ip should be blocked and, if so, a reason.
func (g *Gate) Decision(ipStr string) (blocked bool, reason string) {
	if g.reader == nil {
		return false, ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() {
		return false, ""
	}

	rec, found := g.lookup(ip, ipStr)
	if !found {
		return false, ""
	}

	// The maps are replaced wholesale on Reconfigure, never mutated, so a
	// reference taken under the lock stays valid.
	g.mu.Lock()
	allowedSet, blockedSet := g.allowed, g.blocked
	g.mu.Unlock()

	if len(allowedSet) > 0 {
		if _, ok := allowedSet[rec.CountryCode]; !ok {
			return true, "country not in allowed list: " + rec.CountryCode
		}
		return false, ""
	}
	if _, ok := blockedSet[rec.CountryCode]; ok {
		return true, "country in blocked list: " + rec.CountryCode
	}
	return false, ""
}

// Reconfigure replaces the country policy and clears the cache so stale
// decisions made under the old lists cannot linger.
func (g *Gate) Reconfigure(allowed, blocked []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = toSet(allowed)
	g.blocked = toSet(blocked)
	for k := range g.cache {
		delete(g.cache, k)
		if g.tr != nil {
			g.tr.Free(memory.GeoIP, int64(len(k)+32))
		}
	}
}

func (g *Gate) lookup(ip net.IP, key string) (Record, bool) {
	now := time.Now()

	g.mu.Lock()
	if e, ok := g.cache[key]; ok && now.Before(e.expires) {
		g.mu.Unlock()
		return e.record, e.found
	}
	g.mu.Unlock()

	rec, found, err := g.reader.Lookup(ip)
	if err != nil {
		// A lookup error allows the request; it is not cached so a
		// transient MMDB hiccup doesn't stick.
		return Record{}, false
	}

	entry := cacheEntry{record: rec, found: found, expires: now.Add(cacheTTL)}
	g.mu.Lock()
	if g.tr != nil {
		g.tr.TryAllocate(memory.GeoIP, int64(len(key)+32))
	}
	g.cache[key] = entry
	g.mu.Unlock()
	return rec, found
}

// ClearExpired drops cache entries past their TTL. Intended to be called
// periodically from the task supervisor.
func (g *Gate) ClearExpired() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.cache {
		if now.After(e.expires) {
			delete(g.cache, k)
			if g.tr != nil {
				g.tr.Free(memory.GeoIP, int64(len(k)+32))
			}
		}
	}
}

// Enabled reports whether a real Reader backend is wired.
func (g *Gate) Enabled() bool {
	return g.reader != nil
}
