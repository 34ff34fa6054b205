// Package proxypool implements per-origin connection pools with idle
// reaping: keyed by (scheme, host, port, verify_tls), filled synchronously
// up to a "critical count" then topped up by a background filler, acquired
// with a bounded timeout that falls back to a fresh connection, and reaped
// by a periodic idle sweep. Unlike http.Transport's opaque idle-conn
// cache, the pool is explicit and inspectable: connection ownership
// transfers on acquire, acquisition has a timeout, and connections that
// erred mid-request are never re-pooled.
package proxypool

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies one origin's connection pool.
type Key struct {
	Scheme     string
	Host       string
	Port       string
	VerifyTLS  bool
}

// Conn is one pooled connection handle: a client usable for one request,
// tagged with its lifecycle metadata. The underlying *http.Client is shared
// across requests drawn from the same pool (connection reuse happens inside
// its Transport); what the pool actually pools is the transport + its idle
// connections, represented here as one handle per pool slot.
type Conn struct {
	Client    *http.Client
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int64
	closed    bool
}

const (
	defaultPoolSize    = 20
	defaultIdleTimeout = 5 * time.Minute
	acquireTimeout     = 100 * time.Millisecond
	fillerDelay        = 10 * time.Millisecond
)

type pool struct {
	key         Key
	ch          chan *Conn
	currentSize atomic.Int32
	maxSize     int32
	running     atomic.Bool
	mu          sync.Mutex
}

func newPool(key Key, size int) *pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	p := &pool{
		key:     key,
		ch:      make(chan *Conn, size),
		maxSize: int32(size),
	}
	p.running.Store(true)

	critical := size
	if critical > 10 {
		critical = 10
	}
	for i := 0; i < critical; i++ {
		p.ch <- p.newConn()
		p.currentSize.Add(1)
	}

	remaining := size - critical
	if remaining > 0 {
		go p.fill(remaining)
	}
	return p
}

func (p *pool) fill(n int) {
	for i := 0; i < n; i++ {
		if !p.running.Load() {
			return
		}
		time.Sleep(fillerDelay)
		select {
		case p.ch <- p.newConn():
			p.currentSize.Add(1)
		default:
			return // pool already full from concurrent releases
		}
	}
}

func (p *pool) newConn() *Conn {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     defaultIdleTimeout,
		DisableCompression:  true,
	}
	if p.key.Scheme == "https" && !p.key.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-in per domain config
	}
	now := time.Now()
	return &Conn{
		Client:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		CreatedAt: now,
		LastUsed:  now,
	}
}

// acquire waits up to acquireTimeout for a pooled connection; on timeout,
// or if the connection drawn is idle too long, it returns a fresh
// (unpooled) one instead of blocking callers further. timedOut reports the
// timeout fallback for the pool metrics.
func (p *pool) acquire(idleTimeout time.Duration) (*Conn, bool) {
	select {
	case c := <-p.ch:
		if time.Since(c.LastUsed) > idleTimeout {
			p.closeConn(c)
			return p.newConn(), false
		}
		return c, false
	case <-time.After(acquireTimeout):
		return p.newConn(), true
	}
}

// release returns c to the pool, or closes it if the pool is full or no
// longer running.
func (p *pool) release(c *Conn) {
	if !p.running.Load() || p.currentSize.Load() > p.maxSize {
		p.closeConn(c)
		return
	}
	c.LastUsed = time.Now()
	select {
	case p.ch <- c:
	default:
		p.closeConn(c)
	}
}

// discard closes c unconditionally and decrements the pool's tracked size —
// callers MUST use this, never release, for a connection that errored
// during a request.
func (p *pool) discard(c *Conn) {
	p.closeConn(c)
	p.currentSize.Add(-1)
}

func (p *pool) closeConn(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if t, ok := c.Client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// reapIdle drains the pool, closes connections idle beyond idleTimeout, and
// re-enqueues the rest.
func (p *pool) reapIdle(idleTimeout time.Duration) {
	n := len(p.ch)
	for i := 0; i < n; i++ {
		select {
		case c := <-p.ch:
			if time.Since(c.LastUsed) > idleTimeout {
				p.discard(c)
				p.ch <- p.newConn()
			} else {
				p.ch <- c
			}
		default:
			return
		}
	}
}

func (p *pool) shutdown() {
	p.running.Store(false)
	for {
		select {
		case c := <-p.ch:
			p.closeConn(c)
		default:
			return
		}
	}
}

// Manager owns one pool per Key, lazily created on first use, with
// inactivity-based expiry.
type Manager struct {
	mu          sync.Mutex
	pools       map[Key]*pool
	lastUsed    map[Key]time.Time
	poolSize    int
	idleTimeout time.Duration
	expireAfter time.Duration

	onAcquire func()
	onTimeout func()
}

// NewManager constructs a Manager. poolSize is the per-origin pool
// capacity (0 selects the default of 20); idleTimeout is the
// per-connection idle bound (0 selects the default of 5m).
func NewManager(poolSize int, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Manager{
		pools:       make(map[Key]*pool),
		lastUsed:    make(map[Key]time.Time),
		poolSize:    poolSize,
		idleTimeout: idleTimeout,
		expireAfter: 30 * time.Minute,
	}
}

// SetAcquireHooks registers callbacks bumped on every Acquire call and on
// each acquire-timeout fallback, feeding the pool metrics.
func (m *Manager) SetAcquireHooks(onAcquire, onTimeout func()) {
	m.onAcquire = onAcquire
	m.onTimeout = onTimeout
}

// Acquire returns a connection for key, creating its pool lazily if this is
// the first use.
func (m *Manager) Acquire(key Key) *Conn {
	p := m.poolFor(key)
	m.mu.Lock()
	m.lastUsed[key] = time.Now()
	m.mu.Unlock()
	c, timedOut := p.acquire(m.idleTimeout)
	if m.onAcquire != nil {
		m.onAcquire()
	}
	if timedOut && m.onTimeout != nil {
		m.onTimeout()
	}
	return c
}

// Release returns c to key's pool.
func (m *Manager) Release(key Key, c *Conn) {
	m.poolFor(key).release(c)
}

// Discard closes c and decrements key's pool size; callers MUST use this
// instead of Release for a connection that errored mid-request.
func (m *Manager) Discard(key Key, c *Conn) {
	m.poolFor(key).discard(c)
}

func (m *Manager) poolFor(key Key) *pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	if !ok {
		p = newPool(key, m.poolSize)
		m.pools[key] = p
		m.lastUsed[key] = time.Now()
	}
	return p
}

// ReapIdle drains every live pool's idle connections beyond idleTimeout.
// Intended to run once a minute from the task supervisor.
func (m *Manager) ReapIdle() {
	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.reapIdle(m.idleTimeout)
	}
}

// EvictInactivePools closes and drops pools that have seen no Acquire call
// in expireAfter.
func (m *Manager) EvictInactivePools() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, last := range m.lastUsed {
		if now.Sub(last) > m.expireAfter {
			if p, ok := m.pools[key]; ok {
				p.shutdown()
				delete(m.pools, key)
			}
			delete(m.lastUsed, key)
			slog.Debug("evicted inactive connection pool", "host", key.Host, "scheme", key.Scheme)
		}
	}
}

// Shutdown closes every pool. Called during graceful shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.pools {
		p.shutdown()
		delete(m.pools, key)
	}
}

// Stats reports aggregate pool size/availability for the C12 pool metrics.
func (m *Manager) Stats() (size, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		size += int(p.currentSize.Load())
		available += len(p.ch)
	}
	return size, available
}
