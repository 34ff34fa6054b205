package vars

import "sync/atomic"

// poolSize is the number of snapshots preallocated up front.
const poolSize = 256

// Pool is a bounded channel of preallocated Snapshots. Acquire returns one
// immediately or constructs a new one (counted as overflow) if the pool is
// empty; Release resets and returns a Snapshot, or drops it if the pool is
// already full.
type Pool struct {
	ch       chan *Snapshot
	overflow atomic.Int64
}

// NewPool constructs a Pool of poolSize preallocated Snapshots.
func NewPool() *Pool {
	p := &Pool{
		ch: make(chan *Snapshot, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		p.ch <- newSnapshot()
	}
	return p
}

// Acquire leases a Snapshot. If the pool is momentarily empty a fresh one is
// constructed; this is tracked as overflow for pool stats rather than
// treated as an error, since the pool is a latency optimization, not a hard
// cap on concurrent requests.
func (p *Pool) Acquire() *Snapshot {
	select {
	case s := <-p.ch:
		return s
	default:
		p.overflow.Add(1)
		return newSnapshot()
	}
}

// Release resets s and returns it to the pool, or drops it if the pool is
// already at capacity.
func (p *Pool) Release(s *Snapshot) {
	s.Reset()
	select {
	case p.ch <- s:
	default:
		// Pool full; drop s and let the GC reclaim it.
	}
}

// Overflow returns the number of Acquire calls that had to construct a
// fresh Snapshot because the pool was empty.
func (p *Pool) Overflow() int64 {
	return p.overflow.Load()
}
