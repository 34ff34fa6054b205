// Package trace implements the WAF's pooled per-request tracing record:
// 12 named timepoints plus a request id and small metadata map,
// leased from a pool and released on completion.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Point is one of the 12 named timepoints, in pipeline order.
type Point int

const (
	Start Point = iota
	DNSComplete
	LBComplete
	WAFStart
	WAFComplete
	BackendStart
	BackendComplete
	ResponseStart
	ResponseComplete
	GCStart
	GCComplete
	End
	pointCount
)

// Trace is a pooled per-request record of the 12 timepoints.
type Trace struct {
	RequestID string
	Meta      map[string]string

	times [pointCount]int64 // wall-clock Unix nanoseconds, not monotonic; 0 = not yet recorded
}

// Pool leases Trace values for the duration of one request.
type Pool struct {
	pool sync.Pool
}

// NewPool constructs a trace Pool.
func NewPool() *Pool {
	return &Pool{pool: sync.Pool{New: func() any { return &Trace{Meta: make(map[string]string, 4)} }}}
}

// Acquire leases a Trace, stamping Start and a fresh request id.
func (p *Pool) Acquire() *Trace {
	t := p.pool.Get().(*Trace)
	t.RequestID = uuid.NewString()
	t.Mark(Start)
	return t
}

// Release resets t and returns it to the pool.
func (p *Pool) Release(t *Trace) {
	for i := range t.times {
		t.times[i] = 0
	}
	for k := range t.Meta {
		delete(t.Meta, k)
	}
	t.RequestID = ""
	p.pool.Put(t)
}

// Mark records the current wall-clock time (Unix nanoseconds) at point pt.
// The monotonic clock is not used, so a wall-clock step between two marks
// skews the durations computed from them.
func (t *Trace) Mark(pt Point) {
	t.times[pt] = time.Now().UnixNano()
}

// Duration returns the elapsed time between two points, or 0 if either was
// never marked.
func (t *Trace) Duration(from, to Point) time.Duration {
	a, b := t.times[from], t.times[to]
	if a == 0 || b == 0 || b < a {
		return 0
	}
	return time.Duration(b - a)
}

// Total returns the Start->End duration.
func (t *Trace) Total() time.Duration { return t.Duration(Start, End) }

// WAFDuration returns the WAFStart->WAFComplete duration.
func (t *Trace) WAFDuration() time.Duration { return t.Duration(WAFStart, WAFComplete) }

// BackendDuration returns the BackendStart->BackendComplete duration.
func (t *Trace) BackendDuration() time.Duration { return t.Duration(BackendStart, BackendComplete) }

// ResponseDuration returns the ResponseStart->ResponseComplete duration.
func (t *Trace) ResponseDuration() time.Duration { return t.Duration(ResponseStart, ResponseComplete) }

var pointNames = [pointCount]string{
	Start: "start", DNSComplete: "dns_complete", LBComplete: "lb_complete",
	WAFStart: "waf_start", WAFComplete: "waf_complete",
	BackendStart: "backend_start", BackendComplete: "backend_complete",
	ResponseStart: "response_start", ResponseComplete: "response_complete",
	GCStart: "gc_start", GCComplete: "gc_complete", End: "end",
}

// MarkedPoints returns the name and wall-clock time of every timepoint
// marked so far, for exporting as span events.
func (t *Trace) MarkedPoints() map[string]time.Time {
	out := make(map[string]time.Time, pointCount)
	for i, ns := range t.times {
		if ns == 0 {
			continue
		}
		out[pointNames[i]] = time.Unix(0, ns)
	}
	return out
}
