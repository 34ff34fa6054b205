// Package metrics implements the WAF's fixed 25-metric Prometheus
// registry: 5 request, 4 backend, 3 rate-limit, 4 pool, 3 memory, 3
// rule-engine, and 3 system metrics, with sub-millisecond buckets for rule
// evaluation and seconds-scale buckets for backend latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the fixed metric set, pre-registered on a private
// prometheus.Registry so the /metrics handler only ever exposes exactly
// these 25 series.
type Registry struct {
	reg *prometheus.Registry

	// Request (5)
	RequestsTotal       *prometheus.CounterVec
	BlockedTotal        *prometheus.CounterVec
	ObservedTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	RequestSizeBytes    prometheus.Counter

	// Backend (4)
	BackendRequestsTotal prometheus.Counter
	BackendErrorsTotal   prometheus.Counter
	BackendRetriesTotal  prometheus.Counter
	BackendLatency       prometheus.Histogram

	// Rate limit (3)
	RateLimitedTotal prometheus.Counter
	ActiveCounters   prometheus.Gauge
	BlockedIPsTotal  prometheus.Counter

	// Pool (4)
	PoolSize          prometheus.Gauge
	PoolAvailable     prometheus.Gauge
	PoolAcquiredTotal prometheus.Counter
	PoolTimeoutsTotal prometheus.Counter

	// Memory (3)
	MemoryUsageBytes  *prometheus.GaugeVec
	GCRunsTotal       prometheus.Counter
	GCDuration        prometheus.Histogram

	// Rule engine (3)
	RulesLoaded           prometheus.Gauge
	RuleEvaluationSeconds prometheus.Histogram
	SnapshotVersion       prometheus.Gauge

	// System (3)
	UptimeSeconds      prometheus.Gauge
	FiberCrashesTotal  prometheus.Counter
	ConfigReloadsTotal prometheus.Counter
}

// New constructs and registers the full fixed metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{reg: reg}

	r.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "waf_requests_total", Help: "Total requests received.",
	}, []string{"domain"})
	r.BlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "waf_blocked_total", Help: "Requests blocked by a deny rule.",
	}, []string{"domain"})
	r.ObservedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "waf_observed_total", Help: "Requests that matched a rule in observe mode.",
	}, []string{"domain"})
	r.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "waf_request_duration_seconds",
		Help:    "End-to-end request duration.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	r.RequestSizeBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_request_size_bytes_total", Help: "Cumulative request body bytes inspected.",
	})

	r.BackendRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_backend_requests_total", Help: "Requests proxied to an upstream.",
	})
	r.BackendErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_backend_errors_total", Help: "Upstream connect/IO failures.",
	})
	r.BackendRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_backend_retries_total", Help: "Upstream retry attempts.",
	})
	r.BackendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "waf_backend_latency_seconds",
		Help:    "Upstream response latency.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	r.RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_rate_limited_total", Help: "Requests denied by the rate limiter.",
	})
	r.ActiveCounters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_rate_limit_active_counters", Help: "Live per-key rate-limit counters.",
	})
	r.BlockedIPsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_rate_limit_blocked_ips_total", Help: "IPs explicitly blocked via block_ip.",
	})

	r.PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_pool_size", Help: "Total tracked connections across all pools.",
	})
	r.PoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_pool_available", Help: "Idle connections currently available.",
	})
	r.PoolAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_pool_acquired_total", Help: "Connection acquire calls.",
	})
	r.PoolTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_pool_timeouts_total", Help: "Acquire calls that timed out and fell back to a fresh connection.",
	})

	r.MemoryUsageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waf_memory_usage_bytes", Help: "Per-module tracked byte usage.",
	}, []string{"module"})
	r.GCRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_memory_gc_runs_total", Help: "Eviction/cleanup passes run.",
	})
	r.GCDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "waf_memory_gc_duration_seconds",
		Help:    "Wall-clock time spent in eviction passes.",
		Buckets: []float64{.0005, .001, .002, .005, .01},
	})

	r.RulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_rules_loaded", Help: "Rules in the currently installed snapshot.",
	})
	r.RuleEvaluationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "waf_rule_evaluation_seconds",
		Help:    "Time spent evaluating rules for one request.",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005},
	})
	r.SnapshotVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_snapshot_version", Help: "Currently installed rule snapshot version.",
	})

	r.UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "waf_uptime_seconds", Help: "Seconds since process start.",
	})
	r.FiberCrashesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_fiber_crashes_total", Help: "Supervised task crashes.",
	})
	r.ConfigReloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waf_config_reloads_total", Help: "Successful config/rule reloads.",
	})

	reg.MustRegister(
		r.RequestsTotal, r.BlockedTotal, r.ObservedTotal, r.RequestDuration, r.RequestSizeBytes,
		r.BackendRequestsTotal, r.BackendErrorsTotal, r.BackendRetriesTotal, r.BackendLatency,
		r.RateLimitedTotal, r.ActiveCounters, r.BlockedIPsTotal,
		r.PoolSize, r.PoolAvailable, r.PoolAcquiredTotal, r.PoolTimeoutsTotal,
		r.MemoryUsageBytes, r.GCRunsTotal, r.GCDuration,
		r.RulesLoaded, r.RuleEvaluationSeconds, r.SnapshotVersion,
		r.UptimeSeconds, r.FiberCrashesTotal, r.ConfigReloadsTotal,
	)

	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
