// Pipeline implements the WAF's request-processing composition: a strict
// IP-filter -> GeoIP -> rate-limit -> domain-lookup -> scoring-evaluator ->
// proxy-forward sequence, with tracing, structured logging, and metrics
// emitted at every decision point.
package proxy

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kraklabs/sentryproxy/internal/logging"
	"github.com/kraklabs/sentryproxy/internal/metrics"
	"github.com/kraklabs/sentryproxy/internal/telemetry"
	"github.com/kraklabs/sentryproxy/internal/waf/eval"
	"github.com/kraklabs/sentryproxy/internal/waf/geoip"
	"github.com/kraklabs/sentryproxy/internal/waf/ipfilter"
	"github.com/kraklabs/sentryproxy/internal/waf/ratelimit"
	"github.com/kraklabs/sentryproxy/internal/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// DomainRoute is the pipeline's view of one domain's routing/eval
// config.
type DomainRoute struct {
	DefaultUpstream      string
	UpstreamHostHeader   string
	PreserveOriginalHost bool
	VerifyUpstreamTLS    bool
	Threshold            int32
	RuleFilter           eval.RuleFilter
}

// Pipeline wires together the admission checks and the proxy client.
type Pipeline struct {
	IPFilter    *ipfilter.Filter
	IPFilterOn  bool
	GeoIP       *geoip.Gate
	GeoIPOn     bool
	RateLimiter *ratelimit.Limiter
	RateLimitOn bool
	Evaluator   *eval.Evaluator
	Client      *Client

	Domains       map[string]DomainRoute
	GlobalUpstream string
	BodyLimit     int

	Logger      *logging.Logger
	AuditLogger *logging.AuditLogger
	Metrics     *metrics.Registry
	Tracer      *trace.Pool
	Telemetry   *telemetry.Provider
}

var bypassPrefixes = []string{"/metrics", "/health", "/.well-known/acme-challenge/"}

// isBypass reports whether path skips the admission pipeline entirely.
func isBypass(path string) bool {
	for _, p := range bypassPrefixes {
		if path == p || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ServeHTTP is the pipeline's entry point. Bypass paths are handled by a
// separate server.Handler mounted ahead of this one; this method assumes
// the caller has already excluded them.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isBypass(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	tr := p.Tracer.Acquire()
	defer p.Tracer.Release(tr)
	start := time.Now()

	clientIP := deriveClientIP(r)
	domain := domainFromHost(r.Host)

	var span oteltrace.Span
	if p.Telemetry != nil {
		_, span = p.Telemetry.StartRequestSpan(r.Context(), tr.RequestID, r.Method, r.URL.Path)
		defer span.End()
	}

	// Step: IP filter.
	if p.IPFilterOn {
		if d := p.IPFilter.Decide(clientIP); !d.Allowed {
			p.audit(logging.AuditIPBlocked, fmt.Sprintf("ip=%s source=%s domain=%s", clientIP, d.Source, domain))
			p.writeJSONBlock(w, http.StatusForbidden, d.Source, "IP address blocked")
			p.logRequest(tr, span, r, domain, clientIP, false, false, 0, "", http.StatusForbidden, start)
			return
		}
	}

	// Step: GeoIP gate.
	if p.GeoIPOn {
		if blocked, reason := p.GeoIP.Decision(clientIP); blocked {
			p.audit(logging.AuditGeoIPBlocked, fmt.Sprintf("ip=%s reason=%s domain=%s", clientIP, reason, domain))
			p.writeJSONBlock(w, http.StatusForbidden, "geoip", reason)
			p.logRequest(tr, span, r, domain, clientIP, false, false, 0, "", http.StatusForbidden, start)
			return
		}
	}

	// Step: rate limiter. Headers are always set,
	// whether the request is allowed or denied.
	var rl ratelimit.Result
	if p.RateLimitOn {
		rl = p.RateLimiter.Check(clientIP, r.URL.Path, time.Now())
		setRateLimitHeaders(w, rl)
		if !rl.Allowed {
			if p.Metrics != nil {
				p.Metrics.RateLimitedTotal.Inc()
			}
			p.audit(logging.AuditRateLimitExceeded, fmt.Sprintf("ip=%s path=%s domain=%s", clientIP, r.URL.Path, domain))
			if p.Logger != nil {
				p.Logger.Log("rate_limit_exceeded",
					slog.String("request_id", tr.RequestID),
					slog.String("client_ip", clientIP),
					slog.String("path", r.URL.Path),
					slog.String("domain", domain),
					slog.Int("limit", rl.Limit),
					slog.Int64("reset_at", rl.ResetAt.Unix()),
				)
			}
			p.writeRateLimitedResponse(w, rl)
			p.logRequest(tr, span, r, domain, clientIP, false, false, 0, "", http.StatusTooManyRequests, start)
			return
		}
	}

	// Step: read body, rebuild stream for downstream reuse.
	body, _ := io.ReadAll(io.LimitReader(r.Body, int64(p.BodyLimit)+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	if p.Metrics != nil {
		p.Metrics.RequestSizeBytes.Add(float64(len(body)))
	}

	// Step: domain resolution.
	route, known := p.Domains[domain]
	if r.Host != "" && len(p.Domains) > 0 && !known {
		p.writeUpstreamHTML(w, http.StatusBadGateway, domain, "", "unknown domain")
		p.logRequest(tr, span, r, domain, clientIP, false, false, 0, "", http.StatusBadGateway, start)
		return
	}

	var domainCfg *eval.DomainConfig
	if known {
		domainCfg = &eval.DomainConfig{Threshold: route.Threshold, RuleFilter: route.RuleFilter}
	}

	// Step: scoring evaluator.
	tr.Mark(trace.WAFStart)
	result := p.Evaluator.Evaluate(r, body, p.BodyLimit, domainCfg)
	tr.Mark(trace.WAFComplete)
	if p.Metrics != nil {
		p.Metrics.RuleEvaluationSeconds.Observe(tr.WAFDuration().Seconds())
	}

	ruleID, ruleMsg := "", ""
	if result.FirstMatch != nil {
		ruleID = strconv.FormatUint(uint64(result.FirstMatch.RuleID), 10)
		ruleMsg = result.FirstMatch.Msg
	}
	if p.Logger != nil {
		for _, m := range result.Matched {
			p.Logger.Log("rule_match",
				slog.String("request_id", tr.RequestID),
				slog.Uint64("rule_id", uint64(m.RuleID)),
				slog.String("rule_message", m.Msg),
				slog.Int("score", int(m.Score)),
				slog.String("variable", m.Var.String()),
				slog.String("value", m.Value),
				slog.String("domain", domain),
			)
		}
	}

	if result.Blocked {
		if p.Metrics != nil {
			p.Metrics.BlockedTotal.WithLabelValues(domain).Inc()
		}
		p.audit(logging.AuditBlock, fmt.Sprintf("rule_id=%s ip=%s domain=%s", ruleID, clientIP, domain))
		p.writeBlockHTML(w, result, ruleID, ruleMsg, tr.RequestID)
		p.logRequest(tr, span, r, domain, clientIP, true, false, result.TotalScore, ruleID, http.StatusForbidden, start)
		return
	}
	if result.Observed && p.Metrics != nil {
		p.Metrics.ObservedTotal.WithLabelValues(domain).Inc()
	}

	// Step: proxy forward.
	resolution := UpstreamResolution{
		HeaderOverride: r.Header.Get("X-Next-Upstream"),
		DomainDefault:  route.DefaultUpstream,
		GlobalDefault:  p.GlobalUpstream,
	}
	upstream, err := resolution.Resolve()
	if err != nil {
		p.writeUpstreamHTML(w, http.StatusBadGateway, domain, "", "no upstream configured")
		p.logRequest(tr, span, r, domain, clientIP, false, false, 0, "", http.StatusBadGateway, start)
		return
	}

	policy := HostHeaderPolicy{PreserveOriginalHost: route.PreserveOriginalHost, CustomHostHeader: route.UpstreamHostHeader}

	tr.Mark(trace.BackendStart)
	outcome := p.Client.Forward(r, body, upstream, policy, route.VerifyUpstreamTLS)
	tr.Mark(trace.BackendComplete)
	if p.Metrics != nil {
		p.Metrics.BackendRequestsTotal.Inc()
		p.Metrics.BackendRetriesTotal.Add(float64(outcome.Retries))
		p.Metrics.BackendLatency.Observe(tr.BackendDuration().Seconds())
	}

	if outcome.Err != nil {
		if p.Metrics != nil {
			p.Metrics.BackendErrorsTotal.Inc()
		}
		if p.Logger != nil {
			p.Logger.Log("error",
				slog.String("request_id", tr.RequestID),
				slog.String("error", outcome.Err.Error()),
				slog.String("upstream", upstream.String()),
				slog.Int("retries", outcome.Retries),
				slog.String("domain", domain),
			)
		}
		WriteUpstreamError(w, outcome.Err.Error(), outcome.Retries)
		p.logRequest(tr, span, r, domain, clientIP, false, result.Observed, result.TotalScore, ruleID, http.StatusBadGateway, start)
		return
	}

	tr.Mark(trace.ResponseStart)
	status := outcome.Response.StatusCode
	_, _ = Relay(w, outcome.Response)
	tr.Mark(trace.ResponseComplete)

	p.logRequest(tr, span, r, domain, clientIP, false, result.Observed, result.TotalScore, ruleID, status, start)
}

func (p *Pipeline) audit(eventType logging.AuditEventType, detail string) {
	if p.AuditLogger != nil {
		p.AuditLogger.Record(eventType, detail)
	}
}

func (p *Pipeline) logRequest(tr *trace.Trace, span oteltrace.Span, r *http.Request, domain, clientIP string, blocked, observed bool, score int32, ruleID string, status int, start time.Time) {
	tr.Mark(trace.End)
	if span != nil {
		telemetry.AnnotateDecision(span, domain, clientIP, blocked, observed, ruleID, score, status)
		telemetry.RecordTimepoints(span, tr)
	}
	if p.Metrics != nil {
		p.Metrics.RequestsTotal.WithLabelValues(domain).Inc()
		p.Metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
	if p.Logger == nil {
		return
	}
	p.Logger.Log("waf_request",
		slog.String("request_id", tr.RequestID),
		slog.String("client_ip", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("query", r.URL.RawQuery),
		slog.String("user_agent", r.UserAgent()),
		slog.Bool("blocked", blocked),
		slog.Bool("observed", observed),
		slog.String("rule_id", ruleID),
		slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
		slog.Int("status_code", status),
		slog.String("domain", domain),
	)
}

// deriveClientIP resolves the client address: X-Forwarded-For[0] ->
// X-Real-IP -> "unknown".
func deriveClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	return "unknown"
}

// domainFromHost strips the port and lowercases the Host header.
func domainFromHost(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func setRateLimitHeaders(w http.ResponseWriter, rl ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	h.Set("X-RateLimit-Reset", ratelimit.FormatReset(rl.ResetAt))
	if !rl.BlockedUntil.IsZero() {
		h.Set("X-RateLimit-Blocked-Until", ratelimit.FormatReset(rl.BlockedUntil))
	}
}

func (p *Pipeline) writeJSONBlock(w http.ResponseWriter, status int, source, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"source": source, "message": message})
}

var rateLimitTemplate = template.Must(template.New("ratelimit").Parse(`<!DOCTYPE html>
<html><head><title>429 Too Many Requests</title></head>
<body><h1>Too Many Requests</h1><p>{{.Message}}</p>
<p>Limit: {{.Limit}}. Try again at {{.ResetAt}}.</p></body></html>`))

func (p *Pipeline) writeRateLimitedResponse(w http.ResponseWriter, rl ratelimit.Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = rateLimitTemplate.Execute(w, struct {
		Message string
		Limit   int
		ResetAt string
	}{"Rate limit exceeded.", rl.Limit, ratelimit.FormatReset(rl.ResetAt)})
}

var blockTemplate = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html><head><title>403 Forbidden</title></head>
<body><h1>Request Blocked</h1>
<p>Rule: {{.RuleID}}</p><p>{{.Message}}</p><p>Mode: {{.Mode}}</p>
<p>Ray ID: {{.RayID}}</p><p>{{.Timestamp}}</p></body></html>`))

func (p *Pipeline) writeBlockHTML(w http.ResponseWriter, result eval.Result, ruleID, msg, rayID string) {
	mode := "enforce"
	message := msg
	if result.ScoringMode {
		message = fmt.Sprintf("%s (Score: %d/%d)", msg, result.TotalScore, result.Threshold)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = blockTemplate.Execute(w, struct {
		RuleID    string
		Message   string
		Mode      string
		RayID     string
		Timestamp string
	}{ruleID, message, mode, rayID, time.Now().UTC().Format(time.RFC3339)})
}

var upstreamErrorTemplate = template.Must(template.New("upstream").Parse(`<!DOCTYPE html>
<html><head><title>502 Bad Gateway</title></head>
<body><h1>Bad Gateway</h1><p>Domain: {{.Domain}}</p><p>Upstream: {{.Upstream}}</p><p>{{.Message}}</p></body></html>`))

func (p *Pipeline) writeUpstreamHTML(w http.ResponseWriter, status int, domain, upstream, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = upstreamErrorTemplate.Execute(w, struct {
		Domain   string
		Upstream string
		Message  string
	}{domain, upstream, message})
}
