// Package telemetry wires the WAF's per-request OpenTelemetry span on top
// of the 12-timepoint internal/trace.Trace record: the Trace gives the
// pipeline cheap in-process duration math, this package gives it an
// exportable span for an external collector.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	wtrace "github.com/kraklabs/sentryproxy/internal/trace"
)

// Config is the telemetry section of the WAF config.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages the OpenTelemetry tracer backing request spans. A
// disabled or misconfigured Provider still returns a usable no-op tracer, so
// callers never need to nil-check before starting a span.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider constructs a Provider. When cfg.Enabled is false, or the
// exporter can't be built, Provider falls back to otel's global no-op
// tracer rather than failing startup.
func NewProvider(cfg Config) *Provider {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("sentryproxy")}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sentryproxy"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("sentryproxy")}
	}
	if err != nil {
		slog.Error("telemetry exporter init failed, tracing disabled", "exporter", cfg.Exporter, "error", err)
		return &Provider{config: cfg, tracer: otel.Tracer("sentryproxy")}
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	return &Provider{config: cfg, tracer: tp.Tracer("sentryproxy"), provider: tp}
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether a real exporter backs this Provider.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// WAF request-span attribute keys.
const (
	AttrRequestID  = "waf.request.id"
	AttrDomain     = "waf.domain"
	AttrClientIP   = "waf.client.ip"
	AttrMethod     = "http.request.method"
	AttrPath       = "url.path"
	AttrBlocked    = "waf.blocked"
	AttrObserved   = "waf.observed"
	AttrRuleID     = "waf.rule.id"
	AttrScore      = "waf.score"
	AttrStatusCode = "http.response.status_code"
)

// StartRequestSpan starts the span covering one pipeline invocation.
func (p *Provider) StartRequestSpan(ctx context.Context, requestID, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "waf.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrMethod, method),
			attribute.String(AttrPath, path),
		),
	)
}

// AnnotateDecision records the admission outcome on span before it ends.
func AnnotateDecision(span trace.Span, domain, clientIP string, blocked, observed bool, ruleID string, score int32, status int) {
	span.SetAttributes(
		attribute.String(AttrDomain, domain),
		attribute.String(AttrClientIP, clientIP),
		attribute.Bool(AttrBlocked, blocked),
		attribute.Bool(AttrObserved, observed),
		attribute.String(AttrRuleID, ruleID),
		attribute.Int64(AttrScore, int64(score)),
		attribute.Int(AttrStatusCode, status),
	)
}

// RecordTimepoints adds one span event per marked request-trace
// timepoint.
func RecordTimepoints(span trace.Span, tr *wtrace.Trace) {
	for name, at := range tr.MarkedPoints() {
		span.AddEvent(name, trace.WithTimestamp(at))
	}
}
