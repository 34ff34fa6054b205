// Command sentryproxy is the WAF reverse-proxy core's entry point: it wires
// the rule engine, admission pipeline, and upstream proxy client together,
// starts the supervised background tasks (hot-reload, rate-limiter
// eviction, pool reaping), and serves the HTTP and HTTPS listeners.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kraklabs/sentryproxy/internal/config"
	"github.com/kraklabs/sentryproxy/internal/logging"
	"github.com/kraklabs/sentryproxy/internal/memory"
	"github.com/kraklabs/sentryproxy/internal/metrics"
	"github.com/kraklabs/sentryproxy/internal/proxy"
	"github.com/kraklabs/sentryproxy/internal/proxypool"
	"github.com/kraklabs/sentryproxy/internal/rules"
	"github.com/kraklabs/sentryproxy/internal/server"
	"github.com/kraklabs/sentryproxy/internal/supervisor"
	"github.com/kraklabs/sentryproxy/internal/telemetry"
	"github.com/kraklabs/sentryproxy/internal/trace"
	"github.com/kraklabs/sentryproxy/internal/waf/eval"
	"github.com/kraklabs/sentryproxy/internal/waf/geoip"
	"github.com/kraklabs/sentryproxy/internal/waf/ipfilter"
	"github.com/kraklabs/sentryproxy/internal/waf/operator"
	"github.com/kraklabs/sentryproxy/internal/waf/ratelimit"
	"github.com/kraklabs/sentryproxy/internal/waf/vars"
)

func main() {
	cfgPath := config.ConfigFileFromEnv("./waf.yaml")
	cfgLoader := config.NewLoader(cfgPath)
	cfg, err := cfgLoader.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	w := cfg.WAF
	observe := w.Mode == "observe"

	logLevel := slog.LevelInfo
	if w.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	loader := rules.NewLoader(w.Rules.Dir)
	holder := rules.NewHolder()
	if _, err := loader.Load(holder); err != nil {
		slog.Error("initial rule load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("rules loaded", "count", len(holder.Current().Rules), "version", holder.Current().Version)

	pool := vars.NewPool()
	evaluator := eval.New(holder, pool, operator.NoopOracle(), observe)

	ipf := ipfilter.New()
	if w.IPFiltering.Enabled {
		if err := ipf.LoadFiles(w.IPFiltering.WhitelistFile, w.IPFiltering.BlacklistFile); err != nil {
			slog.Warn("failed to load IP filter lists", "error", err)
		}
	}

	tracker := memory.NewTracker()

	// No in-process MMDB reader is wired by default; geoip.Gate fails
	// open with a nil Reader.
	geo := geoip.New(nil, tracker, w.GeoIP.AllowedCountries, w.GeoIP.BlockedCountries)
	if w.GeoIP.Enabled && !geo.Enabled() {
		slog.Info("geoip enabled in config but no MMDB reader wired; all lookups allow")
	}

	limiter := ratelimit.New(w.RateLimiting.DefaultLimit, w.RateLimiting.DefaultWindowS, endpointsFrom(w.RateLimiting.Endpoints))
	limiter.SetMemoryTracker(tracker)
	if w.RateLimiting.CleanupInterval > 0 {
		limiter.SetCleanupInterval(time.Duration(w.RateLimiting.CleanupInterval) * time.Second)
	}
	// The eviction pass releases its freed bytes through the tracker
	// directly, so the callback reports zero to avoid double-crediting; it
	// exists to give a saturated limiter an immediate cleanup pass.
	tracker.SetEvictFunc(memory.RateLimiter, func(needed int64) int64 {
		limiter.Evict(time.Now())
		return 0
	})
	tracker.SetEvictFunc(memory.GeoIP, func(needed int64) int64 {
		geo.ClearExpired()
		return 0
	})

	pools := proxypool.NewManager(w.ConnectionPooling.PoolSize, w.ConnectionPooling.IdleTimeout)
	client := proxy.NewClient(pools, w.ConnectionPooling.MaxRetries)

	logger := logging.New(w.Logging.QueueSize)
	defer logger.Close()

	var auditLogger *logging.AuditLogger
	if w.Logging.EnableAudit {
		auditLogger, err = logging.NewAuditLogger(w.Logging.Dir, w.Logging.QueueSize)
		if err != nil {
			slog.Error("failed to open audit logger", "error", err)
			os.Exit(1)
		}
		defer auditLogger.Close()
	}

	reg := metrics.New()
	pools.SetAcquireHooks(
		func() { reg.PoolAcquiredTotal.Inc() },
		func() { reg.PoolTimeoutsTotal.Inc() },
	)
	limiter.SetBlockHook(func() { reg.BlockedIPsTotal.Inc() })
	tracer := trace.NewPool()
	tel := telemetry.NewProvider(telemetry.Config{
		Enabled:     w.Telemetry.Enabled,
		Exporter:    w.Telemetry.Exporter,
		Endpoint:    w.Telemetry.Endpoint,
		ServiceName: w.Telemetry.ServiceName,
		Insecure:    w.Telemetry.Insecure,
	})

	pipeline := &proxy.Pipeline{
		IPFilter:       ipf,
		IPFilterOn:     w.IPFiltering.Enabled,
		GeoIP:          geo,
		GeoIPOn:        w.GeoIP.Enabled,
		RateLimiter:    limiter,
		RateLimitOn:    w.RateLimiting.Enabled,
		Evaluator:      evaluator,
		Client:         client,
		Domains:        domainRoutesFrom(w.Domains),
		GlobalUpstream: w.Upstream,
		BodyLimit:      w.Rules.BodyLimitBytes,
		Logger:         logger,
		AuditLogger:    auditLogger,
		Metrics:        reg,
		Tracer:         tracer,
		Telemetry:      tel,
	}

	challenges := server.NewChallengeStore()
	bypassMux := server.Mux(holder, reg, challenges, observe)

	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if isBypassPath(r.URL.Path) {
			bypassMux.ServeHTTP(rw, r)
			return
		}
		pipeline.ServeHTTP(rw, r)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New()
	sup.SetCrashCallback(func(name string, err error) {
		reg.FiberCrashesTotal.Inc()
		slog.Error("supervised task crashed", "task", name, "error", err)
	})

	reloader := &configReloader{
		cur:     cfg,
		loader:  cfgLoader,
		limiter: limiter,
		ipf:     ipf,
		geo:     geo,
		audit:   auditLogger,
		reg:     reg,
	}
	startBackgroundTasks(ctx, sup, loader, holder, limiter, pools, geo, tracker, reloader, reg, w.Rules.ReloadIntervalSec)

	// Event-driven reload trigger layered over the periodic poll; the poll
	// remains the correctness guarantee on platforms where fsnotify is
	// unavailable.
	watcher, err := rules.NewWatcher(w.Rules.Dir, func() {
		if !loader.CheckAndReload() {
			return
		}
		if _, err := loader.Load(holder); err != nil {
			slog.Warn("rule reload failed", "error", err)
			return
		}
		reg.ConfigReloadsTotal.Inc()
		slog.Info("rules reloaded", "version", holder.Current().Version, "trigger", "fsnotify")
	})
	if err != nil {
		slog.Warn("rule directory watch unavailable, relying on periodic reload only", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	cfgWatcher, err := rules.NewWatcher(filepath.Dir(cfgPath), func() {
		reloader.reload(false)
	})
	if err != nil {
		slog.Warn("config directory watch unavailable, relying on periodic reload only", "error", err)
	} else {
		defer func() { _ = cfgWatcher.Close() }()
	}

	servers := startListeners(w, handler)

	waitForSignal(cancel, servers, pools, logger, auditLogger, tel, loader, holder, reloader, reg)
}

// configReloader serializes graceful config reloads: it re-reads the
// config file and rebuilds only the subsystems whose sections materially
// changed, logging the diff and recording a CONFIG_CHANGE audit entry.
type configReloader struct {
	mu      sync.Mutex
	cur     config.Config
	loader  *config.Loader
	limiter *ratelimit.Limiter
	ipf     *ipfilter.Filter
	geo     *geoip.Gate
	audit   *logging.AuditLogger
	reg     *metrics.Registry
}

// reload performs one reload pass. With force false it is a cheap no-op
// unless the file's mtime moved (the periodic and watcher paths); SIGHUP
// passes force true to re-read unconditionally.
func (r *configReloader) reload(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && !r.loader.CheckAndReload() {
		return
	}
	next, err := r.loader.Load()
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "error", err)
		return
	}

	diff := config.DiffSubsystems(r.cur.WAF, next.WAF)
	if !diff.Any() {
		r.cur = next
		slog.Info("config file changed, no hot-reloadable section differs")
		return
	}

	if diff.RateLimiting {
		rl := next.WAF.RateLimiting
		r.limiter.Reconfigure(rl.DefaultLimit, rl.DefaultWindowS, endpointsFrom(rl.Endpoints))
		if rl.CleanupInterval > 0 {
			r.limiter.SetCleanupInterval(time.Duration(rl.CleanupInterval) * time.Second)
		}
		if rl.Enabled != r.cur.WAF.RateLimiting.Enabled {
			slog.Warn("rate_limiting.enabled changed; enabling/disabling a subsystem needs a restart")
		}
	}
	if diff.IPFiltering {
		ip := next.WAF.IPFiltering
		if err := r.ipf.LoadFiles(ip.WhitelistFile, ip.BlacklistFile); err != nil {
			slog.Warn("reloading IP filter lists failed", "error", err)
		}
		if ip.Enabled != r.cur.WAF.IPFiltering.Enabled {
			slog.Warn("ip_filtering.enabled changed; enabling/disabling a subsystem needs a restart")
		}
	}
	if diff.GeoIP {
		g := next.WAF.GeoIP
		r.geo.Reconfigure(g.AllowedCountries, g.BlockedCountries)
		if g.Enabled != r.cur.WAF.GeoIP.Enabled {
			slog.Warn("geoip.enabled changed; enabling/disabling a subsystem needs a restart")
		}
	}

	r.cur = next
	if r.audit != nil {
		r.audit.Record(logging.AuditConfigChange, "sections="+diff.String()+" path="+r.loader.Path())
	}
	r.reg.ConfigReloadsTotal.Inc()
	slog.Info("config reloaded", "sections", diff.String())
}

func isBypassPath(path string) bool {
	switch {
	case path == "/health", path == "/metrics":
		return true
	case len(path) >= len("/.well-known/acme-challenge/") && path[:len("/.well-known/acme-challenge/")] == "/.well-known/acme-challenge/":
		return true
	default:
		return false
	}
}

func endpointsFrom(cfg []config.EndpointLimit) []ratelimit.EndpointRule {
	out := make([]ratelimit.EndpointRule, 0, len(cfg))
	for _, e := range cfg {
		out = append(out, ratelimit.EndpointRule{PathGlob: e.PathGlob, Limit: e.Limit, WindowS: e.WindowS})
	}
	return out
}

func domainRoutesFrom(cfg map[string]config.DomainConfig) map[string]proxy.DomainRoute {
	out := make(map[string]proxy.DomainRoute, len(cfg))
	for host, d := range cfg {
		filter := eval.RuleFilter{}
		if len(d.RuleFilter.EnabledIDs) > 0 {
			filter.EnabledIDs = toSet(d.RuleFilter.EnabledIDs)
		}
		filter.DisabledIDs = toSet(d.RuleFilter.DisabledIDs)
		out[host] = proxy.DomainRoute{
			DefaultUpstream:      d.DefaultUpstream,
			UpstreamHostHeader:   d.UpstreamHostHeader,
			PreserveOriginalHost: d.PreserveOriginalHost,
			VerifyUpstreamTLS:    d.VerifyUpstreamTLS,
			Threshold:            d.WAFThreshold,
			RuleFilter:           filter,
		}
	}
	return out
}

func toSet(ids []uint32) map[uint32]struct{} {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// startBackgroundTasks launches the periodic maintenance tasks under
// the supervisor: rate-limiter eviction, GeoIP cache clearing, idle
// connection reaping, inactive pool eviction, and rule/config hot-reload.
func startBackgroundTasks(ctx context.Context, sup *supervisor.Supervisor, loader *rules.Loader, holder *rules.Holder, limiter *ratelimit.Limiter, pools *proxypool.Manager, geo *geoip.Gate, tracker *memory.Tracker, reloader *configReloader, reg *metrics.Registry, reloadIntervalSec int) {
	if reloadIntervalSec <= 0 {
		reloadIntervalSec = 5
	}
	reloadInterval := time.Duration(reloadIntervalSec) * time.Second

	sup.SpawnIsolated(ctx, "rule-reload", 0, 0, func(ctx context.Context) {
		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if loader.CheckAndReload() {
					if _, err := loader.Load(holder); err != nil {
						slog.Warn("rule reload failed", "error", err)
						continue
					}
					reg.ConfigReloadsTotal.Inc()
					slog.Info("rules reloaded", "version", holder.Current().Version)
				}
			}
		}
	})

	sup.SpawnIsolated(ctx, "config-reload", 0, 0, func(ctx context.Context) {
		ticker := time.NewTicker(reloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reloader.reload(false)
			}
		}
	})

	sup.SpawnIsolated(ctx, "ratelimit-evict", 0, 0, func(ctx context.Context) {
		ticker := time.NewTicker(limiter.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				limiter.Evict(time.Now())
				reg.GCRunsTotal.Inc()
				reg.GCDuration.Observe(time.Since(start).Seconds())
			}
		}
	})

	sup.SpawnIsolated(ctx, "geoip-cache-clear", 0, 0, func(ctx context.Context) {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				geo.ClearExpired()
			}
		}
	})

	sup.SpawnIsolated(ctx, "pool-reap", 0, 0, func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pools.ReapIdle()
				pools.EvictInactivePools()
				size, available := pools.Stats()
				reg.PoolSize.Set(float64(size))
				reg.PoolAvailable.Set(float64(available))
			}
		}
	})

	sup.SpawnIsolated(ctx, "metrics-refresh", 0, 0, func(ctx context.Context) {
		start := time.Now()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.UptimeSeconds.Set(time.Since(start).Seconds())
				reg.ActiveCounters.Set(float64(limiter.ActiveCounters()))
				reg.RulesLoaded.Set(float64(len(holder.Current().Rules)))
				reg.SnapshotVersion.Set(float64(holder.Current().Version))
				for module, usage := range tracker.Snapshot() {
					reg.MemoryUsageBytes.WithLabelValues(module).Set(float64(usage))
				}
			}
		}
	})
}

func startListeners(w config.WAFConfig, handler http.Handler) []*http.Server {
	var servers []*http.Server

	if w.Server.HTTPEnabled {
		srv := &http.Server{Addr: addr(w.Server.HTTPPort), Handler: handler, ReadTimeout: 30 * time.Second}
		servers = append(servers, srv)
		go func() {
			slog.Info("http listener starting", "port", w.Server.HTTPPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http listener stopped", "error", err)
			}
		}()
	}

	if w.Server.HTTPSEnabled {
		tlsCfg, err := setupTLS(w.Server)
		if err != nil {
			slog.Error("https listener misconfigured", "error", err)
			os.Exit(1)
		}
		srv := &http.Server{Addr: addr(w.Server.HTTPSPort), Handler: handler, ReadTimeout: 30 * time.Second, TLSConfig: tlsCfg}
		servers = append(servers, srv)
		go func() {
			slog.Info("https listener starting", "port", w.Server.HTTPSPort)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("https listener stopped", "error", err)
			}
		}()
	}

	if len(servers) == 0 {
		slog.Error("no listener enabled; at least one of http/https must be enabled")
		os.Exit(1)
	}
	return servers
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

// setupTLS builds the HTTPS listener's TLS configuration: an operator-
// supplied cert/key pair, or a freshly generated self-signed certificate
// when tls_auto_generate is set.
func setupTLS(cfg config.ServerConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	switch {
	case cfg.TLSAutoGenerate:
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	case cfg.TLSCertFile != "" && cfg.TLSKeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.TLSCertFile, "key", cfg.TLSKeyFile)
	default:
		return nil, fmt.Errorf("https enabled but no certificate configured (set tls_cert_file/tls_key_file or tls_auto_generate)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"SentryProxy Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// waitForSignal blocks until SIGINT/SIGTERM triggers graceful shutdown or
// SIGHUP triggers a synchronous reload.
func waitForSignal(cancel context.CancelFunc, servers []*http.Server, pools *proxypool.Manager, logger *logging.Logger, auditLogger *logging.AuditLogger, tel *telemetry.Provider, loader *rules.Loader, holder *rules.Holder, reloader *configReloader, reg *metrics.Registry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			slog.Info("SIGHUP received, reloading rules and config synchronously")
			if _, err := loader.Load(holder); err != nil {
				slog.Error("SIGHUP rule reload failed", "error", err)
			} else {
				reg.ConfigReloadsTotal.Inc()
				slog.Info("rules reloaded via SIGHUP", "version", holder.Current().Version)
			}
			reloader.reload(true)
			continue
		}
		slog.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		cancel()

		if auditLogger != nil {
			_ = auditLogger.Close()
		}
		logger.Close()

		pools.Shutdown()

		if tel != nil {
			_ = tel.Shutdown(shutdownCtx)
		}
		shutdownCancel()
		os.Exit(0)
	}
}
