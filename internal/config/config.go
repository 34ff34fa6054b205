// Package config loads the WAF's YAML configuration and applies the
// fixed list of environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level WAF configuration document.
type Config struct {
	WAF WAFConfig `yaml:"waf"`
}

// WAFConfig is the waf: section of the config document.
type WAFConfig struct {
	Mode              string                  `yaml:"mode"` // "enforce" or "observe"
	Upstream          string                  `yaml:"upstream"`
	UpstreamHostHeader string                 `yaml:"upstream_host_header"`
	PreserveOriginalHost bool                 `yaml:"preserve_original_host"`
	Domains           map[string]DomainConfig `yaml:"domains"`
	RateLimiting      RateLimitingConfig      `yaml:"rate_limiting"`
	IPFiltering       IPFilteringConfig       `yaml:"ip_filtering"`
	GeoIP             GeoIPConfig             `yaml:"geoip"`
	Rules             RulesConfig             `yaml:"rules"`
	Logging           LoggingConfig           `yaml:"logging"`
	Metrics           MetricsConfig           `yaml:"metrics"`
	ConnectionPooling ConnectionPoolingConfig `yaml:"connection_pooling"`
	Server            ServerConfig            `yaml:"server"`
	Telemetry         TelemetryConfig         `yaml:"telemetry"`
}

// DomainConfig is one domain's routing and evaluation settings.
type DomainConfig struct {
	DefaultUpstream      string           `yaml:"default_upstream"`
	UpstreamHostHeader   string           `yaml:"upstream_host_header"`
	PreserveOriginalHost bool             `yaml:"preserve_original_host"`
	VerifyUpstreamTLS    bool             `yaml:"verify_upstream_tls"`
	CertFile             string           `yaml:"cert_file"`
	KeyFile              string           `yaml:"key_file"`
	LetsEncrypt          LetsEncryptConfig `yaml:"letsencrypt"`
	WAFThreshold         int32            `yaml:"waf_threshold"`
	RuleFilter           RuleFilterConfig `yaml:"rule_filter"`
}

// LetsEncryptConfig is carried only as a pass-through to the certificate
// collaborator keyed by SNI hostname.
type LetsEncryptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Email   string `yaml:"email"`
}

// RuleFilterConfig narrows which rules a domain evaluates: if enabled_ids
// is non-empty only those run, otherwise everything outside disabled_ids
// runs.
type RuleFilterConfig struct {
	EnabledIDs  []uint32 `yaml:"enabled_ids"`
	DisabledIDs []uint32 `yaml:"disabled_ids"`
}

// EndpointLimit is one ordered (path_glob, limit, window_sec) entry.
type EndpointLimit struct {
	PathGlob string `yaml:"path"`
	Limit    int    `yaml:"limit"`
	WindowS  int    `yaml:"window_sec"`
}

// RateLimitingConfig configures the sharded sliding-window limiter.
type RateLimitingConfig struct {
	Enabled         bool            `yaml:"enabled"`
	DefaultLimit    int             `yaml:"default_limit"`
	DefaultWindowS  int             `yaml:"default_window_sec"`
	Endpoints       []EndpointLimit `yaml:"endpoints"`
	CleanupInterval int             `yaml:"cleanup_interval_sec"`
}

// IPFilteringConfig configures the exact/CIDR IP gate.
type IPFilteringConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WhitelistFile string `yaml:"whitelist_file"`
	BlacklistFile string `yaml:"blacklist_file"`
}

// GeoIPConfig configures the country gate.
type GeoIPConfig struct {
	Enabled          bool     `yaml:"enabled"`
	DatabasePath     string   `yaml:"database_path"`
	AllowedCountries []string `yaml:"allowed_countries"`
	BlockedCountries []string `yaml:"blocked_countries"`
}

// RulesConfig configures the rule loader/reloader.
type RulesConfig struct {
	Dir                string `yaml:"dir"`
	ReloadIntervalSec  int    `yaml:"reload_interval_sec"`
	BodyLimitBytes     int    `yaml:"body_limit_bytes"`
}

// LoggingConfig configures the async structured logger and audit sink.
type LoggingConfig struct {
	Level           string `yaml:"level"`
	Dir             string `yaml:"dir"`
	MaxSizeMB       int    `yaml:"max_size_mb"`
	RetentionDays   int    `yaml:"retention_days"`
	EnableAudit     bool   `yaml:"enable_audit"`
	QueueSize       int    `yaml:"queue_size"`
}

// MetricsConfig configures the /metrics bypass endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConnectionPoolingConfig configures per-origin pools.
type ConnectionPoolingConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
}

// ServerConfig configures the two listeners.
type ServerConfig struct {
	HTTPEnabled  bool   `yaml:"http_enabled"`
	HTTPPort     int    `yaml:"http_port"`
	HTTPSEnabled bool   `yaml:"https_enabled"`
	HTTPSPort    int    `yaml:"https_port"`
	TLSCertFile  string `yaml:"tls_cert_file"`
	TLSKeyFile   string `yaml:"tls_key_file"`
	TLSAutoGenerate bool `yaml:"tls_auto_generate"`
}

// TelemetryConfig configures per-request OTel span export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{WAF: WAFConfig{
		Mode: "enforce",
		RateLimiting: RateLimitingConfig{
			Enabled:         true,
			DefaultLimit:    100,
			DefaultWindowS:  60,
			CleanupInterval: 300,
		},
		Rules: RulesConfig{
			Dir:               "./rules",
			ReloadIntervalSec: 5,
			BodyLimitBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Dir:           "./logs",
			MaxSizeMB:     100,
			RetentionDays: 30,
			EnableAudit:   true,
			QueueSize:     10000,
		},
		Metrics: MetricsConfig{Enabled: true},
		ConnectionPooling: ConnectionPoolingConfig{
			PoolSize:    20,
			IdleTimeout: 5 * time.Minute,
			MaxRetries:  3,
		},
		Server: ServerConfig{
			HTTPEnabled: true,
			HTTPPort:    3030,
			HTTPSPort:   3443,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "sentryproxy",
		},
	}}
}

// Load reads the YAML config file at path, merges it over Defaults(), and
// applies the environment variable overrides. A missing path is not an
// error: defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied startup argument
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides cfg fields from the recognized environment variable
// list. Unset variables leave the existing value untouched.
func applyEnv(cfg *Config) {
	w := &cfg.WAF

	if v, ok := os.LookupEnv("RULE_DIR"); ok {
		w.Rules.Dir = v
	}
	if v, ok := os.LookupEnv("UPSTREAM"); ok {
		w.Upstream = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_HOST_HEADER"); ok {
		w.UpstreamHostHeader = v
	}
	if v, ok := boolEnv("PRESERVE_ORIGINAL_HOST"); ok {
		w.PreserveOriginalHost = v
	}
	if v, ok := boolEnv("OBSERVE"); ok {
		if v {
			w.Mode = "observe"
		} else {
			w.Mode = "enforce"
		}
	}
	if v, ok := intEnv("BODY_LIMIT_BYTES"); ok {
		w.Rules.BodyLimitBytes = v
	}
	if v, ok := intEnv("RELOAD_INTERVAL_SEC"); ok {
		w.Rules.ReloadIntervalSec = v
	}
	if v, ok := os.LookupEnv("LOG_DIR"); ok {
		w.Logging.Dir = v
	}
	if v, ok := intEnv("LOG_MAX_SIZE_MB"); ok {
		w.Logging.MaxSizeMB = v
	}
	if v, ok := intEnv("LOG_RETENTION_DAYS"); ok {
		w.Logging.RetentionDays = v
	}
	if v, ok := boolEnv("LOG_ENABLE_AUDIT"); ok {
		w.Logging.EnableAudit = v
	}
	if v, ok := intEnv("RATE_LIMIT_DEFAULT_LIMIT"); ok {
		w.RateLimiting.DefaultLimit = v
	}
	if v, ok := intEnv("RATE_LIMIT_DEFAULT_WINDOW_SEC"); ok {
		w.RateLimiting.DefaultWindowS = v
	}
	if v, ok := boolEnv("RATE_LIMIT_ENABLED"); ok {
		w.RateLimiting.Enabled = v
	}
	if v, ok := boolEnv("IP_FILTER_ENABLED"); ok {
		w.IPFiltering.Enabled = v
	}
	if v, ok := os.LookupEnv("IP_WHITELIST_FILE"); ok {
		w.IPFiltering.WhitelistFile = v
	}
	if v, ok := os.LookupEnv("IP_BLACKLIST_FILE"); ok {
		w.IPFiltering.BlacklistFile = v
	}
	if v, ok := boolEnv("GEOIP_ENABLED"); ok {
		w.GeoIP.Enabled = v
	}
	if v, ok := os.LookupEnv("GEOIP_DATABASE_PATH"); ok {
		w.GeoIP.DatabasePath = v
	}
	if v, ok := listEnv("GEOIP_ALLOWED_COUNTRIES"); ok {
		w.GeoIP.AllowedCountries = v
	}
	if v, ok := listEnv("GEOIP_BLOCKED_COUNTRIES"); ok {
		w.GeoIP.BlockedCountries = v
	}
	if v, ok := boolEnv("HTTP_ENABLED"); ok {
		w.Server.HTTPEnabled = v
	}
	if v, ok := boolEnv("HTTPS_ENABLED"); ok {
		w.Server.HTTPSEnabled = v
	}
	if v, ok := intEnv("HTTP_PORT"); ok {
		w.Server.HTTPPort = v
	}
	if v, ok := intEnv("HTTPS_PORT"); ok {
		w.Server.HTTPSPort = v
	}
	if v, ok := os.LookupEnv("TLS_CERT_FILE"); ok {
		w.Server.TLSCertFile = v
	}
	if v, ok := os.LookupEnv("TLS_KEY_FILE"); ok {
		w.Server.TLSKeyFile = v
	}
	if v, ok := boolEnv("TLS_AUTO_GENERATE"); ok {
		w.Server.TLSAutoGenerate = v
	}
	if v, ok := boolEnv("OTEL_ENABLED"); ok {
		w.Telemetry.Enabled = v
	}
	if v, ok := os.LookupEnv("OTEL_EXPORTER"); ok {
		w.Telemetry.Exporter = v
	}
	if v, ok := os.LookupEnv("OTEL_ENDPOINT"); ok {
		w.Telemetry.Endpoint = v
	}
}

func boolEnv(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func intEnv(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func listEnv(name string) ([]string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

// ConfigFileFromEnv resolves the startup config path: WAF_CONFIG_FILE if
// set, else the provided default.
func ConfigFileFromEnv(def string) string {
	if v, ok := os.LookupEnv("WAF_CONFIG_FILE"); ok && v != "" {
		return v
	}
	return def
}

// Loader tracks the config file's mtime so hot-reload checks stay cheap: a
// CheckAndReload is one stat call, never a re-parse.
type Loader struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	exists  bool
}

// NewLoader constructs a Loader for the config file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the config file path this Loader watches.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the config file (merged over defaults and environment
// overrides, exactly as the package-level Load does) and records its mtime
// for subsequent CheckAndReload calls.
func (l *Loader) Load() (Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return cfg, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, statErr := os.Stat(l.path); statErr == nil {
		l.modTime, l.exists = info.ModTime(), true
	} else {
		l.modTime, l.exists = time.Time{}, false
	}
	return cfg, nil
}

// CheckAndReload reports whether the config file changed since the last
// Load: its mtime moved, it appeared, or it vanished.
func (l *Loader) CheckAndReload() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := os.Stat(l.path)
	if err != nil {
		return l.exists
	}
	if !l.exists {
		return true
	}
	return !info.ModTime().Equal(l.modTime)
}

// SubsystemDiff flags which hot-reloadable config sections materially
// changed between two loads. Only these subsystems are rebuilt on a
// graceful reload; everything else needs a restart.
type SubsystemDiff struct {
	RateLimiting bool
	IPFiltering  bool
	GeoIP        bool
}

// DiffSubsystems compares the hot-reloadable sections of two configs.
func DiffSubsystems(prev, next WAFConfig) SubsystemDiff {
	return SubsystemDiff{
		RateLimiting: !reflect.DeepEqual(prev.RateLimiting, next.RateLimiting),
		IPFiltering:  !reflect.DeepEqual(prev.IPFiltering, next.IPFiltering),
		GeoIP:        !reflect.DeepEqual(prev.GeoIP, next.GeoIP),
	}
}

// Any reports whether any section changed.
func (d SubsystemDiff) Any() bool {
	return d.RateLimiting || d.IPFiltering || d.GeoIP
}

// String lists the changed sections for logging and audit entries.
func (d SubsystemDiff) String() string {
	var parts []string
	if d.RateLimiting {
		parts = append(parts, "rate_limiting")
	}
	if d.IPFiltering {
		parts = append(parts, "ip_filtering")
	}
	if d.GeoIP {
		parts = append(parts, "geoip")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
