package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	w := cfg.WAF
	if w.Mode != "enforce" {
		t.Errorf("default mode = %q", w.Mode)
	}
	if w.Server.HTTPPort != 3030 || w.Server.HTTPSPort != 3443 {
		t.Errorf("default ports = %d/%d", w.Server.HTTPPort, w.Server.HTTPSPort)
	}
	if w.Rules.BodyLimitBytes != 1<<20 {
		t.Errorf("default body limit = %d", w.Rules.BodyLimitBytes)
	}
	if w.Logging.QueueSize != 10000 {
		t.Errorf("default log queue = %d", w.Logging.QueueSize)
	}
	if w.ConnectionPooling.IdleTimeout != 5*time.Minute {
		t.Errorf("default idle timeout = %v", w.ConnectionPooling.IdleTimeout)
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waf.yaml")
	doc := `waf:
  mode: observe
  upstream: "http://origin.internal:9000/"
  domains:
    example.com:
      default_upstream: "http://app.internal:8080/"
      waf_threshold: 10
      rule_filter:
        disabled_ids: [920100]
  rate_limiting:
    default_limit: 7
  server:
    http_port: 8080
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	w := cfg.WAF
	if w.Mode != "observe" {
		t.Errorf("mode = %q", w.Mode)
	}
	if w.Server.HTTPPort != 8080 {
		t.Errorf("http_port = %d", w.Server.HTTPPort)
	}
	if w.Server.HTTPSPort != 3443 {
		t.Errorf("untouched field should keep its default, got %d", w.Server.HTTPSPort)
	}
	d, ok := w.Domains["example.com"]
	if !ok {
		t.Fatal("domain example.com missing")
	}
	if d.WAFThreshold != 10 || len(d.RuleFilter.DisabledIDs) != 1 {
		t.Errorf("domain config = %+v", d)
	}
	if w.RateLimiting.DefaultLimit != 7 {
		t.Errorf("rate limit = %d", w.RateLimiting.DefaultLimit)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing config file must not error: %v", err)
	}
	if cfg.WAF.Mode != "enforce" {
		t.Errorf("mode = %q", cfg.WAF.Mode)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waf.yaml")
	if err := os.WriteFile(path, []byte("waf: [unbalanced"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should abort the load")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RULE_DIR", "/etc/waf/rules")
	t.Setenv("OBSERVE", "true")
	t.Setenv("BODY_LIMIT_BYTES", "4096")
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("GEOIP_BLOCKED_COUNTRIES", "KP, IR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	w := cfg.WAF
	if w.Rules.Dir != "/etc/waf/rules" {
		t.Errorf("RULE_DIR = %q", w.Rules.Dir)
	}
	if w.Mode != "observe" {
		t.Errorf("OBSERVE should flip mode, got %q", w.Mode)
	}
	if w.Rules.BodyLimitBytes != 4096 {
		t.Errorf("BODY_LIMIT_BYTES = %d", w.Rules.BodyLimitBytes)
	}
	if w.RateLimiting.DefaultLimit != 42 {
		t.Errorf("RATE_LIMIT_DEFAULT_LIMIT = %d", w.RateLimiting.DefaultLimit)
	}
	if w.Server.HTTPPort != 9999 {
		t.Errorf("HTTP_PORT = %d", w.Server.HTTPPort)
	}
	if len(w.GeoIP.BlockedCountries) != 2 || w.GeoIP.BlockedCountries[1] != "IR" {
		t.Errorf("GEOIP_BLOCKED_COUNTRIES = %v", w.GeoIP.BlockedCountries)
	}
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("OBSERVE", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WAF.Server.HTTPPort != 3030 {
		t.Errorf("malformed int env should be ignored, got %d", cfg.WAF.Server.HTTPPort)
	}
	if cfg.WAF.Mode != "enforce" {
		t.Errorf("malformed bool env should be ignored, got %q", cfg.WAF.Mode)
	}
}

func TestLoaderCheckAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waf.yaml")
	if err := os.WriteFile(path, []byte("waf:\n  mode: enforce\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if l.CheckAndReload() {
		t.Error("no filesystem change: CheckAndReload should report false")
	}
	if l.CheckAndReload() {
		t.Error("second idempotent call should still report false")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("touching config: %v", err)
	}
	if !l.CheckAndReload() {
		t.Error("mtime change should be detected")
	}

	if _, err := l.Load(); err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("removing config: %v", err)
	}
	if !l.CheckAndReload() {
		t.Error("vanished config file should be detected")
	}
}

func TestLoaderMissingFileNeverTriggers(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load() of a missing file should fall back to defaults: %v", err)
	}
	if l.CheckAndReload() {
		t.Error("a file that never existed should not report a change")
	}
}

func TestDiffSubsystems(t *testing.T) {
	prev := Defaults().WAF
	next := Defaults().WAF
	if d := DiffSubsystems(prev, next); d.Any() {
		t.Errorf("identical configs should diff clean, got %+v", d)
	}

	next.RateLimiting.DefaultLimit = 7
	next.GeoIP.BlockedCountries = []string{"KP"}
	d := DiffSubsystems(prev, next)
	if !d.RateLimiting || !d.GeoIP || d.IPFiltering {
		t.Errorf("diff = %+v, want rate_limiting and geoip only", d)
	}
	if got := d.String(); got != "rate_limiting,geoip" {
		t.Errorf("String() = %q", got)
	}

	if got := (SubsystemDiff{}).String(); got != "none" {
		t.Errorf("empty diff String() = %q", got)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	if got := ConfigFileFromEnv("./waf.yaml"); got != "./waf.yaml" {
		t.Errorf("unset env should yield the default, got %q", got)
	}
	t.Setenv("WAF_CONFIG_FILE", "/opt/waf/config.yaml")
	if got := ConfigFileFromEnv("./waf.yaml"); got != "/opt/waf/config.yaml" {
		t.Errorf("WAF_CONFIG_FILE should win, got %q", got)
	}
}
