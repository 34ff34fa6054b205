package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kraklabs/sentryproxy/internal/metrics"
	"github.com/kraklabs/sentryproxy/internal/rules"
)

func testMux(t *testing.T, ruleCount int, observe bool) (http.Handler, *ChallengeStore) {
	t.Helper()
	holder := rules.NewHolder()
	holder.Swap(&rules.Snapshot{
		Rules:     make([]rules.Rule, ruleCount),
		Version:   1,
		CreatedAt: time.Now(),
	})
	challenges := NewChallengeStore()
	return Mux(holder, metrics.New(), challenges, observe), challenges
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := testMux(t, 3, true)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status      string `json:"status"`
		RulesLoaded int    `json:"rules_loaded"`
		ObserveMode bool   `json:"observe_mode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if body.Status != "healthy" || body.RulesLoaded != 3 || !body.ObserveMode {
		t.Errorf("health body = %+v", body)
	}
}

func TestHealthWithNoSnapshot(t *testing.T) {
	mux := Mux(rules.NewHolder(), metrics.New(), NewChallengeStore(), false)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var body struct {
		RulesLoaded int `json:"rules_loaded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if body.RulesLoaded != 0 {
		t.Errorf("rules_loaded = %d, want 0 before first load", body.RulesLoaded)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	mux, _ := testMux(t, 0, false)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body == "" {
		t.Error("metrics exposition should not be empty")
	}
}

func TestACMEChallenge(t *testing.T) {
	mux, challenges := testMux(t, 0, false)
	challenges.Put("token123", "token123.keyauth")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/acme-challenge/token123", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("registered token status = %d", rec.Code)
	}
	if rec.Body.String() != "token123.keyauth" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec404 := httptest.NewRecorder()
	mux.ServeHTTP(rec404, httptest.NewRequest("GET", "/.well-known/acme-challenge/unknown", nil))
	if rec404.Code != http.StatusNotFound {
		t.Errorf("unregistered token status = %d, want 404", rec404.Code)
	}
}
