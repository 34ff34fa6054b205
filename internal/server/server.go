// Package server implements the WAF's bypass-the-pipeline endpoints:
// /health, /metrics, and the ACME HTTP-01 challenge responder. These
// never reach the admission pipeline. The admin control-plane proper lives
// outside this process; only the minimal health/metrics/ACME surface is
// served here.
package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/sentryproxy/internal/memory"
	"github.com/kraklabs/sentryproxy/internal/metrics"
	"github.com/kraklabs/sentryproxy/internal/rules"
)

// maxChallenges bounds the pending-challenge cache; an ACME client never
// needs more than a handful in flight, so oldest-first eviction is safe.
const maxChallenges = 1024

// ChallengeStore holds registered ACME HTTP-01 key authorizations, keyed by
// token. The ACME client collaborator (out of scope) populates this; the
// server only serves it.
type ChallengeStore struct {
	mu     sync.RWMutex
	tokens *memory.BoundedMap[string, string]
}

// NewChallengeStore constructs an empty ChallengeStore.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{tokens: memory.NewBoundedMap[string, string](maxChallenges)}
}

// Put registers a token's key authorization.
func (c *ChallengeStore) Put(token, keyAuth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Put(token, keyAuth)
}

// Delete removes a completed or expired challenge.
func (c *ChallengeStore) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Delete(token)
}

// Get returns a token's key authorization, if registered.
func (c *ChallengeStore) Get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.Get(token)
}

// Mux builds the bypass-path handler: /health, /metrics, and
// /.well-known/acme-challenge/{token}.
func Mux(holder *rules.Holder, reg *metrics.Registry, challenges *ChallengeStore, observeMode bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := holder.Current()
		rulesLoaded := 0
		if snap != nil {
			rulesLoaded = len(snap.Rules)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "healthy",
			"rules_loaded": rulesLoaded,
			"observe_mode": observeMode,
		})
	})

	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/.well-known/acme-challenge/", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Path[len("/.well-known/acme-challenge/"):]
		keyAuth, ok := challenges.Get(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(keyAuth))
	})

	return mux
}
