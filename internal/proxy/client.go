// Package proxy implements the WAF's upstream proxy client and the
// request pipeline that drives the admission checks in front of it.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kraklabs/sentryproxy/internal/proxypool"
)

// hopByHopHeaders are stripped before forwarding.
var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Accept-Encoding"}

// responseStripHeaders are never copied back from the upstream
// response.
var responseStripHeaders = []string{"Transfer-Encoding", "Connection", "Content-Length"}

// HostHeaderPolicy selects which Host header the upstream sees.
type HostHeaderPolicy struct {
	PreserveOriginalHost bool
	CustomHostHeader     string
}

// resolveHostHeader picks, in order: the client's original Host, the
// configured custom header, or the upstream authority.
func (p HostHeaderPolicy) resolveHostHeader(originalHost string, upstream *url.URL) string {
	if p.PreserveOriginalHost {
		return originalHost
	}
	if p.CustomHostHeader != "" {
		return p.CustomHostHeader
	}
	return upstream.Host
}

// UpstreamResolution carries the priority-ordered upstream candidates for
// one request.
type UpstreamResolution struct {
	HeaderOverride string // X-Next-Upstream, empty if absent
	CallOverride   string // per-call override, empty if none
	DomainDefault  string // domain config's default_upstream
	GlobalDefault  string // global default upstream
}

// Resolve picks the first candidate that parses as a valid absolute URL,
// falling through on parse failure.
func (r UpstreamResolution) Resolve() (*url.URL, error) {
	for _, candidate := range []string{r.HeaderOverride, r.CallOverride, r.DomainDefault, r.GlobalDefault} {
		if candidate == "" {
			continue
		}
		if u, err := url.Parse(candidate); err == nil && u.Scheme != "" && u.Host != "" {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no valid upstream candidate")
}

// Client is the WAF's upstream proxy client: connection-pool-backed, with
// bounded retries against a fresh connection each attempt and host-header
// policy enforcement.
type Client struct {
	pools       *proxypool.Manager
	maxRetries  int
	connectTimeout time.Duration
	readTimeout time.Duration
}

// NewClient constructs a Client. maxRetries<=0 selects the default of
// 3.
func NewClient(pools *proxypool.Manager, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		pools:          pools,
		maxRetries:     maxRetries,
		connectTimeout: 10 * time.Second,
		readTimeout:    30 * time.Second,
	}
}

// Outcome is returned by Forward: either a live upstream response the
// caller must relay and close, or a final failure to render as a 502.
type Outcome struct {
	Response *http.Response
	Retries  int
	Err      error
}

// Forward proxies req to upstream per host-header policy, making up to
// maxRetries attempts in total with a fresh connection each attempt and a
// linear 50ms*attempt backoff between attempts.
func (c *Client) Forward(req *http.Request, body []byte, upstream *url.URL, policy HostHeaderPolicy, verifyTLS bool) Outcome {
	key := proxypool.Key{
		Scheme:    upstream.Scheme,
		Host:      upstream.Hostname(),
		Port:      upstream.Port(),
		VerifyTLS: verifyTLS,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		conn := c.pools.Acquire(key)

		outReq, err := c.buildRequest(req, body, upstream, policy)
		if err != nil {
			c.pools.Discard(key, conn)
			return Outcome{Err: err, Retries: attempt - 1}
		}

		resp, err := conn.Client.Do(outReq)
		if err != nil {
			c.pools.Discard(key, conn) // errored connection is never re-pooled
			lastErr = err
			if attempt < c.maxRetries {
				time.Sleep(50 * time.Millisecond * time.Duration(attempt))
			}
			continue
		}

		c.pools.Release(key, conn)
		return Outcome{Response: resp, Retries: attempt - 1}
	}

	return Outcome{Err: lastErr, Retries: c.maxRetries}
}

func (c *Client) buildRequest(orig *http.Request, body []byte, upstream *url.URL, policy HostHeaderPolicy) (*http.Request, error) {
	target := *upstream
	target.Path = singleJoiningSlash(upstream.Path, orig.URL.Path)
	target.RawQuery = orig.URL.RawQuery

	outReq, err := http.NewRequestWithContext(orig.Context(), orig.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for name, values := range orig.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	outReq.Host = policy.resolveHostHeader(orig.Host, upstream)
	return outReq, nil
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Relay writes resp's status, headers (minus the stripped set), and body to
// w.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	h := w.Header()
	for name, values := range resp.Header {
		if isStripped(name) {
			continue
		}
		for _, v := range values {
			h.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	return io.Copy(w, resp.Body)
}

func isStripped(name string) bool {
	for _, h := range responseStripHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// UpstreamErrorBody is the JSON shape for a final 502 after exhausted
// retries.
type UpstreamErrorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Retries int    `json:"retries"`
}

// WriteUpstreamError writes the 502 JSON response for exhausted retries.
func WriteUpstreamError(w http.ResponseWriter, detail string, retries int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(UpstreamErrorBody{
		Error:   "upstream_unreachable",
		Detail:  detail,
		Retries: retries,
	})
}
