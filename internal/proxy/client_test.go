package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kraklabs/sentryproxy/internal/proxypool"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}

func TestUpstreamResolutionPriority(t *testing.T) {
	r := UpstreamResolution{
		HeaderOverride: "http://header:1/",
		CallOverride:   "http://call:2/",
		DomainDefault:  "http://domain:3/",
		GlobalDefault:  "http://global:4/",
	}
	u, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.Hostname() != "header" {
		t.Errorf("resolved %q, want the header override first", u)
	}
}

func TestUpstreamResolutionFallsThroughOnParseFailure(t *testing.T) {
	r := UpstreamResolution{
		HeaderOverride: "::not a url::",
		DomainDefault:  "http://domain:3/",
	}
	u, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if u.Hostname() != "domain" {
		t.Errorf("resolved %q, want fall-through to the domain default", u)
	}
}

func TestUpstreamResolutionNoCandidates(t *testing.T) {
	if _, err := (UpstreamResolution{}).Resolve(); err == nil {
		t.Error("no candidates should be an error")
	}
}

func TestHostHeaderPolicy(t *testing.T) {
	upstream := mustParse(t, "http://backend.internal:9000/")

	preserve := HostHeaderPolicy{PreserveOriginalHost: true}
	if got := preserve.resolveHostHeader("client.example.com", upstream); got != "client.example.com" {
		t.Errorf("preserve: got %q", got)
	}

	custom := HostHeaderPolicy{CustomHostHeader: "override.example.com"}
	if got := custom.resolveHostHeader("client.example.com", upstream); got != "override.example.com" {
		t.Errorf("custom: got %q", got)
	}

	authority := HostHeaderPolicy{}
	if got := authority.resolveHostHeader("client.example.com", upstream); got != "backend.internal:9000" {
		t.Errorf("authority: got %q", got)
	}
}

func TestForwardProxiesAndStripsHopByHop(t *testing.T) {
	var seen http.Header
	var seenHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenHost = r.Host
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brewing"))
	}))
	defer backend.Close()

	pools := proxypool.NewManager(2, time.Minute)
	defer pools.Shutdown()
	client := NewClient(pools, 3)

	req := httptest.NewRequest("POST", "/api/echo?x=1", strings.NewReader("payload"))
	req.Host = "waf.example.com"
	req.Header.Set("Keep-Alive", "300")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-App", "kept")

	out := client.Forward(req, []byte("payload"), mustParse(t, backend.URL), HostHeaderPolicy{}, true)
	if out.Err != nil {
		t.Fatalf("Forward error: %v", out.Err)
	}
	defer out.Response.Body.Close()

	if out.Response.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d", out.Response.StatusCode)
	}
	if out.Retries != 0 {
		t.Errorf("retries = %d, want 0", out.Retries)
	}
	if seen.Get("Keep-Alive") != "" || seen.Get("Accept-Encoding") != "" {
		t.Errorf("hop-by-hop headers leaked upstream: %v", seen)
	}
	if seen.Get("X-App") != "kept" {
		t.Errorf("ordinary headers must be copied verbatim, got %v", seen)
	}
	if seenHost == "waf.example.com" {
		t.Errorf("default policy must use the upstream authority, got Host %q", seenHost)
	}
}

func TestForwardRetriesThenFails(t *testing.T) {
	pools := proxypool.NewManager(2, time.Minute)
	defer pools.Shutdown()
	client := NewClient(pools, 2)

	// A reserved-but-closed port: every attempt fails to connect.
	req := httptest.NewRequest("GET", "/", nil)
	out := client.Forward(req, nil, mustParse(t, "http://127.0.0.1:1/"), HostHeaderPolicy{}, true)
	if out.Err == nil {
		t.Fatal("unreachable upstream should yield a final error")
	}
	if out.Retries != 2 {
		t.Errorf("retries = %d, want maxRetries 2", out.Retries)
	}
}

func TestRelayStripsResponseHeaders(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":      []string{"text/plain"},
			"Transfer-Encoding": []string{"chunked"},
			"Connection":        []string{"keep-alive"},
			"Content-Length":    []string{"5"},
		},
		Body: io.NopCloser(strings.NewReader("hello")),
	}
	rec := httptest.NewRecorder()
	n, err := Relay(rec, resp)
	if err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	if n != 5 || rec.Body.String() != "hello" {
		t.Errorf("body relay: n=%d body=%q", n, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Error("ordinary response headers must be copied")
	}
	for _, h := range []string{"Transfer-Encoding", "Connection", "Content-Length"} {
		if rec.Header().Get(h) != "" {
			t.Errorf("%s must be stripped from the relayed response", h)
		}
	}
}

func TestWriteUpstreamError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUpstreamError(rec, "connect refused", 3)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	var body UpstreamErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding 502 body: %v", err)
	}
	if body.Error != "upstream_unreachable" || body.Retries != 3 {
		t.Errorf("502 body = %+v", body)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
		{"/base", "/x", "/base/x"},
	}
	for _, c := range cases {
		if got := singleJoiningSlash(c.a, c.b); got != c.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}
