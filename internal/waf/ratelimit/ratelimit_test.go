package ratelimit

import (
	"testing"
	"time"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New(3, 60, nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		r := l.Check("1.2.3.4", "/", now)
		if !r.Allowed {
			t.Fatalf("request %d: expected allow, got %+v", i, r)
		}
	}
	r := l.Check("1.2.3.4", "/", now)
	if r.Allowed {
		t.Errorf("4th request within window: expected deny, got %+v", r)
	}
}

func TestCheckSlidingWindowExpires(t *testing.T) {
	l := New(1, 1, nil)
	start := time.Now()

	if r := l.Check("1.2.3.4", "/", start); !r.Allowed {
		t.Fatalf("first request should be allowed, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/", start.Add(500*time.Millisecond)); r.Allowed {
		t.Errorf("second request inside the window should be denied, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/", start.Add(2*time.Second)); !r.Allowed {
		t.Errorf("request after window elapsed should be allowed, got %+v", r)
	}
}

func TestCheckEndpointOverride(t *testing.T) {
	l := New(100, 60, []EndpointRule{
		{PathGlob: "/login", Limit: 1, WindowS: 60},
	})
	now := time.Now()

	if r := l.Check("1.2.3.4", "/login", now); !r.Allowed {
		t.Fatalf("first /login request should be allowed, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/login", now); r.Allowed {
		t.Errorf("second /login request should be denied by the endpoint-specific limit, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/other", now); !r.Allowed {
		t.Errorf("unrelated path should fall back to the default limit and be allowed, got %+v", r)
	}
}

func TestCheckGlobWildcard(t *testing.T) {
	l := New(100, 60, []EndpointRule{
		{PathGlob: "/api/*/admin", Limit: 1, WindowS: 60},
	})
	now := time.Now()

	if r := l.Check("1.2.3.4", "/api/v1/admin", now); !r.Allowed {
		t.Fatalf("expected glob match to apply the endpoint limit, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/api/v1/admin", now); r.Allowed {
		t.Errorf("expected second call to trip the matched endpoint limit, got %+v", r)
	}
}

func TestPerIPIsolation(t *testing.T) {
	l := New(1, 60, nil)
	now := time.Now()

	if r := l.Check("1.1.1.1", "/", now); !r.Allowed {
		t.Fatalf("expected first IP to be allowed, got %+v", r)
	}
	if r := l.Check("2.2.2.2", "/", now); !r.Allowed {
		t.Errorf("expected unrelated IP to have its own counter, got %+v", r)
	}
}

func TestBlockIP(t *testing.T) {
	l := New(100, 60, nil)
	now := time.Now()

	if r := l.Check("9.9.9.9", "/", now); !r.Allowed {
		t.Fatalf("expected initial request to be allowed, got %+v", r)
	}
	l.BlockIP("9.9.9.9", time.Minute, now)

	r := l.Check("9.9.9.9", "/", now.Add(time.Second))
	if r.Allowed {
		t.Errorf("expected explicit block to deny subsequent requests, got %+v", r)
	}
	if r.BlockedUntil.IsZero() {
		t.Error("expected BlockedUntil to be set on a blocked result")
	}

	after := l.Check("9.9.9.9", "/", now.Add(2*time.Minute))
	if !after.Allowed {
		t.Errorf("expected block to expire after its duration, got %+v", after)
	}
}

func TestBlockIPWithNoExistingCounter(t *testing.T) {
	l := New(100, 60, nil)
	now := time.Now()
	l.BlockIP("5.5.5.5", time.Minute, now)

	r := l.Check("5.5.5.5", "/", now.Add(time.Second))
	if r.Allowed {
		t.Errorf("expected a block set before any request to still deny, got %+v", r)
	}
}

func TestEvictRemovesStaleCounters(t *testing.T) {
	l := New(10, 1, nil)
	l.SetCleanupInterval(time.Millisecond)
	now := time.Now()

	l.Check("1.2.3.4", "/", now)
	if l.ActiveCounters() != 1 {
		t.Fatalf("expected 1 active counter, got %d", l.ActiveCounters())
	}

	l.Evict(now.Add(time.Hour))
	if l.ActiveCounters() != 0 {
		t.Errorf("expected stale counter to be evicted, got %d active", l.ActiveCounters())
	}
}

func TestFormatReset(t *testing.T) {
	tm := time.Unix(1700000000, 0)
	if got := FormatReset(tm); got != "1700000000" {
		t.Errorf("FormatReset() = %q, want %q", got, "1700000000")
	}
}

func TestReconfigureDiscardsCounters(t *testing.T) {
	l := New(1, 60, nil)
	now := time.Now()

	if r := l.Check("1.2.3.4", "/", now); !r.Allowed {
		t.Fatalf("first request should be allowed, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/", now); r.Allowed {
		t.Fatalf("second request should trip the limit, got %+v", r)
	}

	l.Reconfigure(3, 60, nil)
	if l.ActiveCounters() != 0 {
		t.Errorf("Reconfigure should discard every in-flight counter, %d remain", l.ActiveCounters())
	}

	r := l.Check("1.2.3.4", "/", now)
	if !r.Allowed || r.Limit != 3 {
		t.Errorf("post-reconfigure request should start fresh under the new limit, got %+v", r)
	}
}

func TestReconfigureSwapsEndpointRules(t *testing.T) {
	l := New(100, 60, nil)
	now := time.Now()

	l.Reconfigure(100, 60, []EndpointRule{{PathGlob: "/login", Limit: 1, WindowS: 60}})
	if r := l.Check("1.2.3.4", "/login", now); !r.Allowed {
		t.Fatalf("first /login request should be allowed, got %+v", r)
	}
	if r := l.Check("1.2.3.4", "/login", now); r.Allowed {
		t.Errorf("new endpoint rule should apply after Reconfigure, got %+v", r)
	}
}

func TestBlockHookFiresPerBlockIP(t *testing.T) {
	l := New(100, 60, nil)
	calls := 0
	l.SetBlockHook(func() { calls++ })

	now := time.Now()
	l.BlockIP("9.9.9.9", time.Minute, now)
	l.BlockIP("8.8.8.8", time.Minute, now)
	if calls != 2 {
		t.Errorf("block hook calls = %d, want 2", calls)
	}
}
