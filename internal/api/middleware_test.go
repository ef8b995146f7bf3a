package api

import (
	"testing"
	"time"
)

func TestRateLimiterDropsIdleCallers(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newRateLimiter(1, 1)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	first := l.get("patient:a")
	l.get("patient:b")
	if n := len(l.visitors); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}

	now = now.Add(limiterIdleTTL / 2)
	if l.get("patient:a") != first {
		t.Fatal("active caller should keep its bucket")
	}

	now = now.Add(limiterIdleTTL / 2)
	l.get("patient:c")
	if n := len(l.visitors); n != 2 {
		t.Fatalf("size after sweep = %d, want 2 (a and c)", n)
	}
	if l.get("patient:a") != first {
		t.Fatal("caller seen within the idle window was swept")
	}

	// b was dropped, so it starts with a fresh bucket.
	b := l.get("patient:b")
	if !b.Allow() {
		t.Fatal("fresh bucket should allow a request")
	}
}
