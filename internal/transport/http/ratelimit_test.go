package http

import "testing"

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("frame %d within burst was refused", i)
		}
	}
	if rl.allow() {
		t.Fatalf("frame beyond burst was allowed")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.allow() {
			t.Fatalf("disabled limiter refused frame %d", i)
		}
	}
	var nilLimiter *rateLimiter
	if !nilLimiter.allow() {
		t.Fatalf("nil limiter must allow")
	}
}
