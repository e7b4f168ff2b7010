package security

import (
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("203.0.113.7") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	if rl.Allow("203.0.113.7") {
		t.Error("Allow() should return false once the burst is spent")
	}
}

func TestRateLimiter_Allow_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(1, 2, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.Allow("a")
	}
	if rl.Allow("a") {
		t.Error("Allow(a) should be limited")
	}
	if !rl.Allow("b") {
		t.Error("Allow(b) should not be affected by a")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 2, slog.Default())
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c") // evicts a

	if got := rl.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	// a was evicted, so it starts with a fresh bucket
	if !rl.Allow("a") {
		t.Error("Allow(a) after eviction should be allowed")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, slog.Default())
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")

	rl.Cleanup(time.Hour)
	if got := rl.Len(); got != 2 {
		t.Errorf("Len() after Cleanup(1h) = %d, want 2", got)
	}

	time.Sleep(5 * time.Millisecond)
	rl.Cleanup(time.Millisecond)
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after Cleanup(1ms) = %d, want 0", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
