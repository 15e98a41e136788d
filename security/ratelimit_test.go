package security

import (
	"fmt"
	"log/slog"
	"testing"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	identifier := "client-1"

	for i := 0; i < 5; i++ {
		if !rl.Allow(identifier) {
			t.Errorf("Allow() request %d should be allowed within burst", i+1)
		}
	}

	if rl.Allow(identifier) {
		t.Error("Allow() should deny once the burst is exhausted")
	}
}

func TestRateLimiterSeparateIdentifiers(t *testing.T) {
	rl := NewRateLimiter(10, 2, nil)
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		if !rl.Allow("first") {
			t.Fatalf("Allow(first) request %d should be allowed", i+1)
		}
	}
	if rl.Allow("first") {
		t.Error("Allow(first) should be denied after its burst")
	}

	if !rl.Allow("second") {
		t.Error("Allow(second) should not be affected by first's usage")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithCapacity(10, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries > 3 {
		t.Errorf("tracked identifiers = %d, want at most 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions == 0 {
		t.Error("expected evictions once capacity was exceeded")
	}
}
