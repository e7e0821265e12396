package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 {
		t.Errorf("rate = %d, want 10", rl.rate)
	}
	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}
	if rl.maxEntries != defaultMaxTrackedIdentifiers {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, defaultMaxTrackedIdentifiers)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	identifier := "test-identifier"

	// Requests up to burst are allowed
	for i := 0; i < 5; i++ {
		if !rl.Allow(identifier) {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	if rl.Allow(identifier) {
		t.Error("Allow() should return false when rate limited")
	}
}

func TestRateLimiter_Allow_MultipleIdentifiers(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	// Exhaust limit for id1
	for i := 0; i < 2; i++ {
		if !rl.Allow("identifier-1") {
			t.Errorf("Allow(id1) request %d should be allowed", i+1)
		}
	}
	if rl.Allow("identifier-1") {
		t.Error("Allow(id1) should return false when rate limited")
	}

	// A different identifier has its own bucket
	if !rl.Allow("identifier-2") {
		t.Error("Allow(id2) should be allowed (different identifier)")
	}
}

func TestRateLimiter_Allow_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, slog.Default())
	defer rl.Stop()

	identifier := "test-identifier"

	for i := 0; i < 2; i++ {
		if !rl.Allow(identifier) {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow(identifier) {
		t.Error("Allow() should return false when rate limited")
	}

	// 2 req/s refills one token in 500ms
	time.Sleep(550 * time.Millisecond)

	if !rl.Allow(identifier) {
		t.Error("Allow() should be allowed after token refill")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 20, 3, slog.Default())
	defer rl.Stop()

	rl.Allow("id-1")
	rl.Allow("id-2")
	rl.Allow("id-3")

	// id-1 is now the least recently used; a fourth identifier evicts it
	rl.Allow("id-4")

	rl.mu.RLock()
	_, has1 := rl.buckets["id-1"]
	_, has4 := rl.buckets["id-4"]
	count := len(rl.buckets)
	rl.mu.RUnlock()

	if has1 {
		t.Error("id-1 should have been evicted")
	}
	if !has4 {
		t.Error("id-4 should be tracked")
	}
	if count != 3 {
		t.Errorf("bucket count = %d, want 3", count)
	}

	stats := rl.GetStats()
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())
	defer rl.Stop()

	rl.Allow("id-1")
	rl.Allow("id-2")
	rl.Allow("id-3")

	rl.mu.Lock()
	for _, elem := range rl.buckets {
		elem.Value.(*bucket).lastAccess = time.Now().Add(-1 * time.Hour)
	}
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	finalCount := len(rl.buckets)
	rl.mu.RUnlock()

	if finalCount != 0 {
		t.Errorf("final bucket count = %d, want 0", finalCount)
	}
}

func TestRateLimiter_Cleanup_KeepsActive(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())
	defer rl.Stop()

	rl.Allow("id-1")
	rl.Allow("id-2")

	rl.mu.Lock()
	if elem, ok := rl.buckets["id-1"]; ok {
		elem.Value.(*bucket).lastAccess = time.Now().Add(-1 * time.Hour)
	}
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	finalCount := len(rl.buckets)
	_, hasActive := rl.buckets["id-2"]
	rl.mu.RUnlock()

	if finalCount != 1 {
		t.Errorf("final bucket count = %d, want 1", finalCount)
	}
	if !hasActive {
		t.Error("active bucket should not be cleaned up")
	}
}

func TestRateLimiter_GetStats(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 20, 10, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 5 {
		t.Errorf("CurrentEntries = %d, want 5", stats.CurrentEntries)
	}
	if stats.MaxEntries != 10 {
		t.Errorf("MaxEntries = %d, want 10", stats.MaxEntries)
	}
	if stats.MemoryPressure != 50.0 {
		t.Errorf("MemoryPressure = %v, want 50.0", stats.MemoryPressure)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 100, slog.Default())
	defer rl.Stop()

	const numGoroutines = 10
	done := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			identifier := fmt.Sprintf("identifier-%d", id)
			for j := 0; j < 10; j++ {
				rl.Allow(identifier)
			}
			done <- true
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	// Passes if the race detector stays quiet
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())

	// Stop should not panic
	rl.Stop()
}
