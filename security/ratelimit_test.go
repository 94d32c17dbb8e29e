package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 || rl.burst != 20 {
		t.Errorf("rate/burst = %d/%d, want 10/20", rl.rate, rl.burst)
	}
	if rl.maxEntries != defaultMaxTrackedIdentifiers {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, defaultMaxTrackedIdentifiers)
	}
	if rl.logger == nil {
		t.Error("nil logger should fall back to slog.Default")
	}
}

func TestRateLimiter_BurstThenLimited(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst was limited", i+1)
		}
	}
	if rl.Allow("203.0.113.7") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiter_PerIdentifierBuckets(t *testing.T) {
	rl := NewRateLimiter(10, 2, nil)
	defer rl.Stop()

	rl.Allow("first")
	rl.Allow("first")
	if rl.Allow("first") {
		t.Error("exhausted identifier was allowed")
	}
	if !rl.Allow("second") {
		t.Error("fresh identifier was limited by another identifier's bucket")
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, nil)
	defer rl.Stop()

	rl.Allow("refill")
	rl.Allow("refill")
	if rl.Allow("refill") {
		t.Fatal("burst not exhausted as expected")
	}

	// 2 req/s refills one token in 500ms
	time.Sleep(550 * time.Millisecond)
	if !rl.Allow("refill") {
		t.Error("no token after refill interval")
	}
}

func TestRateLimiter_EvictsOldestAtCapacity(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")
	rl.Allow("a") // refresh "a" so "b" is now the oldest
	rl.Allow("d") // over capacity, evicts "b"

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if len(rl.buckets) != 3 {
		t.Fatalf("tracked identifiers = %d, want 3", len(rl.buckets))
	}
	if _, ok := rl.buckets["b"]; ok {
		t.Error("oldest identifier survived eviction")
	}
	for _, id := range []string{"a", "c", "d"} {
		if _, ok := rl.buckets[id]; !ok {
			t.Errorf("identifier %q missing after eviction", id)
		}
	}
	if rl.totalEvictions != 1 {
		t.Errorf("totalEvictions = %d, want 1", rl.totalEvictions)
	}
}

func TestRateLimiter_CleanupDropsOnlyIdle(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	rl.Allow("idle")
	rl.Allow("active")

	rl.mu.Lock()
	rl.buckets["idle"].Value.(*bucket).lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if _, ok := rl.buckets["idle"]; ok {
		t.Error("idle bucket survived cleanup")
	}
	if _, ok := rl.buckets["active"]; !ok {
		t.Error("active bucket was cleaned up")
	}
	if rl.byAge.Len() != 1 {
		t.Errorf("LRU list length = %d, want 1", rl.byAge.Len())
	}
}

func TestRateLimiter_GetStats(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 4, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.MaxEntries != 4 {
		t.Errorf("MaxEntries = %d, want 4", stats.MaxEntries)
	}
	if stats.MemoryPressure != 50.0 {
		t.Errorf("MemoryPressure = %.1f, want 50.0", stats.MemoryPressure)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 100, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			identifier := fmt.Sprintf("identifier-%d", id)
			for j := 0; j < 10; j++ {
				rl.Allow(identifier)
			}
		}(i)
	}
	wg.Wait()
}
