package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxTrackedIdentifiers = 10000
	limiterCleanupInterval       = 5 * time.Minute
	limiterIdleTimeout           = 30 * time.Minute
)

// bucket pairs a token-bucket limiter with its LRU bookkeeping.
type bucket struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket. The tracked identifier
// set is bounded: at capacity the least recently seen identifier is evicted,
// and a background loop drops buckets idle past limiterIdleTimeout.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*list.Element
	byAge   *list.List // front = most recently used

	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger
	done       chan struct{}

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter builds a limiter allowing requestsPerSecond with the given
// burst, tracking at most 10,000 identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxTrackedIdentifiers, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit identifier cap.
// maxEntries of 0 disables the cap; negative values fall back to the default.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxTrackedIdentifiers
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		byAge:      list.New(),
		rate:       requestsPerSecond,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from identifier fits its bucket right now.
// Unknown identifiers get a fresh bucket, evicting the oldest one at capacity.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.byAge.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastAccess = now
		return b.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.buckets) >= rl.maxEntries {
		rl.evictOldest()
	}

	b := &bucket{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.buckets[identifier] = rl.byAge.PushFront(b)
	return b.limiter.Allow()
}

// evictOldest drops the least recently seen bucket. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.byAge.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(rl.buckets, b.identifier)
	rl.byAge.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", b.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.buckets))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		case <-rl.done:
			return
		}
	}
}

// Cleanup drops every bucket that has been idle longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.byAge.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*bucket)
		if now.Sub(b.lastAccess) > maxIdleTime {
			delete(rl.buckets, b.identifier)
			rl.byAge.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.buckets),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the background cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Stats is a point-in-time snapshot of limiter occupancy for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int // 0 means unbounded
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percent of MaxEntries in use
}

// GetStats snapshots the limiter state. Sustained MemoryPressure near 100
// suggests either raising MaxEntries or an ongoing distributed scrape.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.buckets),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
