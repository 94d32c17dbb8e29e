package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour caps dynamic client registrations per IP.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window the cap applies to.
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often idle IPs are swept.
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries bounds the tracked IP set.
	DefaultMaxRegistrationEntries = 10000
)

// registrationHistory holds the registration timestamps seen from one IP
// inside the current window.
type registrationHistory struct {
	ip         string
	timestamps []time.Time
	lastAccess time.Time
}

// ClientRegistrationRateLimiter enforces a sliding-window cap on dynamic
// client registrations per IP. Registration is far more expensive than a
// token request (it creates durable state), so it gets its own limiter with
// a much lower ceiling than the request limiter.
type ClientRegistrationRateLimiter struct {
	mu      sync.RWMutex
	history map[string]*list.Element
	byAge   *list.List // front = most recently used

	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once

	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewClientRegistrationRateLimiter builds a limiter with the package
// defaults: 10 registrations per IP per hour, 10,000 tracked IPs.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig builds a limiter with explicit
// window parameters. Non-positive values fall back to the defaults.
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	return newClientRegistrationRateLimiterWithCleanupInterval(maxPerWindow, window, maxEntries, DefaultRegistrationCleanupInterval, logger)
}

func newClientRegistrationRateLimiterWithCleanupInterval(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
		logger.Warn("Invalid maxPerWindow, using default", "maxPerWindow", maxPerWindow)
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
		logger.Warn("Invalid window, using default", "window", window)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultRegistrationCleanupInterval
		logger.Warn("Invalid cleanupInterval, using default", "cleanupInterval", cleanupInterval)
	}

	rl := &ClientRegistrationRateLimiter{
		history:         make(map[string]*list.Element),
		byAge:           list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		done:            make(chan struct{}),
	}
	go rl.cleanupLoop()

	logger.Info("Client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_entries", maxEntries)
	return rl
}

// Allow records a registration attempt from ip and reports whether it fits
// inside the window. Timestamps that have slid out of the window are dropped
// before counting.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.history[ip]; ok {
		rl.byAge.MoveToFront(elem)
		h := elem.Value.(*registrationHistory)
		h.lastAccess = now

		// Drop timestamps that fell out of the window, in place
		kept := h.timestamps[:0]
		for _, ts := range h.timestamps {
			if ts.After(windowStart) {
				kept = append(kept, ts)
			}
		}
		h.timestamps = kept

		if len(h.timestamps) >= rl.maxPerWindow {
			rl.totalBlocked++
			rl.logger.Warn("Client registration rate limit exceeded",
				"ip", ip,
				"registrations_in_window", len(h.timestamps),
				"max_per_window", rl.maxPerWindow,
				"window", rl.window,
				"total_blocked", rl.totalBlocked)
			return false
		}

		h.timestamps = append(h.timestamps, now)
		rl.totalAllowed++
		return true
	}

	if rl.maxEntries > 0 && len(rl.history) >= rl.maxEntries {
		rl.evictOldest()
	}

	h := &registrationHistory{
		ip:         ip,
		timestamps: []time.Time{now},
		lastAccess: now,
	}
	rl.history[ip] = rl.byAge.PushFront(h)
	rl.totalAllowed++

	rl.logger.Debug("New IP tracked for client registration rate limiting",
		"ip", ip,
		"total_tracked_ips", len(rl.history))
	return true
}

// evictOldest drops the least recently seen IP. Caller holds the lock.
func (rl *ClientRegistrationRateLimiter) evictOldest() {
	elem := rl.byAge.Back()
	if elem == nil {
		return
	}
	h := elem.Value.(*registrationHistory)
	delete(rl.history, h.ip)
	rl.byAge.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Client registration rate limiter LRU eviction",
		"ip", h.ip,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.history))
}

func (rl *ClientRegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.done:
			return
		}
	}
}

// Cleanup drops IPs whose last attempt is more than two windows old; anything
// older cannot influence a current Allow decision.
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdle := rl.window * 2
	removed := 0

	var next *list.Element
	for elem := rl.byAge.Front(); elem != nil; elem = next {
		next = elem.Next()
		h := elem.Value.(*registrationHistory)
		if now.Sub(h.lastAccess) > maxIdle {
			delete(rl.history, h.ip)
			rl.byAge.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Client registration rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.history),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
		rl.logger.Debug("Client registration rate limiter stopped")
	})
}

// RegistrationStats is a point-in-time snapshot for monitoring.
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int // 0 means unbounded
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxPerWindow   int
	Window         string
	MemoryPressure float64 // percent of MaxEntries in use
}

// GetStats snapshots the limiter state.
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := RegistrationStats{
		CurrentEntries: len(rl.history),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
