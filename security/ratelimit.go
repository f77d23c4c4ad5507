package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultMaxEntries bounds the number of tracked identifiers so an attacker
// cycling source addresses cannot grow the map without limit.
const defaultMaxEntries = 10000

// limiterEntry pairs a token bucket with its last access time.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (IP, client id) token-bucket rate
// limiting with periodic cleanup of idle entries.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	rps        rate.Limit
	burst      int
	maxEntries int

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// requests with the given burst per identifier. A background goroutine
// drops entries idle for more than 30 minutes; call Stop to end it.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		entries:         make(map[string]*limiterEntry),
		rps:             rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      defaultMaxEntries,
		cleanupInterval: 5 * time.Minute,
		maxIdle:         30 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the given identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[identifier]
	if !ok {
		if len(rl.entries) >= rl.maxEntries {
			rl.evictOldestLocked()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.entries[identifier] = entry
	}

	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// evictOldestLocked drops the least recently used entry. Linear scan is
// acceptable: eviction only happens at the maxEntries ceiling.
func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestSeen time.Time
	)
	for key, entry := range rl.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.maxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range rl.entries {
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.entries, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
