package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiters      = 10000
	defaultLimiterIdleAfter = 30 * time.Minute
	limiterSweepInterval    = 5 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps a token bucket per key. The number of tracked keys is bounded;
// the least recently used key is dropped when the bound is reached.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front is most recently used
	limit      rate.Limit
	burst      int
	maxEntries int
	evictions  int64

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst
// for each key, tracking at most 10,000 keys.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxLimiters, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom key bound.
// maxEntries of 0 means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxLimiters
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether one more request for key is allowed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldestLocked()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictOldestLocked() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, entry.key)
	rl.evictions++
	rl.logger.Debug("Rate limiter evicted least recently used key",
		"total_evictions", rl.evictions,
		"tracked_keys", len(rl.entries))
}

// Cleanup drops keys idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastAccess.After(cutoff) {
			break // everything nearer the front is more recent
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, entry.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed", "removed", removed, "remaining", len(rl.entries))
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultLimiterIdleAfter)
		case <-rl.stop:
			return
		}
	}
}

// Stop stops the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
