package security

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxLimiterEntries bounds the number of identifiers tracked at once.
const DefaultMaxLimiterEntries = 10000

// KeyFunc derives the rate limit identifier for a request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by client IP, honouring proxy headers only when trustProxy is set.
func ClientIPKey(trustProxy bool, trustedProxyCount int) KeyFunc {
	return func(r *http.Request) string {
		return GetClientIP(r, trustProxy, trustedProxyCount)
	}
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-identifier token bucket limiter. Identifiers are kept in
// LRU order so the table never grows beyond maxEntries.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	maxIdle    time.Duration
	logger     *slog.Logger
	onLimited  func(r *http.Request, key string)

	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
	rejected  int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom identifier cap.
// maxEntries of 0 means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries for rate limiter, using default", "max_entries", maxEntries)
		maxEntries = DefaultMaxLimiterEntries
	}
	if burst <= 0 {
		burst = 1
	}

	rl := &RateLimiter{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(requestsPerSecond),
		burst:       burst,
		maxEntries:  maxEntries,
		maxIdle:     30 * time.Minute,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

// OnLimited registers a callback invoked each time Middleware rejects a request.
func (rl *RateLimiter) OnLimited(fn func(r *http.Request, key string)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.onLimited = fn
}

// Allow reports whether a request for key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return rl.decide(entry)
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return rl.decide(entry)
}

func (rl *RateLimiter) decide(entry *limiterEntry) bool {
	if entry.limiter.Allow() {
		return true
	}
	rl.rejected++
	return false
}

// must be called with rl.mu held
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted identifier",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

// Middleware rejects requests over budget with 429 and an OAuth-shaped error body.
func (rl *RateLimiter) Middleware(key KeyFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := key(r)
		if rl.Allow(id) {
			next.ServeHTTP(w, r)
			return
		}

		rl.mu.Lock()
		onLimited := rl.onLimited
		rl.mu.Unlock()
		if onLimited != nil {
			onLimited(r, id)
		}

		retryAfter := 1
		if rl.limit > 0 && rl.limit < 1 {
			retryAfter = int(math.Ceil(1 / float64(rl.limit)))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "rate_limit_exceeded",
			"error_description": "Too many requests",
		})
	})
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// Cleanup drops identifiers idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	// Oldest entries sit at the back, so walk from there and stop at the first fresh one.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop ends the background cleanup. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats is a snapshot of limiter state.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalRejected  int64
}

// GetStats returns current limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.evictions,
		TotalRejected:  rl.rejected,
	}
}
