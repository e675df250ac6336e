package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Rate limiter defaults
const (
	DefaultRateLimitMaxEntries  = 10000
	DefaultRateLimitIdleTimeout = 30 * time.Minute
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Rate is the sustained number of requests per second per key.
	Rate float64
	// Burst is the bucket size. Zero means Rate rounded up.
	Burst int
	// MaxEntries bounds the tracked keys; the least recently used key is
	// evicted beyond it. Default: DefaultRateLimitMaxEntries
	MaxEntries int
	// IdleTimeout drops keys without requests. Default: DefaultRateLimitIdleTimeout
	IdleTimeout time.Duration

	Clock  clock.WithTicker
	Logger *slog.Logger
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per key, typically the client IP.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu        sync.Mutex
	buckets   map[string]*list.Element
	lru       *list.List
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimiterStats is a point-in-time view of a RateLimiter.
type RateLimiterStats struct {
	Entries   int
	Evictions int64
}

// NewRateLimiter creates a limiter and starts its idle sweep. Call Stop when
// done.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.Rate+0.999))
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop(cfg.Clock.NewTicker(cfg.IdleTimeout / 6))
	return l
}

// Allow reports whether a request for key may proceed and consumes a token
// if so.
func (l *RateLimiter) Allow(key string) bool {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if len(l.buckets) >= l.cfg.MaxEntries {
		l.evictOldest()
	}
	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst),
		lastSeen: now,
	}
	l.buckets[key] = l.lru.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used bucket. Callers hold mu.
func (l *RateLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	b := l.lru.Remove(elem).(*bucket)
	delete(l.buckets, b.key)
	l.evictions++
	l.cfg.Logger.Debug("Rate limiter evicted key", "entries", len(l.buckets), "evictions", l.evictions)
}

// Sweep drops buckets idle for longer than IdleTimeout.
func (l *RateLimiter) Sweep() int {
	cutoff := l.cfg.Clock.Now().Add(-l.cfg.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	// The list is ordered by last use, so the idle buckets are at the back.
	for elem := l.lru.Back(); elem != nil; elem = l.lru.Back() {
		b := elem.Value.(*bucket)
		if !b.lastSeen.Before(cutoff) {
			break
		}
		l.lru.Remove(elem)
		delete(l.buckets, b.key)
		removed++
	}
	if removed > 0 {
		l.cfg.Logger.Debug("Rate limiter sweep", "removed", removed, "entries", len(l.buckets))
	}
	return removed
}

func (l *RateLimiter) sweepLoop(ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Stats returns the current entry and eviction counts.
func (l *RateLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RateLimiterStats{Entries: len(l.buckets), Evictions: l.evictions}
}

// Stop ends the idle sweep. It is safe to call more than once.
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
