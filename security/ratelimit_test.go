package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Clock = clk
	l := NewRateLimiter(cfg)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestRateLimiter_Burst(t *testing.T) {
	l, clk := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 3})

	for i := range 3 {
		assert.True(t, l.Allow("192.0.2.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("192.0.2.1"))
	assert.True(t, l.Allow("192.0.2.2"), "keys have separate buckets")

	clk.Step(time.Second)
	assert.True(t, l.Allow("192.0.2.1"), "one token refilled")
	assert.False(t, l.Allow("192.0.2.1"))
}

func TestRateLimiter_DefaultBurst(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimiterConfig{Rate: 2.5})

	allowed := 0
	for range 10 {
		if l.Allow("k") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: 2})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"), "touches a")
	assert.True(t, l.Allow("c"), "evicts b")

	stats := l.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)

	assert.False(t, l.Allow("a"), "a kept its exhausted bucket")
	assert.True(t, l.Allow("b"), "b starts over")
}

func TestRateLimiter_Sweep(t *testing.T) {
	l, clk := newTestLimiter(t, RateLimiterConfig{Rate: 1, IdleTimeout: time.Minute})

	for i := range 5 {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	clk.Step(30 * time.Second)
	l.Allow("10.0.0.0")

	// The background sweep may run first when the clock steps.
	clk.Step(45 * time.Second)
	l.Sweep()
	assert.Equal(t, 1, l.Stats().Entries)
	assert.Zero(t, l.Sweep())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{Rate: 1})
	l.Stop()
	l.Stop()
}
