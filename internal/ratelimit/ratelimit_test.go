package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestGeneralWindow(t *testing.T) {
	l, clock := newTestLimiter(Config{GeneralLimit: 3, GeneralWindow: time.Minute})

	for i := 0; i < 3; i++ {
		d := l.Allow("1.2.3.4")
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Allow("1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.RetryAfter > 0)

	// Another IP is unaffected.
	assert.True(t, l.Allow("5.6.7.8").Allowed)

	// Lazy reset after the window passes.
	clock.advance(61 * time.Second)
	assert.True(t, l.Allow("1.2.3.4").Allowed)
}

func TestLoginExhaustionBlocks(t *testing.T) {
	l, clock := newTestLimiter(Config{LoginLimit: 2, LoginWindow: 5 * time.Minute, BlockDuration: 15 * time.Minute})

	assert.True(t, l.AllowLogin("9.9.9.9").Allowed)
	assert.True(t, l.AllowLogin("9.9.9.9").Allowed)

	d := l.AllowLogin("9.9.9.9")
	assert.False(t, d.Allowed)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	// The block list short-circuits ALL traffic from the IP.
	assert.True(t, l.Blocked("9.9.9.9"))
	assert.False(t, l.Allow("9.9.9.9").Allowed)

	// Block expires.
	clock.advance(15*time.Minute + time.Second)
	assert.False(t, l.Blocked("9.9.9.9"))
	assert.True(t, l.Allow("9.9.9.9").Allowed)
}

func TestClear(t *testing.T) {
	l, _ := newTestLimiter(Config{LoginLimit: 1})

	assert.True(t, l.AllowLogin("9.9.9.9").Allowed)
	assert.False(t, l.AllowLogin("9.9.9.9").Allowed)
	assert.True(t, l.Blocked("9.9.9.9"))

	l.Clear("9.9.9.9")
	assert.False(t, l.Blocked("9.9.9.9"))
	assert.True(t, l.AllowLogin("9.9.9.9").Allowed)
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	l, clock := newTestLimiter(Config{EntryMaxAge: time.Hour})

	l.Allow("1.1.1.1")
	l.AllowLogin("2.2.2.2")

	clock.advance(30 * time.Minute)
	l.Allow("3.3.3.3") // fresh

	clock.advance(31 * time.Minute) // first two now older than 1h
	removed := l.Sweep()
	assert.Equal(t, 2, removed)

	// Fresh entry survived.
	l.mu.Lock()
	_, ok := l.general["3.3.3.3"]
	l.mu.Unlock()
	assert.True(t, ok)
}

func TestKeyedLimiter(t *testing.T) {
	// 2 events per second, burst 2.
	k := NewKeyed(2, time.Second, 2)

	assert.True(t, k.Allow("user:1"))
	assert.True(t, k.Allow("user:1"))
	assert.False(t, k.Allow("user:1"))

	// Independent key has its own bucket.
	assert.True(t, k.Allow("user:2"))
}

func TestKeyedLimiterSweep(t *testing.T) {
	k := NewKeyed(1, time.Second, 1)
	k.Allow("stale")
	k.limiters["stale"].lastSeen = time.Now().Add(-2 * time.Hour)

	k.Sweep(time.Hour)

	k.mu.Lock()
	_, ok := k.limiters["stale"]
	k.mu.Unlock()
	assert.False(t, ok)
}
