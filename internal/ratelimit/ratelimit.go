// Package ratelimit implements the per-IP request limiter, the stricter
// login limiter with its block list, and keyed per-endpoint buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the limiter. Zero values fall back to defaults.
type Config struct {
	GeneralLimit  int           // default 100
	GeneralWindow time.Duration // default 60s
	LoginLimit    int           // default 5
	LoginWindow   time.Duration // default 300s
	BlockDuration time.Duration // default 15m
	EntryMaxAge   time.Duration // sweeper eviction age, default 1h
}

func (c Config) withDefaults() Config {
	if c.GeneralLimit <= 0 {
		c.GeneralLimit = 100
	}
	if c.GeneralWindow <= 0 {
		c.GeneralWindow = 60 * time.Second
	}
	if c.LoginLimit <= 0 {
		c.LoginLimit = 5
	}
	if c.LoginWindow <= 0 {
		c.LoginWindow = 300 * time.Second
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 15 * time.Minute
	}
	if c.EntryMaxAge <= 0 {
		c.EntryMaxAge = time.Hour
	}
	return c
}

// window is one fixed counting window. Reset is lazy: the first access after
// expiry restarts it.
type window struct {
	count    int
	start    time.Time
	lastSeen time.Time
}

// Decision is the outcome of one limiter check, carrying what the HTTP layer
// needs for the X-RateLimit-* and Retry-After headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter holds the general and login windows plus the block list. All maps
// share one mutex; every operation is O(1).
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	general map[string]*window
	login   map[string]*window
	blocked map[string]time.Time

	now func() time.Time
}

// New builds a limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		general: make(map[string]*window),
		login:   make(map[string]*window),
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Allow checks the general bucket for an IP. A blocked IP short-circuits.
func (l *Limiter) Allow(ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, blocked := l.blockedDecision(ip, l.cfg.GeneralLimit); blocked {
		return d
	}
	return l.take(l.general, ip, l.cfg.GeneralLimit, l.cfg.GeneralWindow)
}

// AllowLogin checks the login bucket. Exhausting it places the IP on the
// block list, which then rejects all traffic from it.
func (l *Limiter) AllowLogin(ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, blocked := l.blockedDecision(ip, l.cfg.LoginLimit); blocked {
		return d
	}

	d := l.take(l.login, ip, l.cfg.LoginLimit, l.cfg.LoginWindow)
	if !d.Allowed {
		until := l.now().Add(l.cfg.BlockDuration)
		l.blocked[ip] = until
		d.Reset = until
		d.RetryAfter = l.cfg.BlockDuration
	}
	return d
}

// Blocked reports whether an IP is currently on the block list.
func (l *Limiter) Blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[ip]
	if !ok {
		return false
	}
	if l.now().After(until) {
		delete(l.blocked, ip)
		return false
	}
	return true
}

// Clear removes all state for one IP. Used by the CI-only reset endpoint.
func (l *Limiter) Clear(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.general, ip)
	delete(l.login, ip)
	delete(l.blocked, ip)
}

// Sweep evicts windows not touched within the configured age and expired
// block entries. Returns the number of entries removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for _, m := range []map[string]*window{l.general, l.login} {
		for ip, w := range m {
			if now.Sub(w.lastSeen) > l.cfg.EntryMaxAge {
				delete(m, ip)
				removed++
			}
		}
	}
	for ip, until := range l.blocked {
		if now.After(until) {
			delete(l.blocked, ip)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on an interval until the context ends.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// blockedDecision is called with the mutex held.
func (l *Limiter) blockedDecision(ip string, limit int) (Decision, bool) {
	until, ok := l.blocked[ip]
	if !ok {
		return Decision{}, false
	}
	now := l.now()
	if now.After(until) {
		delete(l.blocked, ip)
		return Decision{}, false
	}
	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		Reset:      until,
		RetryAfter: until.Sub(now),
	}, true
}

// take is called with the mutex held.
func (l *Limiter) take(m map[string]*window, ip string, limit int, span time.Duration) Decision {
	now := l.now()
	w, ok := m[ip]
	if !ok || now.Sub(w.start) >= span {
		w = &window{start: now}
		m[ip] = w
	}
	w.lastSeen = now

	reset := w.start.Add(span)
	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
		Reset:     reset,
	}
}

// KeyedLimiter provides per-endpoint token buckets keyed by a caller-chosen
// string (user id, server id). Built on x/time/rate.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	limit    rate.Limit
	burst    int
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed builds a keyed limiter allowing n events per window with the given
// burst.
func NewKeyed(n int, window time.Duration, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*keyedEntry),
		limit:    rate.Every(window / time.Duration(n)),
		burst:    burst,
	}
}

// Allow reports whether the key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()
	return e.limiter.Allow()
}

// Sweep evicts keys idle longer than maxAge.
func (k *KeyedLimiter) Sweep(maxAge time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}
