package auth

import (
	"sync"
	"time"
)

// LoginRateLimiter limits login attempts per client IP.
// Expired entries are swept lazily on Allow, at most once per window.
type LoginRateLimiter struct {
	mu        sync.Mutex
	attempts  map[string]*ipAttempts
	lastSweep time.Time
	now       func() time.Time

	maxAttempts int
	window      time.Duration
	blockTime   time.Duration
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blockEnd  time.Time
}

func (a *ipAttempts) blocked(now time.Time) bool {
	return !a.blockEnd.IsZero() && now.Before(a.blockEnd)
}

// NewLoginRateLimiter allows 5 attempts per 2 minutes, then blocks for 5 minutes
func NewLoginRateLimiter() *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		now:         time.Now,
		maxAttempts: 5,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
	}
}

// Allow counts an attempt from ip.
// Returns (allowed, seconds until unblock).
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	att, exists := rl.attempts[ip]
	if !exists || rl.expired(att, now) {
		rl.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	if att.blocked(now) {
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	att.count++
	if att.count > rl.maxAttempts {
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}
	return true, 0
}

// Reset clears the counter for ip after a successful login
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

func (rl *LoginRateLimiter) expired(att *ipAttempts, now time.Time) bool {
	if !att.blockEnd.IsZero() {
		return !now.Before(att.blockEnd)
	}
	return now.Sub(att.firstTime) > rl.window
}

func (rl *LoginRateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for ip, att := range rl.attempts {
		if rl.expired(att, now) {
			delete(rl.attempts, ip)
		}
	}
}

func (rl *LoginRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}
