package transport

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter caps the fragments accepted per sender address in a fixed
// window, so one flooding sender cannot fill the input queue. Counts reset
// when the window rotates.
type RateLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	rejected atomic.Int64
}

// RateLimitConfig configures per-sender rate limiting.
type RateLimitConfig struct {
	MaxPerSender int           // Fragments per sender per window (0 = disabled)
	Window       time.Duration // Default 10s
}

// NewRateLimiter creates a rate limiter. Returns nil if disabled.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxPerSender <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	return &RateLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowStart:  time.Now(),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPerSender),
	}
}

// Allow reports whether another fragment from src fits in the current
// window. A nil limiter allows everything.
func (l *RateLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}
	counter, ok := l.current[src]
	if !ok {
		counter = &atomic.Int64{}
		l.current[src] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of rejected fragments.
func (l *RateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// ActiveSenders returns the number of distinct senders in the current window.
func (l *RateLimiter) ActiveSenders() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
