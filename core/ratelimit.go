package core

import (
	"sync"
	"time"
)

// bucket is a fixed-window counter, one per plane per connection.
type bucket struct {
	windowStart time.Time
	count       int
}

// RateLimiter enforces independent per-connection limits on control-plane
// and data-plane frames. Excess triggers a soft throttle before the caller
// decides to hard-close.
type RateLimiter struct {
	mu          sync.Mutex
	control     bucket
	data        bucket
	controlRate int
	dataRate    int
	window      time.Duration
	now         func() time.Time
}

func NewRateLimiter(controlRate, dataRate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		controlRate: controlRate,
		dataRate:    dataRate,
		window:      window,
		now:         time.Now,
	}
}

// Allow consumes one token for the frame's plane. On refusal it returns the
// remaining window as the retry-after hint.
func (rl *RateLimiter) Allow(kind FrameKind) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, rate := &rl.data, rl.dataRate
	if kind.ControlPlane() {
		b, rate = &rl.control, rl.controlRate
	}
	now := rl.now()
	if now.Sub(b.windowStart) >= rl.window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= rate {
		return false, rl.window - now.Sub(b.windowStart)
	}
	b.count++
	return true, 0
}
