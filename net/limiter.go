package net

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// acceptLimiter is a token bucket in front of slot allocation. It protects
// the handshake stage from connection floods; connections over the rate are
// closed without a slot.
type acceptLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	l := &acceptLimiter{}
	l.Reload(perSecond, burst)
	return l
}

// Allow consumes a token if one is available. It never blocks.
func (l *acceptLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload swaps in a new rate. A rate of 0 disables limiting.
func (l *acceptLimiter) Reload(perSecond float64, burst int) {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.limiter.Store(rate.NewLimiter(limit, burst))
}
