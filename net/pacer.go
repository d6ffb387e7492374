package net

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultTickRate is the classic 35 Hz game tic.
const DefaultTickRate = 35

// TickPacer paces the caller's polling loop at a fixed rate.
type TickPacer struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewTickPacer paces at hz ticks per second. Non-positive rates use
// DefaultTickRate.
func NewTickPacer(hz int) *TickPacer {
	p := &TickPacer{}
	p.Reload(hz)
	return p
}

// Take blocks until the next tick is due.
func (p *TickPacer) Take() time.Time {
	return (*p.limiter.Load()).Take()
}

// Reload changes the rate. Non-positive rates fall back to DefaultTickRate.
func (p *TickPacer) Reload(hz int) {
	if hz <= 0 {
		hz = DefaultTickRate
	}
	limiter := ratelimit.New(hz, ratelimit.WithoutSlack)
	p.limiter.Store(&limiter)
}

// Run calls tick once per period until ctx is done.
func (p *TickPacer) Run(ctx context.Context, tick func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.Take()
		tick()
	}
}
