package questrade

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateGate bounds two independent resources across every caller in the
// process: at most maxConcurrent calls in flight, and at most maxPerSecond
// calls started within any rolling one-second window. Over-budget calls wait
// in arrival order rather than being rejected. State is process-local and not
// fair across persons; the gate is one shared bucket.
type RateGate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// NewRateGate creates a gate allowing maxPerSecond call starts per second
// (with a burst of one full second's budget) and maxConcurrent in-flight calls.
func NewRateGate(maxPerSecond, maxConcurrent int) *RateGate {
	return &RateGate{
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), maxPerSecond),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until both a concurrency slot and per-second budget are
// available, or the caller's context is done. On success it returns an
// idempotent release function that must be called when the upstream call
// finishes. A context cancellation while queued leaves the shared counters
// intact: the reserved slot is handed back before the error returns.
func (g *RateGate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		<-g.slots
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-g.slots })
	}, nil
}

// InFlight reports the number of currently held concurrency slots.
func (g *RateGate) InFlight() int {
	return len(g.slots)
}
