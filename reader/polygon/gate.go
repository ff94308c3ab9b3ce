package polygon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate serializes outbound calls and keeps consecutive calls at least one
// delay apart. The gap is measured from the end of the previous call, so a
// call is never started within delay of any instant the previous one was
// in flight. A single Gate is shared by every poller.
type Gate struct {
	slot    chan struct{}
	limiter *rate.Limiter
	delay   time.Duration

	mu       sync.Mutex
	lastCall time.Time
	lastDone time.Time
}

// NewGate returns a gate admitting one call per delay. A non-positive delay
// only serializes calls.
func NewGate(delay time.Duration) *Gate {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Gate{
		slot:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
		delay:   delay,
	}
}

// Do runs fn while holding the gate. Waiting for the slot, the limiter and
// the spacing delay all give up when ctx is done.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	// The limiter spaces scheduled starts only; a late wake-up of the
	// previous call would otherwise shorten this gap.
	g.mu.Lock()
	wait := g.delay - time.Since(g.lastDone)
	g.mu.Unlock()
	if g.delay > 0 && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	g.mu.Lock()
	g.lastCall = time.Now()
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.lastDone = time.Now()
		g.mu.Unlock()
	}()

	return fn(ctx)
}

// LastCall returns when the most recent call was admitted.
func (g *Gate) LastCall() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCall
}

// Delay returns the enforced gap between calls.
func (g *Gate) Delay() time.Duration { return g.delay }
