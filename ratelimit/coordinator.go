// Package ratelimit implements the gateway's Rate Coordinator: a proactive
// token bucket combined with a reactive cooldown triggered by upstream 429s.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Coordinator guards calls to a single upstream provider. Proactive
// throttling keeps the call rate under (capacity, window); a reactive
// cooldown blocks every caller for a fixed duration after an upstream 429,
// regardless of how much of the token bucket is still available.
//
// blocked_until only ever advances forward (SetBlocked never shortens an
// existing cooldown), and callers observe FIFO-ish progress under
// contention because both the reactive wait and the limiter's own queue
// serve waiters in arrival order.
type Coordinator struct {
	limiter *rate.Limiter

	mu           sync.Mutex
	blockedUntil time.Time

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New creates a Coordinator allowing capacity calls per window.
func New(capacity int, window time.Duration) *Coordinator {
	if capacity <= 0 {
		capacity = 1
	}
	r := rate.Every(window / time.Duration(capacity))
	return &Coordinator{
		limiter: rate.NewLimiter(r, capacity),
		now:     time.Now,
	}
}

// WaitIfBlocked waits out any active reactive cooldown, then acquires a
// slot from the proactive token bucket. It reports whether the call was
// reactively blocked. Callers must not hold any other lock across this
// call: both phases can suspend for real wall-clock time.
func (c *Coordinator) WaitIfBlocked(ctx context.Context) (waitedReactively bool, err error) {
	if d := c.remainingBlock(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			waitedReactively = true
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return waitedReactively, err
	}
	return waitedReactively, nil
}

func (c *Coordinator) remainingBlock() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedUntil.Sub(c.now())
}

// SetBlocked starts (or extends) a reactive cooldown of the given
// duration from now. blocked_until only ever moves forward: a call that
// would shorten the existing cooldown is ignored.
func (c *Coordinator) SetBlocked(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.now().Add(d)
	if candidate.After(c.blockedUntil) {
		c.blockedUntil = candidate
	}
}

// IsBlocked reports whether the coordinator is currently in a reactive
// cooldown.
func (c *Coordinator) IsBlocked() bool {
	return c.remainingBlock() > 0
}

// RemainingWait returns the remaining reactive cooldown duration, zero if
// not currently blocked.
func (c *Coordinator) RemainingWait() time.Duration {
	if d := c.remainingBlock(); d > 0 {
		return d
	}
	return 0
}

// Registry is a process-wide singleton of Coordinators keyed by provider
// name: one coordinator per configured upstream rather than a single
// global instance, since the gateway fronts more than one provider.
type Registry struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
	factory      func() *Coordinator
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide Registry singleton.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// ResetDefaultRegistry clears the process-wide singleton. Intended for
// tests that need a clean slate between cases.
func ResetDefaultRegistry() {
	defaultRegistryOnce = sync.Once{}
	defaultRegistry = nil
}

// NewRegistry creates an empty Registry. Coordinators are created lazily
// on first Get with the (capacity, window) passed to that call.
func NewRegistry() *Registry {
	return &Registry{coordinators: make(map[string]*Coordinator)}
}

// Get returns the Coordinator for provider, creating one with the given
// capacity/window if this is the first request for that provider.
// Subsequent calls ignore capacity/window and return the existing
// instance.
func (r *Registry) Get(provider string, capacity int, window time.Duration) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coordinators[provider]; ok {
		return c
	}
	c := New(capacity, window)
	r.coordinators[provider] = c
	return c
}
