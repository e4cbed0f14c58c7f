package provider

import (
	"sync"
	"time"

	"claude-bridge/types"
)

// breakerConfig controls how many consecutive upstream failures this
// provider tolerates before Adapter stops issuing calls to it for a
// backoff window, and how that window grows with repeated failures.
type breakerConfig struct {
	FailureThreshold   int
	BackoffDuration    time.Duration
	MaxBackoffDuration time.Duration
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		FailureThreshold:   2,
		BackoffDuration:    30 * time.Second,
		MaxBackoffDuration: 5 * time.Minute,
	}
}

// breaker is a per-provider circuit breaker complementing the Rate
// Coordinator's reactive 429 cooldown: where the coordinator reacts to a
// rate-limit signal, the breaker reacts to repeated outright failures
// (network errors, 5xx) by refusing to hammer a provider that is down,
// backing off exponentially and self-healing once the window elapses.
type breaker struct {
	cfg breakerConfig

	mu            sync.Mutex
	failures      int
	open          bool
	nextRetryTime time.Time

	now func() time.Time
}

func newBreaker(cfg breakerConfig) *breaker {
	return &breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. An open circuit past its
// retry time is treated as half-open: the next call is allowed through as
// a probe, and its outcome (RecordSuccess/RecordFailure) decides whether
// the circuit closes or re-opens with a longer backoff.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	return !b.now().Before(b.nextRetryTime)
}

// RecordFailure counts one failed call and opens (or re-opens with a
// longer backoff) the circuit once FailureThreshold is reached.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures < b.cfg.FailureThreshold {
		return
	}
	over := b.failures - b.cfg.FailureThreshold + 1
	backoff := b.cfg.BackoffDuration
	for i := 1; i < over && backoff < b.cfg.MaxBackoffDuration; i++ {
		backoff *= 2
	}
	if backoff > b.cfg.MaxBackoffDuration {
		backoff = b.cfg.MaxBackoffDuration
	}
	b.open = true
	b.nextRetryTime = b.now().Add(backoff)
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.nextRetryTime = time.Time{}
}

// errOpen is the ProviderError an Adapter surfaces when the breaker
// refuses a call outright, without ever reaching the network.
func (a *Adapter) errOpen() *types.ProviderError {
	return types.NewProviderError(types.KindOverloaded, "circuit open: provider "+a.name+" is in backoff after repeated failures", 0, nil)
}
