package channel

import (
	"sync"
	"time"
)

// BreakerConfig configures the per-channel consecutive-failure breaker.
// Trip < 0 disables it.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// breaker opens after Trip consecutive provider failures for an
// exponentially growing cooldown. Recipient errors do not count; they say
// nothing about provider health.
type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults()}
}

func (b *breaker) apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// open reports whether calls must be short-circuited at now.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Trip < 0 {
		return false, time.Time{}
	}
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, kind ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Trip < 0 {
		return
	}
	b.maybeResetLocked(now)

	if kind != KindProviderUnavailable {
		if kind == KindNone {
			b.fails = 0
			b.openUntil = time.Time{}
			b.lastFailure = time.Time{}
		}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.Trip {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.Trip && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}

func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
