package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escalator/internal/escalation"
	logx "escalator/pkg/logx"

	"golang.org/x/time/rate"
)

// Limits bound one channel.
type Limits struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = 10 * time.Second
	}
	if l.RatePerSec <= 0 {
		l.RatePerSec = 5
	}
	if l.Burst <= 0 {
		l.Burst = max(1, int(l.RatePerSec))
	}
	return l
}

type Config struct {
	Push    Limits
	Message Limits
	Call    Limits
	Breaker BreakerConfig
}

func (c Config) limits(s escalation.Stage) Limits {
	switch s {
	case escalation.StagePush:
		return c.Push
	case escalation.StageMessage:
		return c.Message
	default:
		return c.Call
	}
}

type lane struct {
	d       Dispatcher
	limiter *rate.Limiter
	timeout time.Duration
	br      *breaker
}

// Set is the closed set of channels, selected by stage. Each lane wraps its
// dispatcher with a timeout, a token bucket and a breaker.
type Set struct {
	mu    sync.RWMutex
	lanes map[escalation.Stage]*lane
	log   logx.Logger
	now   func() time.Time
}

// Dispatchers maps each channel stage to its implementation. A nil entry
// makes that stage fail as invalid_recipient so escalation moves past it.
type Dispatchers struct {
	Push    Dispatcher
	Message Dispatcher
	Call    Dispatcher
}

func NewSet(cfg Config, ds Dispatchers, log logx.Logger) *Set {
	s := &Set{lanes: map[escalation.Stage]*lane{}, log: log, now: time.Now}
	for stage, d := range map[escalation.Stage]Dispatcher{
		escalation.StagePush:    ds.Push,
		escalation.StageMessage: ds.Message,
		escalation.StageCall:    ds.Call,
	} {
		if d == nil {
			continue
		}
		l := cfg.limits(stage).withDefaults()
		s.lanes[stage] = &lane{
			d:       d,
			limiter: rate.NewLimiter(rate.Limit(l.RatePerSec), l.Burst),
			timeout: l.Timeout,
			br:      newBreaker(cfg.Breaker),
		}
	}
	return s
}

// Apply updates limits, timeouts and breaker settings in place.
func (s *Set) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for stage, ln := range s.lanes {
		l := cfg.limits(stage).withDefaults()
		ln.limiter.SetLimit(rate.Limit(l.RatePerSec))
		ln.limiter.SetBurst(l.Burst)
		ln.timeout = l.Timeout
		ln.br.apply(cfg.Breaker)
	}
}

// Has reports whether stage has a dispatcher.
func (s *Set) Has(stage escalation.Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lanes[stage]
	return ok
}

// Send dispatches req on req.Stage.
func (s *Set) Send(ctx context.Context, req Request) Outcome {
	s.mu.RLock()
	ln, ok := s.lanes[req.Stage]
	var timeout time.Duration
	if ok {
		timeout = ln.timeout
	}
	s.mu.RUnlock()

	if !ok {
		return failed(NoRetry(fmt.Errorf("%w: %s", ErrUnknownStage, req.Stage)))
	}
	log := s.log.With(logx.String("comp", "channel."+req.Stage.String()), logx.String("dispatch_id", req.DispatchID))

	if open, until := ln.br.open(s.now()); open {
		log.Debug("breaker open, skipping provider", logx.Time("until", until))
		return failed(ErrBreakerOpen)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ln.limiter.Wait(cctx); err != nil {
		return failed(fmt.Errorf("%w: %v", ErrRateLimited, err))
	}

	start := s.now()
	out := ln.d.Send(cctx, req)
	if out.Accepted {
		out.Kind = KindNone
	} else if out.Err == nil {
		out = failed(fmt.Errorf("%s: provider returned no result", req.Stage))
	}
	if !out.Accepted && cctx.Err() != nil && out.Kind != KindInvalidRecipient {
		out.Kind = KindProviderUnavailable
	}
	ln.br.record(s.now(), out.Kind)

	if out.Accepted {
		log.Debug("send accepted", logx.String("provider_ref", out.ProviderRef), logx.Duration("took", s.now().Sub(start)))
	} else {
		log.Debug("send failed", logx.String("kind", string(out.Kind)), logx.Err(out.Err))
	}
	return out
}
