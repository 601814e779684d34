package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escalator/internal/channel"
	"escalator/internal/dispatch"
	"escalator/internal/escalation"
	"escalator/internal/eventbus"
	"escalator/internal/tasks"
	logx "escalator/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Service owns the poll loop.
type Service struct {
	store    dispatch.Store
	tasks    tasks.Source
	channels channel.Dispatcher
	bus      eventbus.Bus
	metrics  Metrics
	log      logx.Logger
	now      func() time.Time

	mu     sync.Mutex
	cfg    Config
	plan   plan
	c      *cron.Cron
	entry  cron.EntryID
	runCtx context.Context
	last   Report
	lastOK time.Time
}

// plan is the immutable per-cycle view of Config.
type plan struct {
	cfg    Config
	scorer escalation.Scorer
	policy escalation.Policy
}

func newPlan(cfg Config) plan {
	return plan{
		cfg:    cfg,
		scorer: escalation.NewScorer(cfg.Score),
		policy: escalation.NewPolicy(cfg.Windows),
	}
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces time.Now for the cron-driven loop.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store dispatch.Store, src tasks.Source, channels channel.Dispatcher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		store:    store,
		tasks:    src,
		channels: channels,
		metrics:  nopMetrics{},
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		cfg:      cfg,
		plan:     newPlan(cfg),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config. Policy and scorer changes apply to the next cycle;
// a changed poll trigger re-registers the cron job.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	trig, err := ParseTrigger(cfg.Poll)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldPoll := s.cfg.Poll
	s.cfg = cfg
	s.plan = newPlan(cfg)
	if s.c != nil && oldPoll != cfg.Poll {
		s.c.Remove(s.entry)
		id, err := s.c.AddJob(trig.Spec, s.job())
		if err != nil {
			return fmt.Errorf("schedule poll: %w", err)
		}
		s.entry = id
		s.log.Info("poll trigger changed", logx.String("from", oldPoll), logx.String("to", cfg.Poll))
	}
	return nil
}

// Config returns the effective config, defaults applied.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) currentPlan() plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Recover runs one cycle before the loop starts. An unavailable store is
// returned so startup can fail fast.
func (s *Service) Recover(ctx context.Context, now time.Time) (Report, error) {
	rep, err := s.PollOnce(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("recovery poll: %w", err)
	}
	s.log.Info("recovery poll done",
		logx.Int("in_flight", rep.InFlight),
		logx.Int("stale", rep.Stale),
		logx.Int("sent", rep.Sent),
		logx.Int("escalated", rep.Escalated),
	)
	return rep, nil
}

// Start registers the poll job and starts cron. Cycles never overlap within
// one process. Start is a no-op if already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	trig, err := ParseTrigger(s.cfg.Poll)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.runCtx = ctx
	s.entry, err = c.AddJob(trig.Spec, s.job())
	if err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	s.c = c
	c.Start()
	s.log.Info("service started", logx.String("poll", trig.Spec))
	return nil
}

// Stop stops triggering and waits for a running cycle, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for poll cycle")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// job must be called with mu held.
func (s *Service) job() cron.Job {
	ctx := s.runCtx
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.PollOnce(ctx, s.now()); err != nil {
			s.log.Warn("poll cycle failed", logx.Err(err))
		}
	})
}

// LastPoll returns the last cycle report and the time of the last cycle that
// finished without error. Used by /healthz.
func (s *Service) LastPoll() (Report, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastOK
}

func (s *Service) record(rep Report) {
	s.mu.Lock()
	s.last = rep
	if rep.Error == "" {
		s.lastOK = rep.At
	}
	s.mu.Unlock()
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
