// Package app wires the escalator worker: config, logging, storage, task
// source, channels, scheduler, acknowledgement receiver and event bridge.
package app

import (
	"context"
	"fmt"
	"time"

	"escalator/internal/ack"
	"escalator/internal/channel"
	"escalator/internal/config"
	"escalator/internal/eventbus"
	"escalator/internal/metrics"
	"escalator/internal/runtime/supervisor"
	"escalator/internal/scheduler"
	"escalator/internal/storage"
	"escalator/internal/tasks"
	"escalator/internal/transport/telegram"
	logx "escalator/pkg/logx"
	"escalator/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.MemBus
	bridge  *eventbus.NATSBridge
	metrics *metrics.Metrics
	sd      *systemd.Notifier

	store storage.Store
	tasks tasks.Source

	bot      *telegram.Adapter
	channels *channel.Set
	sched    *scheduler.Service
	recv     *ack.Receiver
	server   *ack.Server
}

// New loads the config and builds every component. It opens the store and
// runs migrations but starts nothing.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateConfig(c) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// The Telegram sink gets its sender once the bot exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		root:    log,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      systemd.NewNotifier(),
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if err := a.build(ctx, cfg, log); err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	if cfg.Channels.Push.Token != "" {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		bot, err := telegram.New(tcfg, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
		a.logs.SetSender(bot)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.tasks, err = openTaskSource(ctx, cfg, a.store, log.With(logx.String("comp", "tasks")))
	if err != nil {
		return fmt.Errorf("task source: %w", err)
	}

	ds, err := a.dispatchers(cfg)
	if err != nil {
		return err
	}
	ccfg, err := mapChannelConfig(cfg)
	if err != nil {
		return err
	}
	a.channels = channel.NewSet(ccfg, ds, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.store, a.tasks, a.channels, log,
		scheduler.WithBus(a.bus),
		scheduler.WithMetrics(a.metrics),
	)

	a.recv = ack.NewReceiver(a.store, a.tasks, log, ack.WithBus(a.bus), ack.WithMetrics(a.metrics))
	if a.bot != nil {
		a.bot.SetAcknowledger(a.recv)
	}
	return nil
}

// dispatchers builds one dispatcher per configured channel. Unconfigured
// channels stay nil and fail as invalid_recipient, so escalation skips them.
func (a *App) dispatchers(cfg *config.Config) (channel.Dispatchers, error) {
	var ds channel.Dispatchers
	if a.bot != nil {
		ds.Push = channel.NewPush(a.bot)
	}
	if cfg.Channels.Message.Endpoint != "" {
		p, err := channel.NewHTTPProvider(mapProvider("message", cfg.Channels.Message), nil)
		if err != nil {
			return ds, fmt.Errorf("channels.message: %w", err)
		}
		ds.Message = channel.NewMessage(p)
	}
	if cfg.Channels.Call.Endpoint != "" {
		p, err := channel.NewHTTPProvider(mapProvider("call", cfg.Channels.Call), nil)
		if err != nil {
			return ds, fmt.Errorf("channels.call: %w", err)
		}
		ds.Call = channel.NewCall(p, cfg.Channels.Call.AckDigit)
	}
	if ds.Push == nil && ds.Message == nil && ds.Call == nil {
		a.log.Warn("no channels configured; every reminder will exhaust immediately")
	} else {
		a.log.Info("channels configured",
			logx.Bool("push", ds.Push != nil),
			logx.Bool("message", ds.Message != nil),
			logx.Bool("call", ds.Call != nil),
		)
	}
	return ds, nil
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error recorded by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce runs one recovery cycle without starting any listener, for
// cron-style deployments. Push sends still go out through the bot.
func (a *App) RunOnce(ctx context.Context) (scheduler.Report, error) {
	defer a.logs.Close()
	defer a.closeStore()
	rep, err := a.sched.Recover(ctx, time.Now())
	if err != nil {
		return rep, err
	}
	a.log.Info("single cycle done", logx.Int("sent", rep.Sent), logx.Int("escalated", rep.Escalated), logx.Int("exhausted", rep.Exhausted))
	return rep, nil
}

// Start runs the recovery cycle, then starts every long-running loop. A
// recovery failure is returned before anything is started.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if _, err := a.sched.Recover(runCtx, time.Now()); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	acfg, err := mapAckConfig(cfg)
	if err != nil {
		return err
	}
	a.server, err = ack.NewServer(acfg, ack.Deps{
		Receiver:   a.recv,
		Store:      a.store,
		Poll:       a.sched,
		Supervisor: a.sup,
	}, a.root)
	if err != nil {
		return err
	}
	a.sup.Go("ack.http", a.server.Run)

	if a.bot != nil {
		if err := a.bot.Start(runCtx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	if ncfg, enabled := mapNATSConfig(cfg); enabled {
		bridge, err := eventbus.DialNATS(ncfg, a.root.With(logx.String("comp", "events.nats")))
		if err != nil {
			return err
		}
		a.bridge = bridge
		a.sup.GoRestart("events.nats", func(c context.Context) error { return bridge.Run(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.Watchdog(c, a.healthy) })
	if err := a.sd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started")
	return nil
}

// healthy gates watchdog pings on the store answering.
func (a *App) healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.store.Ping(ctx)
}

// Stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.sd.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	a.step(ctx, "events.nats", time.Second, func(context.Context) error {
		if a.bridge != nil {
			a.bridge.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}
