package app

import (
	"context"
	"strings"

	"escalator/internal/config"
	logx "escalator/pkg/logx"
)

// reloadLoop applies published configs to the running components. Configs
// arrive already validated; a mapping error here keeps the previous settings
// for that component only.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
			for more := true; more; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					next = newer
				default:
					more = false
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_ = a.sd.Reloading()
	defer func() { _ = a.sd.Ready() }()

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	if cc, err := mapChannelConfig(next); err != nil {
		a.log.Warn("invalid channel config; keeping previous", logx.Err(err))
	} else {
		a.channels.Apply(cc)
	}

	if a.server != nil {
		if ac, err := mapAckConfig(next); err != nil {
			a.log.Warn("invalid ack config; keeping previous", logx.Err(err))
		} else {
			a.server.Apply(ac)
		}
	}

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
