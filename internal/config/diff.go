package config

import (
	"reflect"
	"strings"

	logx "escalator/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{"storage": true, "tasks": true, "channels.endpoints": true, "ack.listener": true, "events": true}

// SummarizeConfigChange returns the changed section names and safe log
// fields describing the new values. Tokens, secrets and DSNs only ever show
// up as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ps, ns := oldCfg.Storage, newCfg.Storage
	if NormalizeDriver(ps.Driver) != NormalizeDriver(ns.Driver) || trim(ps.Path) != trim(ns.Path) ||
		ps.DSN != ns.DSN || trim(ps.BusyTimeout) != trim(ns.BusyTimeout) || ps.MaxOpenConns != ns.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", NormalizeDriver(ns.Driver)),
			logx.Bool("storage.dsn_set", trim(ns.DSN) != ""),
		)
	}

	if NormalizeSource(oldCfg.Tasks.Source) != NormalizeSource(newCfg.Tasks.Source) || trim(oldCfg.Tasks.Path) != trim(newCfg.Tasks.Path) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.source", NormalizeSource(newCfg.Tasks.Source)))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll", trim(newCfg.Scheduler.Poll)),
			logx.Float64("scheduler.speed_multiplier", newCfg.Scheduler.SpeedMultiplier),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
		)
	}

	oc, nc := oldCfg.Channels, newCfg.Channels
	if limitsOf(oc) != limitsOf(nc) || oc.Breaker != nc.Breaker {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Float64("channels.push.rate_per_sec", nc.Push.RatePerSec),
			logx.Float64("channels.message.rate_per_sec", nc.Message.RatePerSec),
			logx.Float64("channels.call.rate_per_sec", nc.Call.RatePerSec),
		)
	}
	if oc.Push.Token != nc.Push.Token || trim(oc.Push.PollTimeout) != trim(nc.Push.PollTimeout) ||
		endpointOf(oc.Message) != endpointOf(nc.Message) || endpointOf(oc.Call) != endpointOf(nc.Call) {
		changed = append(changed, "channels.endpoints")
		attrs = append(attrs,
			logx.Bool("channels.push.token_set", trim(nc.Push.Token) != ""),
			logx.Bool("channels.message.enabled", trim(nc.Message.Endpoint) != ""),
			logx.Bool("channels.call.enabled", trim(nc.Call.Endpoint) != ""),
		)
	}

	oa, na := oldCfg.Ack, newCfg.Ack
	if oa.Secret != na.Secret {
		changed = append(changed, "ack")
		attrs = append(attrs, logx.Bool("ack.secret_set", na.Secret != ""))
	}
	if trim(oa.Addr) != trim(na.Addr) || oa.Pprof != na.Pprof || trim(oa.ReadTimeout) != trim(na.ReadTimeout) ||
		trim(oa.WriteTimeout) != trim(na.WriteTimeout) || trim(oa.IdleTimeout) != trim(na.IdleTimeout) {
		changed = append(changed, "ack.listener")
		attrs = append(attrs, logx.String("ack.addr", trim(na.Addr)), logx.Bool("ack.pprof", na.Pprof))
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.nats.enabled", newCfg.Events.NATS.Enabled))
	}

	return changed, attrs
}

// NeedsRestart filters sections down to those only a restart applies.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

type channelLimits struct {
	pushTimeout, msgTimeout, callTimeout string
	pushRate, msgRate, callRate          float64
}

func limitsOf(c ChannelsConfig) channelLimits {
	return channelLimits{
		pushTimeout: trim(c.Push.Timeout), msgTimeout: trim(c.Message.Timeout), callTimeout: trim(c.Call.Timeout),
		pushRate: c.Push.RatePerSec, msgRate: c.Message.RatePerSec, callRate: c.Call.RatePerSec,
	}
}

func endpointOf(p ProviderChannel) [4]string {
	return [4]string{trim(p.Endpoint), p.Token, trim(p.From), trim(p.AckDigit)}
}

func trim(s string) string { return strings.TrimSpace(s) }
