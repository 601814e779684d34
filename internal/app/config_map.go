package app

import (
	"errors"
	"strings"
	"time"

	"escalator/internal/ack"
	"escalator/internal/channel"
	"escalator/internal/config"
	"escalator/internal/escalation"
	"escalator/internal/eventbus"
	"escalator/internal/scheduler"
	"escalator/internal/transport/telegram"
	logx "escalator/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapSchedulerConfig parses every scheduler knob. Unset values are left zero
// so scheduler.Config applies its own defaults.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	out := scheduler.Config{
		Poll:            strings.TrimSpace(sc.Poll),
		SpeedMultiplier: sc.SpeedMultiplier,
		Concurrency:     sc.Concurrency,
		SendLease:       dur("scheduler.send_lease", sc.SendLease),
		MaxSendAttempts: sc.MaxSendAttempts,
		RetryBase:       dur("scheduler.retry_base", sc.RetryBase),
		RetryMaxDelay:   dur("scheduler.retry_max_delay", sc.RetryMaxDelay),
		Score: escalation.ScoreConfig{
			CriticalTags:        sc.CriticalTags,
			MissThreshold:       sc.MissThreshold,
			ClassMissThresholds: sc.ClassMissThresholds,
			ElevatedWindow:      dur("scheduler.elevated_window", sc.ElevatedWindow),
		},
		Windows: escalation.DefaultWindows(),
	}
	for name, w := range sc.Windows {
		lv := escalation.ParseLevel(name)
		if lv.String() != name {
			errs = append(errs, errors.New("scheduler.windows: unknown level "+name))
			continue
		}
		cur := out.Windows[lv]
		p := "scheduler.windows." + name
		if d := dur(p+".push", w.Push); d > 0 {
			cur.Push = d
		}
		if d := dur(p+".message", w.Message); d > 0 {
			cur.Message = d
		}
		if d := dur(p+".call", w.Call); d > 0 {
			cur.Call = d
		}
		out.Windows[lv] = cur
	}
	if _, err := scheduler.ParseTrigger(out.Poll); out.Poll != "" && err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	ch := cfg.Channels
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := channel.Config{
		Push:    channel.Limits{Timeout: dur("channels.push.timeout", ch.Push.Timeout), RatePerSec: ch.Push.RatePerSec},
		Message: channel.Limits{Timeout: dur("channels.message.timeout", ch.Message.Timeout), RatePerSec: ch.Message.RatePerSec},
		Call:    channel.Limits{Timeout: dur("channels.call.timeout", ch.Call.Timeout), RatePerSec: ch.Call.RatePerSec},
		Breaker: channel.BreakerConfig{
			Trip:       ch.Breaker.Trip,
			BaseDelay:  dur("channels.breaker.base_delay", ch.Breaker.BaseDelay),
			MaxDelay:   dur("channels.breaker.max_delay", ch.Breaker.MaxDelay),
			ResetAfter: dur("channels.breaker.reset_after", ch.Breaker.ResetAfter),
		},
	}
	return out, errors.Join(errs...)
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("channels.push.poll_timeout", cfg.Channels.Push.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Channels.Push.Token), PollTimeout: poll}, nil
}

func mapProvider(name string, pc config.ProviderChannel) channel.HTTPConfig {
	return channel.HTTPConfig{
		Name:     name,
		Endpoint: strings.TrimSpace(pc.Endpoint),
		Token:    pc.Token,
		From:     strings.TrimSpace(pc.From),
	}
}

func mapAckConfig(cfg *config.Config) (ack.Config, error) {
	ac := cfg.Ack
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := ack.Config{
		Addr:         strings.TrimSpace(ac.Addr),
		Secret:       ac.Secret,
		AckDigit:     strings.TrimSpace(cfg.Channels.Call.AckDigit),
		ReadTimeout:  dur("ack.read_timeout", ac.ReadTimeout),
		WriteTimeout: dur("ack.write_timeout", ac.WriteTimeout),
		IdleTimeout:  dur("ack.idle_timeout", ac.IdleTimeout),
		Pprof:        ac.Pprof,
	}
	return out, errors.Join(errs...)
}

func mapNATSConfig(cfg *config.Config) (eventbus.NATSConfig, bool) {
	nc := cfg.Events.NATS
	return eventbus.NATSConfig{URL: strings.TrimSpace(nc.URL), SubjectPrefix: nc.SubjectPrefix}, nc.Enabled
}

// validateConfig is the reload validator: structural checks plus every
// mapping the running components would apply.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapAckConfig(cfg)
	return err
}

// CheckConfig loads and validates the file at path without opening anything.
func CheckConfig(path string) error {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}
