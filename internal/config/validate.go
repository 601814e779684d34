package config

import (
	"errors"
	"fmt"
	"strings"

	"escalator/internal/escalation"
	logx "escalator/pkg/logx"
)

// Validate checks enums, ranges and every duration string. It does not
// touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if ml := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); ml != "" && !logx.ValidLevel(ml) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", ml))
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		add(errors.New("logging.telegram.rate_per_sec must be >= 0"))
	}

	switch d := NormalizeDriver(cfg.Storage.Driver); d {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxOpenConns < 0 {
		add(errors.New("storage.max_open_conns must be >= 0"))
	}

	switch src := NormalizeSource(cfg.Tasks.Source); src {
	case "memory", "file":
	case "sql":
		if d := NormalizeDriver(cfg.Storage.Driver); d != "sqlite" && d != "postgres" {
			add(fmt.Errorf("tasks.source=sql needs a SQL storage.driver, got %q", d))
		}
	default:
		add(fmt.Errorf("tasks.source: unknown source %q", cfg.Tasks.Source))
	}

	sc := cfg.Scheduler
	if sc.SpeedMultiplier < 0 {
		add(errors.New("scheduler.speed_multiplier must be >= 0"))
	}
	if sc.Concurrency < 0 {
		add(errors.New("scheduler.concurrency must be >= 0"))
	}
	if sc.MaxSendAttempts < 0 {
		add(errors.New("scheduler.max_send_attempts must be >= 0"))
	}
	if sc.MissThreshold < 0 {
		add(errors.New("scheduler.miss_threshold must be >= 0"))
	}
	for class, n := range sc.ClassMissThresholds {
		if n < 0 {
			add(fmt.Errorf("scheduler.class_miss_thresholds.%s must be >= 0", class))
		}
	}
	for name, w := range sc.Windows {
		if escalation.ParseLevel(name).String() != name {
			add(fmt.Errorf("scheduler.windows: unknown level %q", name))
			continue
		}
		p := "scheduler.windows." + name
		add(checkDurations(map[string]string{
			p + ".push":    w.Push,
			p + ".message": w.Message,
			p + ".call":    w.Call,
		}))
	}

	ch := cfg.Channels
	if ch.Push.RatePerSec < 0 || ch.Message.RatePerSec < 0 || ch.Call.RatePerSec < 0 {
		add(errors.New("channels.*.rate_per_sec must be >= 0"))
	}
	if d := strings.TrimSpace(ch.Call.AckDigit); d != "" && (len(d) != 1 || !strings.Contains("0123456789*#", d)) {
		add(fmt.Errorf("channels.call.ack_digit: %q is not a DTMF digit", d))
	}

	if cfg.Events.NATS.Enabled && strings.TrimSpace(cfg.Events.NATS.URL) == "" {
		add(errors.New("events.nats.url is required when events.nats.enabled=true"))
	}

	add(checkDurations(map[string]string{
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"scheduler.send_lease":         sc.SendLease,
		"scheduler.retry_base":         sc.RetryBase,
		"scheduler.retry_max_delay":    sc.RetryMaxDelay,
		"scheduler.elevated_window":    sc.ElevatedWindow,
		"channels.push.poll_timeout":   ch.Push.PollTimeout,
		"channels.push.timeout":        ch.Push.Timeout,
		"channels.message.timeout":     ch.Message.Timeout,
		"channels.call.timeout":        ch.Call.Timeout,
		"channels.breaker.base_delay":  ch.Breaker.BaseDelay,
		"channels.breaker.max_delay":   ch.Breaker.MaxDelay,
		"channels.breaker.reset_after": ch.Breaker.ResetAfter,
		"ack.read_timeout":             cfg.Ack.ReadTimeout,
		"ack.write_timeout":            cfg.Ack.WriteTimeout,
		"ack.idle_timeout":             cfg.Ack.IdleTimeout,
	}))

	return errors.Join(errs...)
}

func checkDurations(fields map[string]string) error {
	var errs []error
	for path, raw := range fields {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NormalizeDriver maps storage driver aliases to memory, file, sqlite or
// postgres. Unknown names are returned lowercased.
func NormalizeDriver(raw string) string {
	switch d := strings.ToLower(strings.TrimSpace(raw)); d {
	case "", "memory", "mem":
		return "memory"
	case "sqlite3":
		return "sqlite"
	case "postgresql", "pg":
		return "postgres"
	default:
		return d
	}
}

// NormalizeSource maps an empty task source to file.
func NormalizeSource(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "file"
	}
	return s
}
