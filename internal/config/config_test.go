package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "escalator/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./escalator.db
  busy_timeout: 2s
tasks:
  source: sql
scheduler:
  poll: 30s
  speed_multiplier: 10
  windows:
    must_not_miss: {push: 1m, call: 3m}
channels:
  push:
    token: "123:abc"
  call:
    endpoint: https://voice.example/calls
    ack_digit: "1"
ack:
  secret: s3cret
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.Scheduler.SpeedMultiplier; got != 10 {
		t.Fatalf("speed_multiplier = %v, want 10", got)
	}
	if got := cfg.Scheduler.Windows["must_not_miss"].Call; got != "3m" {
		t.Fatalf("windows.must_not_miss.call = %q, want 3m", got)
	}
	if got := NormalizeDriver(cfg.Storage.Driver); got != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown yaml key", "c.yaml", "scheduler:\n  workers: 3\n"},
		{"unknown json key", "c.json", `{"plugins": {}}`},
		{"trailing json", "c.json", `{"logging": {}} {"logging": {}}`},
		{"empty yaml", "c.yml", "   \n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("Decode(%q) = nil error, want failure", tc.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero config is valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite3" }, "storage.path"},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "pg" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"sql source on memory", func(c *Config) { c.Tasks.Source = "sql" }, "tasks.source=sql"},
		{"negative multiplier", func(c *Config) { c.Scheduler.SpeedMultiplier = -1 }, "speed_multiplier"},
		{"bad window level", func(c *Config) {
			c.Scheduler.Windows = map[string]StageWindows{"urgent": {Push: "1m"}}
		}, "unknown level"},
		{"bad window duration", func(c *Config) {
			c.Scheduler.Windows = map[string]StageWindows{"important": {Message: "soon"}}
		}, "scheduler.windows.important.message"},
		{"negative duration", func(c *Config) { c.Scheduler.SendLease = "-1s" }, "scheduler.send_lease"},
		{"bad ack digit", func(c *Config) { c.Channels.Call.AckDigit = "12" }, "ack_digit"},
		{"nats without url", func(c *Config) { c.Events.NATS.Enabled = true }, "events.nats.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("empty = (%v, %v), want 3s", d, err)
	}
	d, err = ParseDurationOrDefault("x", "0s", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("zero = (%v, %v), want 3s", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = (%v, %v), want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("x.y", "abc", time.Second); err == nil || !strings.HasPrefix(err.Error(), "x.y:") {
		t.Fatalf("bad duration error = %v, want prefixed with path", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newCfg := *oldCfg
	newCfg.Ack.Secret = "rotated-secret"
	newCfg.Channels.Push.Token = "999:zzz"
	newCfg.Scheduler.SpeedMultiplier = 5

	sections, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	want := map[string]bool{"scheduler": true, "channels.endpoints": true, "ack": true}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, sections)
		}
	}
	if got := NeedsRestart(sections); len(got) != 1 || got[0] != "channels.endpoints" {
		t.Fatalf("NeedsRestart = %v, want [channels.endpoints]", got)
	}

	var buf strings.Builder
	log := logx.NewJSON(&buf, "debug")
	log.Info("summary", attrs...)
	out := buf.String()
	for _, secret := range []string{"rotated-secret", "999:zzz", "s3cret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("summary leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "ack.secret_set") {
		t.Fatalf("summary missing ack.secret_set: %s", out)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "scheduler:\n  poll: 30s\n")

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the loaded config")
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged Reload = (%v, %v), want (false, nil)", published, err)
	}

	writeFile(t, dir, "config.yaml", "scheduler:\n  poll: 30s\n  speed_multiplier: -2\n")
	if published, err := m.Reload(context.Background()); err == nil || published {
		t.Fatalf("invalid Reload = (%v, %v), want rejection", published, err)
	}
	if m.Get() != cfg {
		t.Fatalf("rejected config was committed")
	}

	writeFile(t, dir, "config.yaml", "scheduler:\n  poll: 10s\n")
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("Reload = (%v, %v), want (true, nil)", published, err)
	}
	select {
	case got := <-sub:
		if got.Scheduler.Poll != "10s" {
			t.Fatalf("published poll = %q, want 10s", got.Scheduler.Poll)
		}
	default:
		t.Fatalf("subscriber received nothing")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("slow subscriber got an older config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "scheduler:\n  poll: 30s\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Let the watcher attach before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", "scheduler:\n  poll: 5s\n")

	select {
	case got := <-sub:
		if got.Scheduler.Poll != "5s" {
			t.Fatalf("watched poll = %q, want 5s", got.Scheduler.Poll)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload within 5s")
	}
}
