package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"escalator/internal/config"
	"escalator/internal/escalation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapSchedulerConfigOverridesWindows(t *testing.T) {
	cfg, err := config.Decode("c.yaml", []byte(`
scheduler:
  poll: "@every 10s"
  speed_multiplier: 5
  send_lease: 90s
  elevated_window: 1h
  critical_tags: [urgent]
  windows:
    important: {message: 1m}
`))
	require.NoError(t, err)

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "@every 10s", sc.Poll)
	assert.Equal(t, 5.0, sc.SpeedMultiplier)
	assert.Equal(t, 90*time.Second, sc.SendLease)
	assert.Equal(t, time.Hour, sc.Score.ElevatedWindow)
	assert.Equal(t, []string{"urgent"}, sc.Score.CriticalTags)

	imp := sc.Windows[escalation.Levels.Important]
	assert.Equal(t, 5*time.Minute, imp.Push, "unset stages keep defaults")
	assert.Equal(t, time.Minute, imp.Message)
	assert.Equal(t, 2*time.Minute, sc.Windows[escalation.Levels.MustNotMiss].Call)
}

func TestValidateConfigRejectsBadTrigger(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Poll: "every now and then"}}
	require.Error(t, validateConfig(cfg))

	cfg.Scheduler.Poll = "*/15 * * * * *"
	require.NoError(t, validateConfig(cfg))
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite3", Path: " ./x.db "}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./x.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckConfig(writeConfig(t, dir, "scheduler:\n  poll: 30s\n")))
	require.Error(t, CheckConfig(writeConfig(t, dir, "scheduler:\n  poll: 30s\n  bogus: 1\n")))
}

func TestRunOnceExhaustsWithoutChannels(t *testing.T) {
	dir := t.TempDir()
	taskPath := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(taskPath, []byte(`
tasks:
  - id: water-plants
    title: Water the plants
    scheduled_at: 2024-01-02T08:00:00Z
    tags: [critical]
`), 0o600))
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "store")+`
tasks:
  source: file
  path: `+taskPath+`
`)

	a, err := New(context.Background(), cfgPath)
	require.NoError(t, err)

	rep, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Exhausted)
	assert.Empty(t, rep.Error)
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
tasks:
  source: memory
scheduler:
  poll: 1h
ack:
  addr: 127.0.0.1:0
`)
	a, err := New(context.Background(), cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-a.Done():
		t.Fatalf("app stopped on its own: %v", a.Err())
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	require.NoError(t, a.Err())
}

func TestApplyConfigUpdatesScheduler(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "logging:\n  level: error\ntasks:\n  source: memory\n")
	a, err := New(context.Background(), cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopUnknown) })

	next := *a.cfgm.Get()
	next.Scheduler.SpeedMultiplier = 10
	a.applyConfig(a.cfgm.Get(), &next)

	assert.Equal(t, 10.0, a.sched.Config().SpeedMultiplier)
}
