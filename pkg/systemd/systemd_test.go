package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifierStates(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := &Notifier{notify: r.notify}
	_ = n.Ready()
	_ = n.Status("polling")
	_ = n.Stopping()
	for _, want := range []string{"READY=1", "STATUS=polling", "STOPPING=1"} {
		if r.count(want) != 1 {
			t.Fatalf("state %q sent %d times, want 1 (all: %v)", want, r.count(want), r.states)
		}
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := &Notifier{notify: r.notify, watchdog: func() (time.Duration, error) { return 0, nil }}
	if err := n.Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog = %v, want nil", err)
	}
	if r.count("WATCHDOG=1") != 0 {
		t.Fatalf("pinged without a watchdog")
	}
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := &Notifier{notify: r.notify, watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil }}

	var mu sync.Mutex
	healthy := true
	check := func() error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("poll stale")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, check) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.count("WATCHDOG=1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog ping while healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	before := r.count("WATCHDOG=1")
	time.Sleep(100 * time.Millisecond)
	if after := r.count("WATCHDOG=1"); after != before {
		t.Fatalf("pinged while unhealthy: %d -> %d", before, after)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog = %v, want nil", err)
	}
}
