package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if ValidLevel("loud") {
		t.Fatalf("ValidLevel(loud) = true, want false")
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("dispatched", String("task_id", "t1"), Int("attempt", 2))
	log.Trace("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "scheduler" || m["task_id"] != "t1" || m["message"] != "dispatched" {
		t.Fatalf("event = %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing in %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero = false, want true")
	}
	l.Error("nothing happens")
}

type fakeSender struct {
	mu   sync.Mutex
	got  []string
	chat int64
}

func (f *fakeSender) SendLog(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = chatID
	f.got = append(f.got, text)
	return nil
}

func (f *fakeSender) snapshot() (int64, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat, append([]string(nil), f.got...)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("quiet")
	log.Warn("channel breaker open", String("channel", "call"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, got := sender.snapshot(); len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	chat, got := sender.snapshot()
	if len(got) != 1 {
		t.Fatalf("sent = %d, want 1 (%v)", len(got), got)
	}
	if chat != 42 {
		t.Fatalf("chat = %d, want 42", chat)
	}
	if !strings.HasPrefix(got[0], "[WARN] channel breaker open") || !strings.Contains(got[0], "- channel=call") {
		t.Fatalf("message = %q", got[0])
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
