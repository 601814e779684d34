package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"escalator/internal/channel"
	"escalator/internal/dispatch"
	logx "escalator/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI answers sendMessage like the Bot API and records request bodies.
type fakeBotAPI struct {
	mu     sync.Mutex
	bodies []string
	fail   string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(b))
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		return
	}
	if fail != "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": fail})
		return
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"x"}}`)
}

func (f *fakeBotAPI) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func newTestAdapter(t *testing.T, api *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: " "}, logx.Nop())
	require.Error(t, err)
}

func TestSendReminderCarriesAckButton(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	ref, err := a.SendReminder(context.Background(), 42, "Reminder: Pay rent", "d-123")
	require.NoError(t, err)
	assert.Equal(t, "tg:42:77", ref)

	reqs := api.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0], "Pay rent")
	assert.Contains(t, reqs[0], "Got it")
	assert.Contains(t, reqs[0], "d-123")
}

func TestSendReminderChatNotFoundIsInvalidRecipient(t *testing.T) {
	api := &fakeBotAPI{fail: "Bad Request: chat not found"}
	a := newTestAdapter(t, api)

	_, err := a.SendReminder(context.Background(), 42, "x", "d-1")
	require.Error(t, err)
	kind, _ := channel.Classify(err)
	assert.Equal(t, channel.KindInvalidRecipient, kind)
}

func TestSendLogSplitsLongText(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	line := strings.Repeat("a", 99) + "\n"
	require.NoError(t, a.SendLog(context.Background(), 42, strings.Repeat(line, 50)))
	assert.Len(t, api.requests(), 2)
}

func TestSendHonoursCancelledContext(t *testing.T) {
	a := newTestAdapter(t, &fakeBotAPI{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.SendReminder(ctx, 42, "x", "d-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAckReply(t *testing.T) {
	t.Parallel()
	cases := []struct {
		res  dispatch.AckResult
		err  error
		want string
	}{
		{dispatch.AckOK, nil, "Got it, reminder stopped"},
		{dispatch.AckAlreadyTerminal, nil, "Already handled"},
		{dispatch.AckNotFound, nil, "Reminder not found"},
		{"", errors.New("db down"), "Could not record that, please try again"},
	}
	for _, tc := range cases {
		if got := ackReply(tc.res, tc.err); got != tc.want {
			t.Fatalf("ackReply(%q, %v) = %q, want %q", tc.res, tc.err, got, tc.want)
		}
	}
}

func TestAckMarkupFitsCallbackLimit(t *testing.T) {
	t.Parallel()
	id := dispatch.NewID()
	rm := ackMarkup(id)
	require.Len(t, rm.InlineKeyboard, 1)
	btn := rm.InlineKeyboard[0][0]
	if btn.Unique != ackUnique || !strings.Contains(btn.Data, id) {
		t.Fatalf("button = %q/%q, want %q carrying %q", btn.Unique, btn.Data, ackUnique, id)
	}
	// On the wire the data is "\f<unique>|<data>".
	if wire := "\f" + btn.Unique + "|" + id; len(wire) > 64 {
		t.Fatalf("callback data is %d bytes, want <= 64", len(wire))
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("splitText = %q, want [aaaa\\nbbbb cccc]", got)
	}
}
