package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escalator/internal/channel"
	"escalator/internal/dispatch"
	"escalator/internal/escalation"
	"escalator/internal/eventbus"
	"escalator/internal/storage"
	"escalator/internal/tasks"
	logx "escalator/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type fakeChannel struct {
	mu   sync.Mutex
	reqs []channel.Request
	// fn decides the outcome; nil accepts everything.
	fn func(req channel.Request, n int) channel.Outcome
}

func (f *fakeChannel) Send(_ context.Context, req channel.Request) channel.Outcome {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(req, n)
	}
	return channel.Outcome{Accepted: true, ProviderRef: "ref-" + req.DispatchID, Kind: channel.KindNone}
}

func (f *fakeChannel) stages() []escalation.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]escalation.Stage, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.Stage)
	}
	return out
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type harness struct {
	store storage.Store
	src   *tasks.MemorySource
	ch    *fakeChannel
	bus   *eventbus.MemBus
	svc   *Service
}

// eachStore runs fn against the in-memory store and a sqlite file, which
// persists timestamps at millisecond precision.
func eachStore(t *testing.T, fn func(t *testing.T, st storage.Store)) {
	opens := []struct {
		name string
		open func(t *testing.T) storage.Store
	}{
		{"memory", func(*testing.T) storage.Store { return storage.NewMemory() }},
		{"sqlite", func(t *testing.T) storage.Store {
			st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "escalator.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		}},
	}
	for _, o := range opens {
		t.Run(o.name, func(t *testing.T) {
			st := o.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newHarness(t *testing.T, st storage.Store, cfg Config, ts ...tasks.Task) *harness {
	t.Helper()
	h := &harness{
		store: st,
		src:   tasks.NewMemorySource(ts...),
		ch:    &fakeChannel{},
		bus:   eventbus.New(),
	}
	h.svc = New(cfg, h.store, h.src, h.ch, logx.Nop(), WithBus(h.bus), WithClock(func() time.Time { return t0 }))
	return h
}

func (h *harness) poll(t *testing.T, at time.Time) Report {
	t.Helper()
	rep, err := h.svc.PollOnce(context.Background(), at)
	require.NoError(t, err)
	return rep
}

func (h *harness) history(t *testing.T, taskID string) []dispatch.Dispatch {
	t.Helper()
	rows, err := h.store.History(context.Background(), taskID)
	require.NoError(t, err)
	return rows
}

func criticalTask(id string) tasks.Task {
	return tasks.Task{
		ID:          id,
		Title:       "Take medication",
		ScheduledAt: t0,
		Tags:        []string{"critical"},
		Contact:     tasks.Contact{ChatID: 42, Phone: "+15550100"},
	}
}

func stages(rows []dispatch.Dispatch) []escalation.Stage {
	out := make([]escalation.Stage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Stage)
	}
	return out
}

func TestEscalatesThroughEveryChannelThenMisses(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		events, unsub := h.bus.Subscribe(64)
		defer unsub()

		rep := h.poll(t, t0)
		assert.Equal(t, 1, rep.Created)
		assert.Equal(t, 1, rep.Sent)

		h.poll(t, t0.Add(time.Minute))
		assert.Equal(t, 1, h.ch.count(), "no send while the push window is open")

		h.poll(t, t0.Add(2*time.Minute))
		h.poll(t, t0.Add(4*time.Minute))
		rep = h.poll(t, t0.Add(6*time.Minute))
		assert.Equal(t, 1, rep.Exhausted)

		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage, escalation.StageCall}, h.ch.stages())

		rows := h.history(t, "t1")
		require.Len(t, rows, 4)
		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage, escalation.StageCall, escalation.StageExhausted}, stages(rows))
		for _, r := range rows {
			assert.Equal(t, dispatch.StatusTimedOut, r.Status, "row %s", r.Stage)
		}
		assert.True(t, rows[1].SentAt.Equal(t0.Add(2*time.Minute)))
		assert.True(t, rows[2].SentAt.Equal(t0.Add(4*time.Minute)))

		task, ok := h.src.Get("t1")
		require.True(t, ok)
		assert.Equal(t, tasks.StatusMissed, task.Status)
		assert.Equal(t, 1, task.MissCount)

		// Nothing more happens once missed.
		h.poll(t, t0.Add(time.Hour))
		assert.Equal(t, 3, h.ch.count())

		var types []string
		for len(events) > 0 {
			types = append(types, (<-events).Type)
		}
		assert.Contains(t, types, eventbus.TypeDispatchCreated)
		assert.Contains(t, types, eventbus.TypeDispatchEscalated)
		assert.Contains(t, types, eventbus.TypeDispatchExhausted)
	})
}

func TestSpeedMultiplierShrinksWindows(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{SpeedMultiplier: 10}, criticalTask("t1"))

		h.poll(t, t0)
		h.poll(t, t0.Add(11*time.Second))
		assert.Equal(t, 1, h.ch.count())

		h.poll(t, t0.Add(12*time.Second))
		h.poll(t, t0.Add(24*time.Second))
		rep := h.poll(t, t0.Add(36*time.Second))
		assert.Equal(t, 1, rep.Exhausted)
		assert.Equal(t, 3, h.ch.count())
	})
}

func TestAcknowledgementStopsEscalation(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		h.poll(t, t0)

		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		_, res, err := h.store.MarkAcknowledged(context.Background(), dispatch.Ref{ProviderRef: rows[0].ProviderRef}, t0.Add(90*time.Second), "button")
		require.NoError(t, err)
		require.Equal(t, dispatch.AckOK, res)

		for _, at := range []time.Duration{2 * time.Minute, 4 * time.Minute, time.Hour} {
			h.poll(t, t0.Add(at))
		}
		assert.Equal(t, 1, h.ch.count())
		rows = h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.Equal(t, dispatch.StatusAcknowledged, rows[0].Status)
	})
}

func TestReplayingCycleIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"), criticalTask("t2"))
		h.poll(t, t0)
		require.Equal(t, 2, h.ch.count())

		rep := h.poll(t, t0)
		assert.Equal(t, 2, h.ch.count())
		assert.Zero(t, rep.Sent)
		assert.Zero(t, rep.Escalated)

		h.poll(t, t0.Add(2*time.Minute))
		require.Equal(t, 4, h.ch.count())
		h.poll(t, t0.Add(2*time.Minute))
		assert.Equal(t, 4, h.ch.count())
	})
}

func TestRecoverRetriesRowStuckMidSend(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		ctx := context.Background()

		// A claim whose send never completed: lease expired 5 minutes ago.
		stuck := dispatch.Claim("t1", t0, escalation.StagePush, t0, t0.Add(time.Minute))
		require.NoError(t, h.store.CreateDispatch(ctx, stuck))

		rep, err := h.svc.Recover(ctx, t0.Add(6*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stale)
		assert.Equal(t, 1, rep.Retried)
		assert.Equal(t, []escalation.Stage{escalation.StagePush}, h.ch.stages())

		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.Equal(t, 2, rows[0].AttemptCount)
		assert.True(t, rows[0].Accepted())
	})
}

func TestRecoverEscalatesStaleAcceptedRowOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		ctx := context.Background()

		row := dispatch.Claim("t1", t0, escalation.StagePush, t0, t0.Add(time.Minute))
		require.NoError(t, h.store.CreateDispatch(ctx, row))
		row.SentAt = t0
		row.ProviderRef = "tg:42:1"
		row.NextCheckAt = t0.Add(2 * time.Minute)
		require.NoError(t, h.store.UpdateInFlight(ctx, row, 1))

		_, err := h.svc.Recover(ctx, t0.Add(7*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []escalation.Stage{escalation.StageMessage}, h.ch.stages())
	})
}

func TestRacingSchedulersSendOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		store := st
		src := tasks.NewMemorySource(criticalTask("t1"))
		ch := &fakeChannel{}
		a := New(Config{}, store, src, ch, logx.Nop())
		b := New(Config{}, store, src, ch, logx.Nop())

		_, err := a.PollOnce(context.Background(), t0)
		require.NoError(t, err)
		require.Equal(t, 1, ch.count())

		at := t0.Add(2 * time.Minute)
		var wg sync.WaitGroup
		for _, svc := range []*Service{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.PollOnce(context.Background(), at)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage}, ch.stages())
		rows, err := store.History(context.Background(), "t1")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestTransientFailureBacksOffThenForcesEscalation(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		cfg := Config{MaxSendAttempts: 2, RetryBase: 30 * time.Second, RetryMaxDelay: time.Minute}
		h := newHarness(t, st, cfg, criticalTask("t1"))
		h.ch.fn = func(req channel.Request, _ int) channel.Outcome {
			if req.Stage == escalation.StagePush {
				return channel.Outcome{Kind: channel.KindProviderUnavailable, Err: errors.New("bad gateway")}
			}
			return channel.Outcome{Accepted: true, ProviderRef: "msg-1", Kind: channel.KindNone}
		}

		rep := h.poll(t, t0)
		assert.Equal(t, 1, rep.SendFailed)
		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.True(t, rows[0].NextCheckAt.Equal(t0.Add(30*time.Second)))
		assert.Contains(t, rows[0].LastError, "provider_unavailable")

		h.poll(t, t0.Add(10*time.Second))
		assert.Equal(t, 1, h.ch.count(), "no retry before backoff elapses")

		// Second attempt fails too; attempts are used up, so message goes out.
		h.poll(t, t0.Add(30*time.Second))
		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StagePush, escalation.StageMessage}, h.ch.stages())

		rows = h.history(t, "t1")
		require.Len(t, rows, 2)
		assert.Equal(t, dispatch.StatusFailed, rows[0].Status)
		assert.Equal(t, 2, rows[0].AttemptCount)
		assert.NotEmpty(t, rows[0].LastError)
		assert.Equal(t, dispatch.StatusInFlight, rows[1].Status)
	})
}

func TestRetryAfterHintIsRespected(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{RetryBase: 10 * time.Second, RetryMaxDelay: 5 * time.Minute}, criticalTask("t1"))
		h.ch.fn = func(channel.Request, int) channel.Outcome {
			return channel.Outcome{Kind: channel.KindRateLimited, RetryAfter: 90 * time.Second, Err: errors.New("flood")}
		}
		h.poll(t, t0)
		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.True(t, rows[0].NextCheckAt.Equal(t0.Add(90*time.Second)))
	})
}

func TestInvalidRecipientMovesToNextChannelImmediately(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		h.ch.fn = func(req channel.Request, _ int) channel.Outcome {
			if req.Stage == escalation.StagePush {
				return channel.Outcome{Kind: channel.KindInvalidRecipient, Err: channel.ErrMissingRecipient}
			}
			return channel.Outcome{Accepted: true, ProviderRef: "m", Kind: channel.KindNone}
		}
		rep := h.poll(t, t0)
		assert.Equal(t, 1, rep.Escalated)
		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage}, h.ch.stages())

		rows := h.history(t, "t1")
		require.Len(t, rows, 2)
		assert.Equal(t, dispatch.StatusFailed, rows[0].Status)
		assert.True(t, rows[1].Accepted())
	})
}

func TestEveryChannelInvalidExhaustsInOneCycle(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		h.ch.fn = func(channel.Request, int) channel.Outcome {
			return channel.Outcome{Kind: channel.KindInvalidRecipient, Err: channel.ErrMissingRecipient}
		}
		rep := h.poll(t, t0)
		assert.Equal(t, 1, rep.Exhausted)

		rows := h.history(t, "t1")
		require.Len(t, rows, 4)
		assert.Equal(t, dispatch.StatusFailed, rows[2].Status)
		assert.Equal(t, escalation.StageExhausted, rows[3].Stage)

		task, _ := h.src.Get("t1")
		assert.Equal(t, tasks.StatusMissed, task.Status)
	})
}

func TestCancelledTaskClosesInFlightRowAsDelivered(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		h.poll(t, t0)
		require.NoError(t, h.src.SetStatus(context.Background(), "t1", tasks.StatusCancelled))

		rep := h.poll(t, t0.Add(5*time.Minute))
		assert.Equal(t, 1, rep.Closed)
		assert.Equal(t, 1, h.ch.count())
		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.Equal(t, dispatch.StatusDelivered, rows[0].Status)
	})
}

func TestPriorityChangeReschedulesAtNextPoll(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		task := criticalTask("t1")
		task.Tags = nil
		h := newHarness(t, st, Config{}, task)

		h.poll(t, t0)
		rows := h.history(t, "t1")
		require.Len(t, rows, 1)
		assert.True(t, rows[0].NextCheckAt.Equal(t0.Add(15*time.Minute)), "standard window")

		task.Tags = []string{"critical"}
		h.src.Put(task)

		h.poll(t, t0.Add(time.Minute))
		rows = h.history(t, "t1")
		assert.True(t, rows[0].NextCheckAt.Equal(t0.Add(2*time.Minute)), "must_not_miss window re-derived from sent_at")
		assert.Equal(t, 1, h.ch.count())

		h.poll(t, t0.Add(2*time.Minute))
		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage}, h.ch.stages())
	})
}

func TestUnavailableStoreSkipsCycle(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{}, criticalTask("t1"))
		require.NoError(t, h.store.Close())

		rep, err := h.svc.PollOnce(context.Background(), t0)
		require.Error(t, err)
		assert.ErrorIs(t, err, dispatch.ErrUnavailable)
		assert.Zero(t, h.ch.count())
		assert.NotEmpty(t, rep.Error)

		last, lastOK := h.svc.LastPoll()
		assert.Equal(t, rep.Error, last.Error)
		assert.True(t, lastOK.IsZero())
	})
}

func TestApplyRejectsBadTrigger(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		h := newHarness(t, st, Config{})
		require.Error(t, h.svc.Apply(Config{Poll: "every tuesday"}))
		require.NoError(t, h.svc.Apply(Config{Poll: "@every 10s", SpeedMultiplier: 5}))
		assert.Equal(t, 5.0, h.svc.currentPlan().cfg.SpeedMultiplier)
	})
}

func TestSubMillisecondOccurrenceStillEscalates(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		task := criticalTask("t1")
		task.ScheduledAt = t0.Add(500 * time.Microsecond)
		h := newHarness(t, st, Config{}, task)

		for _, at := range []time.Duration{0, time.Minute, 2 * time.Minute, 4 * time.Minute} {
			rep := h.poll(t, t0.Add(at))
			assert.Zero(t, rep.Closed, "poll at +%s", at)
			assert.Zero(t, rep.Contention, "poll at +%s", at)
		}
		rep := h.poll(t, t0.Add(6*time.Minute))
		assert.Equal(t, 1, rep.Exhausted)
		assert.Equal(t, []escalation.Stage{escalation.StagePush, escalation.StageMessage, escalation.StageCall}, h.ch.stages())

		got, ok := h.src.Get("t1")
		require.True(t, ok)
		assert.Equal(t, tasks.StatusMissed, got.Status)
	})
}

type countingStore struct {
	storage.Store
	updates atomic.Int32
}

func (c *countingStore) UpdateInFlight(ctx context.Context, d dispatch.Dispatch, expectedAttempt int) error {
	c.updates.Add(1)
	return c.Store.UpdateInFlight(ctx, d, expectedAttempt)
}

func TestIdleCyclesDoNotRewriteRows(t *testing.T) {
	eachStore(t, func(t *testing.T, st storage.Store) {
		task := criticalTask("t1")
		task.Tags = nil
		cs := &countingStore{Store: st}
		h := newHarness(t, cs, Config{SpeedMultiplier: 7}, task)

		h.poll(t, t0)
		require.Equal(t, 1, h.ch.count())
		before := cs.updates.Load()

		for i := 1; i <= 5; i++ {
			h.poll(t, t0.Add(time.Duration(i)*10*time.Second))
		}
		assert.Equal(t, before, cs.updates.Load(), "waiting rows are left alone")
		assert.Equal(t, 1, h.ch.count())
	})
}
