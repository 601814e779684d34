package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"escalator/internal/channel"
	"escalator/internal/dispatch"
	"escalator/internal/escalation"
	"escalator/internal/eventbus"
	"escalator/internal/tasks"
	logx "escalator/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// item is the unit of per-task work in one cycle. Exactly one goroutine
// handles a task id per cycle.
type item struct {
	task *tasks.Task
	row  *dispatch.Dispatch
}

// cycle carries the shared state of one PollOnce call.
type cycle struct {
	plan plan
	now  time.Time

	mu  sync.Mutex
	rep Report
}

func (c *cycle) count(f func(r *Report)) {
	c.mu.Lock()
	f(&c.rep)
	c.mu.Unlock()
}

// PollOnce runs one escalation cycle at now. now is truncated to the store's
// timestamp precision.
//
// A store error while listing in-flight rows, or a task source error, skips
// the cycle. A store error mid-cycle cancels the remaining items and is
// returned with Report.Aborted set. Contention is never an error.
func (s *Service) PollOnce(ctx context.Context, now time.Time) (rep Report, err error) {
	start := time.Now()
	now = dispatch.Trunc(now)
	c := &cycle{plan: s.currentPlan(), now: now}
	c.rep.At = now
	defer func() {
		rep = c.rep
		rep.Took = time.Since(start)
		if err != nil {
			rep.Error = err.Error()
		}
		s.metrics.ObservePoll(rep.Took, rep.InFlight, err)
		s.record(rep)
	}()

	rows, err := s.store.FindInFlight(ctx)
	if err != nil {
		return rep, dispatch.Unavailable("find in-flight", err)
	}
	due, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list due tasks: %w", err)
	}
	c.rep.InFlight = len(rows)
	c.rep.Due = len(due)

	items := map[string]*item{}
	for i := range rows {
		r := &rows[i]
		if !r.NextCheckAt.After(now) {
			c.rep.Stale++
		}
		items[r.TaskID] = &item{row: r}
	}
	for i := range due {
		t := &due[i]
		if it, ok := items[t.ID]; ok {
			it.task = t
			continue
		}
		items[t.ID] = &item{task: t}
	}
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.plan.cfg.Concurrency)
	for _, id := range ids {
		it := items[id]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return s.process(gctx, c, it)
		})
	}
	if err := g.Wait(); err != nil {
		c.rep.Aborted = true
		s.log.Warn("poll cycle aborted", logx.Err(err))
		return rep, err
	}
	if c.rep.Sent+c.rep.Escalated+c.rep.Exhausted+c.rep.Closed > 0 {
		s.log.Debug("poll cycle done",
			logx.Int("in_flight", c.rep.InFlight),
			logx.Int("due", c.rep.Due),
			logx.Int("sent", c.rep.Sent),
			logx.Int("escalated", c.rep.Escalated),
		)
	}
	return rep, nil
}

func (s *Service) process(ctx context.Context, c *cycle, it *item) error {
	row, task := it.row, it.task

	if row != nil && (task == nil || !dispatch.SameInstant(row.DueAt, task.ScheduledAt)) {
		// The task left pending (or moved to a new occurrence) outside escalation.
		if stop, err := s.storeStep(c, "close", s.store.MarkClosed(ctx, *row, dispatch.StatusDelivered, c.now)); stop {
			return err
		}
		c.count(func(r *Report) { r.Closed++ })
		s.publish(eventbus.TypeDispatchClosed, *row, dispatch.StatusDelivered, escalation.Level{}, "")
		s.log.Info("dispatch closed, task no longer pending",
			logx.String("task_id", row.TaskID), logx.String("dispatch_id", row.ID), logx.String("stage", row.Stage.String()))
		if task == nil {
			return nil
		}
		row = nil
	}
	if task == nil {
		return nil
	}

	level := c.plan.scorer.Score(task.Attributes(), c.now)
	switch {
	case row == nil:
		return s.startOccurrence(ctx, c, task, level)
	case !row.Accepted():
		return s.retryUnaccepted(ctx, c, task, level, *row)
	default:
		return s.checkAccepted(ctx, c, task, level, *row)
	}
}

func (s *Service) startOccurrence(ctx context.Context, c *cycle, task *tasks.Task, level escalation.Level) error {
	d := dispatch.Claim(task.ID, task.ScheduledAt, escalation.StagePush, c.now, c.now.Add(c.plan.cfg.SendLease))
	if stop, err := s.storeStep(c, "create", s.store.CreateDispatch(ctx, d)); stop {
		return err
	}
	c.count(func(r *Report) { r.Created++ })
	s.publish(eventbus.TypeDispatchCreated, d, d.Status, level, "")
	s.log.Debug("dispatch created", logx.String("task_id", task.ID), logx.String("dispatch_id", d.ID), logx.String("level", level.String()))
	return s.send(ctx, c, task, level, d)
}

// retryUnaccepted handles a row that was claimed but never accepted: either a
// send that crashed mid-flight or a pending transient retry.
func (s *Service) retryUnaccepted(ctx context.Context, c *cycle, task *tasks.Task, level escalation.Level, row dispatch.Dispatch) error {
	if row.NextCheckAt.After(c.now) {
		return nil
	}
	if row.AttemptCount >= c.plan.cfg.MaxSendAttempts {
		return s.advance(ctx, c, task, level, row, dispatch.StatusFailed, reasonAttempts)
	}
	next := row
	next.AttemptCount++
	next.NextCheckAt = dispatch.Trunc(c.now.Add(c.plan.cfg.SendLease))
	if stop, err := s.storeStep(c, "claim_retry", s.store.UpdateInFlight(ctx, next, row.AttemptCount)); stop {
		return err
	}
	c.count(func(r *Report) { r.Retried++ })
	s.log.Debug("retrying send",
		logx.String("task_id", task.ID), logx.String("dispatch_id", row.ID),
		logx.String("stage", row.Stage.String()), logx.Int("attempt", next.AttemptCount))
	return s.send(ctx, c, task, level, next)
}

// checkAccepted waits or escalates a row whose send a provider accepted.
// The level is recomputed each cycle, so a priority change re-derives the
// remaining wait from sent_at.
func (s *Service) checkAccepted(ctx context.Context, c *cycle, task *tasks.Task, level escalation.Level, row dispatch.Dispatch) error {
	act := c.plan.policy.NextAction(level, row.Stage, row.SentAt, c.now, c.plan.cfg.SpeedMultiplier)
	if act.Kind == escalation.ActionWait {
		timeoutAt := dispatch.Trunc(act.TimeoutAt)
		if timeoutAt.Equal(row.NextCheckAt) {
			return nil
		}
		upd := row
		upd.NextCheckAt = timeoutAt
		if stop, err := s.storeStep(c, "reschedule", s.store.UpdateInFlight(ctx, upd, row.AttemptCount)); stop {
			return err
		}
		s.log.Debug("dispatch rescheduled",
			logx.String("task_id", task.ID), logx.String("dispatch_id", row.ID),
			logx.String("level", level.String()), logx.Time("next_check_at", timeoutAt))
		return nil
	}
	return s.advance(ctx, c, task, level, row, dispatch.StatusTimedOut, reasonTimeout)
}

// advance closes prev with prevStatus and moves the occurrence to the next
// stage, sending on it. After call the occurrence is exhausted and the task
// is marked missed.
func (s *Service) advance(ctx context.Context, c *cycle, task *tasks.Task, level escalation.Level, prev dispatch.Dispatch, prevStatus dispatch.Status, reason string) error {
	nextStage := prev.Stage.Next()
	if nextStage == escalation.StageExhausted {
		var err error
		if prevStatus == dispatch.StatusTimedOut {
			_, err = s.store.MarkTimedOut(ctx, prev, c.now)
		} else {
			err = s.store.TransitionStage(ctx, prev, prevStatus, dispatch.ExhaustedMarker(prev, c.now))
		}
		if stop, err := s.storeStep(c, "exhaust", err); stop {
			return err
		}
		c.count(func(r *Report) { r.Exhausted++ })
		s.metrics.IncTransition(prev.Stage.String(), nextStage.String(), reason)
		s.metrics.IncExhausted()
		s.publish(eventbus.TypeDispatchExhausted, prev, prevStatus, level, "")
		s.log.Info("channels exhausted, task missed",
			logx.String("task_id", task.ID), logx.String("dispatch_id", prev.ID),
			logx.String("level", level.String()), logx.String("reason", reason))
		if err := s.tasks.SetStatus(ctx, task.ID, tasks.StatusMissed); err != nil {
			s.log.Warn("set task missed failed", logx.String("task_id", task.ID), logx.Err(err))
		}
		return nil
	}

	next := dispatch.Claim(task.ID, prev.DueAt, nextStage, c.now, c.now.Add(c.plan.cfg.SendLease))
	if stop, err := s.storeStep(c, "transition", s.store.TransitionStage(ctx, prev, prevStatus, next)); stop {
		return err
	}
	c.count(func(r *Report) { r.Escalated++ })
	s.metrics.IncTransition(prev.Stage.String(), nextStage.String(), reason)
	s.publish(eventbus.TypeDispatchEscalated, next, next.Status, level, "")
	s.log.Info("escalated",
		logx.String("task_id", task.ID),
		logx.String("from", prev.Stage.String()), logx.String("to", nextStage.String()),
		logx.String("level", level.String()), logx.String("reason", reason))
	return s.send(ctx, c, task, level, next)
}

// send calls the channel for d.Stage and records the outcome on d.
func (s *Service) send(ctx context.Context, c *cycle, task *tasks.Task, level escalation.Level, d dispatch.Dispatch) error {
	out := s.channels.Send(ctx, channel.Request{
		DispatchID: d.ID,
		TaskID:     task.ID,
		Title:      task.Title,
		DueAt:      task.ScheduledAt,
		Stage:      d.Stage,
		Level:      level,
		Recipient: channel.Recipient{
			ChatID: task.Contact.ChatID,
			Phone:  task.Contact.Phone,
			Name:   task.Contact.Name,
		},
	})
	s.metrics.IncSend(d.Stage.String(), string(out.Kind))

	if out.Accepted {
		upd := d
		upd.SentAt = c.now
		upd.ProviderRef = out.ProviderRef
		upd.LastError = ""
		upd.NextCheckAt = dispatch.Trunc(c.now.Add(c.plan.policy.Window(level, d.Stage, c.plan.cfg.SpeedMultiplier)))
		if stop, err := s.storeStep(c, "record_send", s.store.UpdateInFlight(ctx, upd, d.AttemptCount)); stop {
			return err
		}
		c.count(func(r *Report) { r.Sent++ })
		s.publish(eventbus.TypeDispatchSent, upd, upd.Status, level, "")
		s.log.Info("reminder sent",
			logx.String("task_id", task.ID), logx.String("dispatch_id", d.ID),
			logx.String("stage", d.Stage.String()), logx.String("level", level.String()))
		return nil
	}

	c.count(func(r *Report) { r.SendFailed++ })
	d.LastError = describe(out)
	s.publish(eventbus.TypeDispatchSendFailed, d, d.Status, level, string(out.Kind))
	s.log.Warn("send failed",
		logx.String("task_id", task.ID), logx.String("dispatch_id", d.ID),
		logx.String("stage", d.Stage.String()), logx.String("kind", string(out.Kind)),
		logx.Int("attempt", d.AttemptCount), logx.Err(out.Err))

	if out.Kind == channel.KindInvalidRecipient {
		return s.advance(ctx, c, task, level, d, dispatch.StatusFailed, reasonInvalidRecipient)
	}
	if d.AttemptCount >= c.plan.cfg.MaxSendAttempts {
		return s.advance(ctx, c, task, level, d, dispatch.StatusFailed, reasonAttempts)
	}
	upd := d
	upd.NextCheckAt = dispatch.Trunc(c.now.Add(retryDelay(c.plan.cfg.RetryBase, c.plan.cfg.RetryMaxDelay, d.AttemptCount, out.RetryAfter)))
	_, err := s.storeStep(c, "record_failure", s.store.UpdateInFlight(ctx, upd, d.AttemptCount))
	return err
}

// storeStep classifies a store result. stop is true when the item must end;
// err is non-nil only for errors that abort the cycle.
func (s *Service) storeStep(c *cycle, op string, err error) (stop bool, _ error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, dispatch.ErrContention), errors.Is(err, dispatch.ErrNotFound):
		c.count(func(r *Report) { r.Contention++ })
		s.metrics.IncContention(op)
		s.log.Debug("lost store race", logx.String("op", op), logx.Err(err))
		return true, nil
	case errors.Is(err, dispatch.ErrInvalidTransition):
		s.log.Error("invalid dispatch transition", logx.String("op", op), logx.Err(err))
		return true, nil
	default:
		return true, dispatch.Unavailable(op, err)
	}
}

func (s *Service) publish(typ string, d dispatch.Dispatch, status dispatch.Status, level escalation.Level, kind string) {
	if s.bus == nil {
		return
	}
	ev := eventbus.DispatchEvent{
		DispatchID:  d.ID,
		TaskID:      d.TaskID,
		Stage:       d.Stage.String(),
		Status:      string(status),
		ProviderRef: d.ProviderRef,
		Kind:        kind,
		Error:       d.LastError,
	}
	if typ != eventbus.TypeDispatchClosed {
		ev.Level = level.String()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func describe(out channel.Outcome) string {
	if out.Err == nil {
		return string(out.Kind)
	}
	return string(out.Kind) + ": " + out.Err.Error()
}
