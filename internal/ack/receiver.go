// Package ack turns inbound acknowledgement signals (Telegram button presses,
// provider webhooks, the generic API) into dispatch store transitions.
package ack

import (
	"context"
	"errors"
	"time"

	"escalator/internal/dispatch"
	"escalator/internal/eventbus"
	"escalator/internal/tasks"
	logx "escalator/pkg/logx"
)

// ErrEmptyRef is returned when an acknowledgement names no dispatch, provider
// reference or task.
var ErrEmptyRef = errors.New("ack: empty reference")

// Metrics receives acknowledgement counters. internal/metrics implements it.
type Metrics interface {
	IncAck(result string)
}

type nopMetrics struct{}

func (nopMetrics) IncAck(string) {}

// Receiver is safe for concurrent use. Acknowledge is idempotent: the store
// checks the current status before transitioning.
type Receiver struct {
	store   dispatch.Store
	tasks   tasks.Source
	bus     eventbus.Bus
	metrics Metrics
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Receiver)

func WithBus(b eventbus.Bus) Option { return func(r *Receiver) { r.bus = b } }

func WithMetrics(m Metrics) Option {
	return func(r *Receiver) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReceiver(store dispatch.Store, src tasks.Source, log logx.Logger, opts ...Option) *Receiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Receiver{
		store:   store,
		tasks:   src,
		metrics: nopMetrics{},
		log:     log.With(logx.String("comp", "ack")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Acknowledge closes the in-flight dispatch ref resolves to.
//
// On ok the task is marked acknowledged; a failure there is only logged
// because the acknowledged row already stops escalation for the occurrence.
func (r *Receiver) Acknowledge(ctx context.Context, ref dispatch.Ref, proof string) (dispatch.AckResult, error) {
	if ref.IsZero() {
		return "", ErrEmptyRef
	}
	at := r.now()
	row, res, err := r.store.MarkAcknowledged(ctx, ref, at, proof)
	if err != nil {
		r.log.Warn("acknowledge failed", logx.String("ref", ref.String()), logx.Err(err))
		return "", err
	}
	r.metrics.IncAck(string(res))

	switch res {
	case dispatch.AckOK:
		r.log.Info("acknowledged",
			logx.String("task_id", row.TaskID),
			logx.String("dispatch_id", row.ID),
			logx.String("stage", row.Stage.String()),
			logx.String("via", ref.String()),
		)
		if r.tasks != nil {
			if err := r.tasks.SetStatus(ctx, row.TaskID, tasks.StatusAcknowledged); err != nil {
				r.log.Warn("set task acknowledged failed", logx.String("task_id", row.TaskID), logx.Err(err))
			}
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{
				Type: eventbus.TypeDispatchAcknowledged,
				Time: at,
				Data: eventbus.DispatchEvent{
					DispatchID:  row.ID,
					TaskID:      row.TaskID,
					Stage:       row.Stage.String(),
					Status:      string(row.Status),
					ProviderRef: row.ProviderRef,
				},
			})
		}
	default:
		r.log.Debug("acknowledge no-op", logx.String("ref", ref.String()), logx.String("result", string(res)))
	}
	return res, nil
}
