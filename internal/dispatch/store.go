// Package dispatch defines the persisted Dispatch model and the store
// contract that enforces at most one in-flight dispatch per task.
package dispatch

import (
	"context"
	"time"
)

// Store is the sole writer of Dispatch rows. Every mutator is atomic, and
// the store (not the caller) enforces the at-most-one-in-flight invariant,
// so concurrent schedulers and ack receivers may live in different processes.
type Store interface {
	// CreateDispatch inserts the first row of an occurrence. It returns
	// ErrContention if the occurrence already has rows or the task already
	// has an in-flight row.
	CreateDispatch(ctx context.Context, d Dispatch) error

	// TransitionStage closes prev (still in flight) with prevStatus and
	// inserts next in one transaction. next.Stage must be > prev.Stage.
	TransitionStage(ctx context.Context, prev Dispatch, prevStatus Status, next Dispatch) error

	// UpdateInFlight rewrites the send fields of d (SentAt, ProviderRef,
	// AttemptCount, NextCheckAt, LastError) if the stored row is still in
	// flight with attempt_count == expectedAttempt.
	UpdateInFlight(ctx context.Context, d Dispatch, expectedAttempt int) error

	// MarkTimedOut closes prev as timed_out and records the exhausted marker.
	MarkTimedOut(ctx context.Context, prev Dispatch, at time.Time) (Dispatch, error)

	// MarkAcknowledged acknowledges the in-flight row of the occurrence ref
	// resolves to. It is idempotent.
	MarkAcknowledged(ctx context.Context, ref Ref, at time.Time, proof string) (Dispatch, AckResult, error)

	// MarkClosed closes an in-flight row with a terminal status (delivered or
	// failed) without creating a successor.
	MarkClosed(ctx context.Context, prev Dispatch, status Status, at time.Time) error

	// FindInFlight returns every in-flight row ordered by next_check_at.
	FindInFlight(ctx context.Context) ([]Dispatch, error)

	// History returns every row for a task ordered by creation.
	History(ctx context.Context, taskID string) ([]Dispatch, error)
}
