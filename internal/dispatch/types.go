package dispatch

import (
	"fmt"
	"strings"
	"time"

	"escalator/internal/escalation"

	"github.com/google/uuid"
)

// Status is the lifecycle status of one Dispatch row.
type Status string

const (
	StatusInFlight     Status = "in_flight"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusAcknowledged Status = "acknowledged"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether s is a closed status.
func (s Status) Terminal() bool { return s != StatusInFlight && s != "" }

func ParseStatus(raw string) (Status, error) {
	switch st := Status(strings.TrimSpace(raw)); st {
	case StatusInFlight, StatusDelivered, StatusFailed, StatusAcknowledged, StatusTimedOut:
		return st, nil
	default:
		return "", fmt.Errorf("unknown dispatch status %q", raw)
	}
}

// Dispatch is one attempt to notify a user through a specific channel at a
// specific escalation stage. Rows are never deleted; escalation closes the
// previous row and inserts the next one.
type Dispatch struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	// DueAt is the task's scheduled time; (TaskID, DueAt) identifies the occurrence.
	DueAt   time.Time        `json:"due_at"`
	Stage   escalation.Stage `json:"stage"`
	Channel string           `json:"channel_attempted,omitempty"`
	Status  Status           `json:"status"`

	AttemptCount int `json:"attempt_count"`
	// SentAt is zero until a provider accepted the send.
	SentAt      time.Time `json:"sent_at,omitempty"`
	NextCheckAt time.Time `json:"next_check_at"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	AckProof    string    `json:"ack_proof,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// Accepted reports whether a provider accepted this row's send.
func (d Dispatch) Accepted() bool { return !d.SentAt.IsZero() }

// Precision is the resolution stores persist timestamps at. Times that are
// compared against stored rows go through Trunc first.
const Precision = time.Millisecond

// Trunc rounds t down to Precision.
func Trunc(t time.Time) time.Time { return t.Truncate(Precision) }

// SameInstant reports whether a and b fall in the same Precision tick.
func SameInstant(a, b time.Time) bool { return Trunc(a).Equal(Trunc(b)) }

// NewID returns a fresh dispatch id.
func NewID() string { return uuid.NewString() }

// Claim builds a new in-flight row for stage. The row carries a send lease:
// if the process dies before the outcome is recorded, the row becomes due
// again at leaseUntil and is retried.
func Claim(taskID string, dueAt time.Time, stage escalation.Stage, now, leaseUntil time.Time) Dispatch {
	return Dispatch{
		ID:           NewID(),
		TaskID:       taskID,
		DueAt:        Trunc(dueAt),
		Stage:        stage,
		Channel:      stage.String(),
		Status:       StatusInFlight,
		AttemptCount: 1,
		NextCheckAt:  Trunc(leaseUntil),
		CreatedAt:    Trunc(now),
	}
}

// ExhaustedMarker builds the terminal row recording that every channel was
// tried for prev's occurrence.
func ExhaustedMarker(prev Dispatch, at time.Time) Dispatch {
	at = Trunc(at)
	return Dispatch{
		ID:          NewID(),
		TaskID:      prev.TaskID,
		DueAt:       prev.DueAt,
		Stage:       escalation.StageExhausted,
		Status:      StatusTimedOut,
		NextCheckAt: at,
		CreatedAt:   at,
		ClosedAt:    at,
	}
}

// Ref identifies what an acknowledgement targets. The first non-empty field
// wins, in the order DispatchID, ProviderRef, TaskID.
type Ref struct {
	DispatchID  string `json:"dispatch_id,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
}

func (r Ref) IsZero() bool {
	return strings.TrimSpace(r.DispatchID) == "" &&
		strings.TrimSpace(r.ProviderRef) == "" &&
		strings.TrimSpace(r.TaskID) == ""
}

func (r Ref) String() string {
	switch {
	case r.DispatchID != "":
		return "dispatch:" + r.DispatchID
	case r.ProviderRef != "":
		return "provider:" + r.ProviderRef
	case r.TaskID != "":
		return "task:" + r.TaskID
	default:
		return "<empty>"
	}
}

// AckResult is the outcome of an acknowledgement.
type AckResult string

const (
	AckOK              AckResult = "ok"
	AckAlreadyTerminal AckResult = "already_terminal"
	AckNotFound        AckResult = "not_found"
)
