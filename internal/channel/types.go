// Package channel sends one reminder through one provider and classifies the
// result. It never retries; retry and escalation belong to the scheduler.
package channel

import (
	"context"
	"time"

	"escalator/internal/escalation"
)

// ErrorKind classifies a failed send.
type ErrorKind string

const (
	KindNone                ErrorKind = "none"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindInvalidRecipient    ErrorKind = "invalid_recipient"
	KindRateLimited         ErrorKind = "rate_limited"
)

// Transient reports whether a later retry on the same channel may succeed.
func (k ErrorKind) Transient() bool {
	return k == KindProviderUnavailable || k == KindRateLimited
}

// Recipient carries every address a task exposes; each channel picks its own.
type Recipient struct {
	ChatID int64
	Phone  string
	Name   string
}

// Request is one send.
type Request struct {
	DispatchID string
	TaskID     string
	Title      string
	DueAt      time.Time
	Stage      escalation.Stage
	Level      escalation.Level
	Recipient  Recipient
}

// Outcome is the classified result of Send.
type Outcome struct {
	Accepted    bool
	ProviderRef string
	Kind        ErrorKind
	RetryAfter  time.Duration
	Err         error
}

func accepted(ref string) Outcome {
	return Outcome{Accepted: true, ProviderRef: ref, Kind: KindNone}
}

func failed(err error) Outcome {
	kind, after := Classify(err)
	return Outcome{Kind: kind, RetryAfter: after, Err: err}
}

// Dispatcher sends through one channel.
type Dispatcher interface {
	Send(ctx context.Context, req Request) Outcome
}

// Payload is the provider-neutral message body.
type Payload struct {
	Text       string `json:"text"`
	DispatchID string `json:"dispatch_id"`
	TaskID     string `json:"task_id"`
	// AckDigit is the DTMF digit that acknowledges a call.
	AckDigit string `json:"ack_digit,omitempty"`
}

// Receipt is what a provider returns for an accepted send.
type Receipt struct {
	Ref string `json:"ref"`
}

// Provider is a provider client. Errors should be wrapped with NoRetry or
// RetryAfter, or be a *ProviderError, so Classify can map them.
type Provider interface {
	Send(ctx context.Context, recipient string, p Payload) (Receipt, error)
}
