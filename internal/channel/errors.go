package channel

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrMissingRecipient = errors.New("channel: recipient address missing")
	ErrBreakerOpen      = errors.New("channel: circuit breaker open")
	ErrRateLimited      = errors.New("channel: local rate limit")
	ErrUnknownStage     = errors.New("channel: no dispatcher for stage")
)

// NoRetry marks an error as permanent for this recipient.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter marks err as a rate limit carrying the provider's hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// ProviderError is a non-2xx answer from an HTTP provider.
type ProviderError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// Classify maps any send error to a kind and an optional retry hint.
func Classify(err error) (ErrorKind, time.Duration) {
	if err == nil {
		return KindNone, 0
	}
	if IsNoRetry(err) || errors.Is(err, ErrMissingRecipient) {
		return KindInvalidRecipient, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return KindRateLimited, ra.RetryAfter()
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited, 0
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Status {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
			return KindInvalidRecipient, 0
		case http.StatusTooManyRequests:
			return KindRateLimited, pe.RetryAfter
		}
		return KindProviderUnavailable, 0
	}
	if kind, after, ok := classifyTelegram(err); ok {
		return kind, after
	}
	// Network errors, 5xx, timeouts and cancellation.
	return KindProviderUnavailable, 0
}
