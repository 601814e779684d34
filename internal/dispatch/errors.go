package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrContention means another writer already transitioned the row. The
	// uniqueness constraint guarantees a single winner, so callers treat it as
	// a successful no-op.
	ErrContention = errors.New("dispatch store: contention")
	// ErrUnavailable wraps driver and IO failures. It is fatal for the current
	// poll cycle only.
	ErrUnavailable       = errors.New("dispatch store: unavailable")
	ErrNotFound          = errors.New("dispatch store: not found")
	ErrInvalidTransition = errors.New("dispatch store: invalid transition")
)

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
// Contention and not-found errors are passed through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrContention) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func IsContention(err error) bool { return errors.Is(err, ErrContention) }
