package dispatch

import (
	"fmt"

	"escalator/internal/escalation"
)

// ValidateNew checks a row about to be inserted as the first of an occurrence.
func ValidateNew(d Dispatch) error {
	if d.ID == "" || d.TaskID == "" {
		return fmt.Errorf("%w: id and task_id are required", ErrInvalidTransition)
	}
	if d.Status != StatusInFlight {
		return fmt.Errorf("%w: new dispatch must be in_flight, got %s", ErrInvalidTransition, d.Status)
	}
	if !d.Stage.IsChannel() {
		return fmt.Errorf("%w: new dispatch must be on a channel stage, got %s", ErrInvalidTransition, d.Stage)
	}
	return nil
}

// ValidateTransition checks that closing prev with prevStatus and inserting
// next keeps the stage sequence monotonic within one occurrence.
func ValidateTransition(prev Dispatch, prevStatus Status, next Dispatch) error {
	switch prevStatus {
	case StatusTimedOut, StatusFailed:
	default:
		return fmt.Errorf("%w: cannot supersede with status %s", ErrInvalidTransition, prevStatus)
	}
	if next.ID == "" || next.TaskID != prev.TaskID || !next.DueAt.Equal(prev.DueAt) {
		return fmt.Errorf("%w: successor must belong to the same occurrence", ErrInvalidTransition)
	}
	if next.Stage <= prev.Stage {
		return fmt.Errorf("%w: stage %s -> %s is not forward", ErrInvalidTransition, prev.Stage, next.Stage)
	}
	if next.Stage == escalation.StageExhausted {
		if next.Status != StatusTimedOut {
			return fmt.Errorf("%w: exhausted marker must be timed_out", ErrInvalidTransition)
		}
		return nil
	}
	if next.Status != StatusInFlight {
		return fmt.Errorf("%w: successor on a channel stage must be in_flight", ErrInvalidTransition)
	}
	return nil
}

// ValidateClose checks a terminal status used by MarkClosed.
func ValidateClose(status Status) error {
	switch status {
	case StatusDelivered, StatusFailed, StatusTimedOut:
		return nil
	default:
		return fmt.Errorf("%w: cannot close with status %s", ErrInvalidTransition, status)
	}
}
