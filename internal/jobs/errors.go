package jobs

import (
	"errors"
	"fmt"

	"github.com/roach88/capgate/internal/protocol"
)

// TransitionError reports a state transition the state machine forbids.
type TransitionError struct {
	JobID string
	From  protocol.JobState
	To    protocol.JobState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// ProgressError reports a rejected progress update.
type ProgressError struct {
	JobID    string
	Current  int
	Reported int
	Reason   string
}

// Error implements the error interface.
func (e *ProgressError) Error() string {
	return fmt.Sprintf("job %s: progress %d rejected (current %d): %s", e.JobID, e.Reported, e.Current, e.Reason)
}

// IsTransitionError returns true if err is a TransitionError.
// Uses errors.As to handle wrapped errors.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// IsProgressError returns true if err is a ProgressError.
// Uses errors.As to handle wrapped errors.
func IsProgressError(err error) bool {
	var pe *ProgressError
	return errors.As(err, &pe)
}
