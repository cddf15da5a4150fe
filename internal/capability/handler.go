package capability

import (
	"context"

	"github.com/roach88/capgate/internal/protocol"
)

// ProgressFunc reports job progress as a percentage in [0, 100].
// It returns an error when the report is rejected (wrong state, decreasing
// value or out of range); handlers may ignore it.
type ProgressFunc func(percent int) error

// Call carries everything a handler receives for one invocation.
// Params have already been validated against the capability's schema.
type Call struct {
	CapabilityID string
	Params       map[string]any
	Principal    protocol.Principal
	RequestID    string

	// JobID is set for async invocations only.
	JobID string

	progress ProgressFunc
}

// WithProgress returns a copy of c that reports progress through fn.
func (c Call) WithProgress(fn ProgressFunc) Call {
	c.progress = fn
	return c
}

// Progress reports job progress. Synchronous calls have no job, so the
// report is accepted and dropped.
func (c Call) Progress(percent int) error {
	if c.progress == nil {
		return nil
	}
	return c.progress(percent)
}

// Handler implements a capability. A returned error is reported to the
// caller as execution_failed carrying the error's message, unless it is
// already a *protocol.Error.
type Handler func(ctx context.Context, call Call) (any, error)

// Nop is a handler that returns an empty result. It stands in for real
// handlers when only descriptors are being checked.
func Nop(context.Context, Call) (any, error) {
	return map[string]any{}, nil
}
