package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/capgate/internal/protocol"
)

// Invoke runs h and converts its failures into structured errors.
//
// A *protocol.Error returned by the handler is passed through unchanged;
// any other error becomes execution_failed carrying its message. A panic
// is recovered and reported as execution_failed, so a handler fault never
// escapes to the caller.
func Invoke(ctx context.Context, h Handler, call Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r}
		}
	}()

	out, herr := h(ctx, call)
	if herr != nil {
		return nil, ExecutionError(herr)
	}
	return out, nil
}

// PanicError records a recovered handler panic.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ExecutionError converts a handler error into its wire form.
func ExecutionError(err error) *protocol.Error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return protocol.NewExecutionFailed(panicErr.Error())
	}
	return protocol.NewExecutionFailed(err.Error())
}
