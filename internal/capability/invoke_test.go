package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/protocol"
)

func TestInvoke_Success(t *testing.T) {
	out, err := Invoke(context.Background(), func(context.Context, Call) (any, error) {
		return map[string]any{"ok": true}, nil
	}, Call{})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestInvoke_WrapsPlainError(t *testing.T) {
	_, err := Invoke(context.Background(), func(context.Context, Call) (any, error) {
		return "partial", errors.New("disk full")
	}, Call{})

	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeExecutionFailed, pe.Code)
	assert.Equal(t, "disk full", pe.Message)
}

func TestInvoke_PassesProtocolError(t *testing.T) {
	_, err := Invoke(context.Background(), func(context.Context, Call) (any, error) {
		return nil, protocol.NewInvalidParameters("path", "path must be absolute")
	}, Call{})

	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidParameters))
}

func TestInvoke_RecoversPanic(t *testing.T) {
	out, err := Invoke(context.Background(), func(context.Context, Call) (any, error) {
		panic("boom")
	}, Call{})

	assert.Nil(t, out)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)

	wire := ExecutionError(err)
	assert.Equal(t, protocol.CodeExecutionFailed, wire.Code)
	assert.Contains(t, wire.Message, "boom")
}

func TestNop_ReturnsEmptyResult(t *testing.T) {
	out, err := Invoke(context.Background(), Nop, Call{CapabilityID: "x.y"})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}
