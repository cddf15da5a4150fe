package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

func TestPipeline_StopsAtFirstFailure(t *testing.T) {
	var ran []string
	step := func(name string, err error) Check {
		return func(context.Context, *Request) error {
			ran = append(ran, name)
			return err
		}
	}
	stop := errors.New("stop")
	p := Pipeline{step("a", nil), step("b", stop), step("c", nil)}

	err := p.Run(context.Background(), &Request{})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestPipeline_EmptyContinues(t *testing.T) {
	assert.NoError(t, Pipeline(nil).Run(context.Background(), &Request{}))
}

func TestResolve_FillsDescriptorFromRegistry(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(protocol.Capability{ID: "file.read", Version: "1.0.0", Permissions: []string{"file.read"}},
		func(context.Context, capability.Call) (any, error) { return "ok", nil })

	// The client may only name the capability; everything else comes from the registry.
	req := &Request{Invocation: protocol.InvocationRequest{CapabilityID: "file.read"}}
	require.NoError(t, Resolve(reg)(context.Background(), req))

	assert.Equal(t, []string{"file.read"}, req.Capability.Permissions)
	require.NotNil(t, req.Handler)
}

func TestValidate_StrictRejectsUnknownProperty(t *testing.T) {
	check := Validate(schema.NewValidator(schema.WithStrict(true)))
	req := &Request{
		Capability: protocol.Capability{Parameters: pathSchema()},
		Invocation: protocol.InvocationRequest{Parameters: map[string]any{"path": "/a", "mode": "0644"}},
	}

	err := check(context.Background(), req)

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodeInvalidParameters, perr.Code)
	assert.Equal(t, "mode", perr.Details["field"])
}

func TestWithPipeline_ReplacesChecks(t *testing.T) {
	f := newFixture(t)
	reg := capability.NewRegistry()
	reg.MustRegister(protocol.Capability{ID: "open", Version: "1.0.0", Permissions: []string{"secret"}},
		func(context.Context, capability.Call) (any, error) { return "ran", nil })

	// Without an authorize step nobody is denied.
	e := New(reg, nil, nil, f.jobs, WithPipeline(Pipeline{Resolve(reg)}))
	out, err := e.Invoke(context.Background(), user123, invocation("open", nil))

	require.NoError(t, err)
	assert.Equal(t, "ran", out.Result)
}
