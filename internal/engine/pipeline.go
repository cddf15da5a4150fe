package engine

import (
	"context"
	"fmt"

	"github.com/roach88/capgate/internal/authz"
	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

// Request is the state a pipeline builds up for one invocation.
// Resolve fills Capability and Handler; later checks read them.
type Request struct {
	Principal  protocol.Principal
	Invocation protocol.InvocationRequest
	Capability protocol.Capability
	Handler    capability.Handler
}

// Check inspects a request and returns nil to continue or a terminal
// error. Checks may fill fields of req for the checks after them.
type Check func(ctx context.Context, req *Request) error

// Pipeline is an ordered sequence of checks.
type Pipeline []Check

// Run applies the checks in order and stops at the first failure.
func (p Pipeline) Run(ctx context.Context, req *Request) error {
	for _, check := range p {
		if err := check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Resolver looks up capabilities. Implemented by capability.Registry.
type Resolver interface {
	Lookup(id string) (protocol.Capability, capability.Handler, error)
}

// Authorizer decides whether a principal may invoke a capability.
// Implemented by authz.Authorizer.
type Authorizer interface {
	Authorize(ctx context.Context, principal protocol.Principal, c protocol.Capability) (authz.Decision, error)
}

// Resolve loads the descriptor and handler from the registry. The
// descriptor is never taken from the client.
func Resolve(r Resolver) Check {
	return func(_ context.Context, req *Request) error {
		if req.Invocation.CapabilityID == "" {
			return protocol.NewInvalidRequest("capability id is required")
		}
		desc, h, err := r.Lookup(req.Invocation.CapabilityID)
		if err != nil {
			return err
		}
		req.Capability = desc
		req.Handler = h
		return nil
	}
}

// Authorize denies principals lacking any required permission.
func Authorize(a Authorizer) Check {
	return func(ctx context.Context, req *Request) error {
		decision, err := a.Authorize(ctx, req.Principal, req.Capability)
		if err != nil {
			return fmt.Errorf("authorize %s for %s: %w", req.Capability.ID, req.Principal.ID, err)
		}
		return decision.Err()
	}
}

// Validate checks the parameters against the capability's schema.
func Validate(v *schema.Validator) Check {
	return func(_ context.Context, req *Request) error {
		res := v.Validate(req.Capability.Parameters, req.Invocation.Parameters)
		if res.Valid {
			return nil
		}
		perr := protocol.NewInvalidParameters(res.Field, res.Error)
		if res.Expected != "" {
			perr = perr.WithDetail("expected", res.Expected)
		}
		if res.Actual != "" {
			perr = perr.WithDetail("actual", res.Actual)
		}
		return perr
	}
}
