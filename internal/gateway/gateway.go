// Package gateway exposes the protocol operations behind one facade and
// assembles the runtime that backs them.
//
// Every operation except Discover takes the caller's bearer credential and
// authenticates it first. Errors leaving the facade are always
// *protocol.Error; anything else is logged and reported as internal.
package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/capgate/internal/auth"
	"github.com/roach88/capgate/internal/engine"
	"github.com/roach88/capgate/internal/protocol"
)

// Catalog lists registered capabilities. Implemented by capability.Registry.
type Catalog interface {
	List() []protocol.Capability
	ListMatching(constraint string) ([]protocol.Capability, error)
}

// Invoker executes one invocation. Implemented by engine.Engine.
type Invoker interface {
	Invoke(ctx context.Context, principal protocol.Principal, inv protocol.InvocationRequest) (engine.Outcome, error)
}

// JobReader answers owner-scoped status polls. Implemented by jobs.Manager.
type JobReader interface {
	StatusFor(ctx context.Context, jobID, owner string) (protocol.Job, error)
}

// Batcher runs batch requests. Implemented by batch.Coordinator.
type Batcher interface {
	Run(ctx context.Context, principal protocol.Principal, req protocol.BatchRequest) (protocol.BatchResponse, error)
}

// Subscriptions manages webhook subscriptions. Implemented by
// subscription.Manager.
type Subscriptions interface {
	Subscribe(ctx context.Context, principal protocol.Principal, req protocol.SubscribeRequest) (protocol.Subscription, error)
	Unsubscribe(ctx context.Context, principal protocol.Principal, id string) error
	List(principal protocol.Principal) []protocol.Subscription
}

// Services are the collaborators behind the facade.
type Services struct {
	Auth          auth.Authenticator
	Catalog       Catalog
	Engine        Invoker
	Jobs          JobReader
	Batch         Batcher
	Subscriptions Subscriptions
}

// Gateway is the protocol surface.
//
// Thread-safety: safe for concurrent use if the services are.
type Gateway struct {
	meta   protocol.Metadata
	svc    Services
	logger *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger used for internal errors.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway. meta.ProtocolVersion defaults to protocol.Version.
func New(meta protocol.Metadata, svc Services, opts ...Option) *Gateway {
	if meta.ProtocolVersion == "" {
		meta.ProtocolVersion = protocol.Version
	}
	g := &Gateway{meta: meta, svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Metadata returns the gateway metadata reported by discovery.
func (g *Gateway) Metadata() protocol.Metadata {
	return g.meta
}

// Discover lists capabilities. A non-empty constraint keeps only versions
// that satisfy it, e.g. "^1.0". Discovery needs no credential.
func (g *Gateway) Discover(_ context.Context, constraint string) (protocol.DiscoverResponse, error) {
	caps := g.svc.Catalog.List()
	if constraint != "" {
		matched, err := g.svc.Catalog.ListMatching(constraint)
		if err != nil {
			return protocol.DiscoverResponse{}, protocol.NewInvalidRequest(err.Error())
		}
		caps = matched
	}
	if caps == nil {
		caps = []protocol.Capability{}
	}
	return protocol.DiscoverResponse{Capabilities: caps, Metadata: g.meta}, nil
}

// Execute invokes capabilityID. Synchronous capabilities answer with their
// result; asynchronous ones with an accepted job handle.
func (g *Gateway) Execute(ctx context.Context, credential, capabilityID string, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return protocol.ExecuteResponse{}, err
	}
	out, err := g.svc.Engine.Invoke(ctx, principal, req.Invocation(capabilityID))
	if err != nil {
		return protocol.ExecuteResponse{}, g.boundary("execute", err)
	}
	return out.Response(), nil
}

// JobStatus reports a job owned by the caller. Jobs of other principals
// are reported as not found.
func (g *Gateway) JobStatus(ctx context.Context, credential, jobID string) (protocol.JobStatusResponse, error) {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return protocol.JobStatusResponse{}, err
	}
	job, err := g.svc.Jobs.StatusFor(ctx, jobID, principal.ID)
	if err != nil {
		return protocol.JobStatusResponse{}, g.boundary("job status", err)
	}
	return protocol.JobStatusFrom(job), nil
}

// Batch runs a batch request. A failed all_or_nothing batch returns the
// partial response together with its batch_failed error.
func (g *Gateway) Batch(ctx context.Context, credential string, req protocol.BatchRequest) (protocol.BatchResponse, error) {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return protocol.BatchResponse{}, err
	}
	resp, err := g.svc.Batch.Run(ctx, principal, req)
	if err != nil {
		return resp, g.boundary("batch", err)
	}
	return resp, nil
}

// Subscribe registers a webhook subscription for the caller.
func (g *Gateway) Subscribe(ctx context.Context, credential string, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error) {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return protocol.SubscribeResponse{}, err
	}
	sub, err := g.svc.Subscriptions.Subscribe(ctx, principal, req)
	if err != nil {
		return protocol.SubscribeResponse{}, g.boundary("subscribe", err)
	}
	return protocol.SubscribeResponse{
		SubscriptionID: sub.ID,
		ExpiresAt:      sub.ExpiresAt,
		Status:         protocol.StatusActive,
	}, nil
}

// Subscriptions lists the caller's active subscriptions.
func (g *Gateway) Subscriptions(ctx context.Context, credential string) ([]protocol.Subscription, error) {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return g.svc.Subscriptions.List(principal), nil
}

// Unsubscribe removes one of the caller's subscriptions.
func (g *Gateway) Unsubscribe(ctx context.Context, credential, id string) error {
	principal, err := g.authenticate(ctx, credential)
	if err != nil {
		return err
	}
	if err := g.svc.Subscriptions.Unsubscribe(ctx, principal, id); err != nil {
		return g.boundary("unsubscribe", err)
	}
	return nil
}

func (g *Gateway) authenticate(ctx context.Context, credential string) (protocol.Principal, error) {
	principal, err := g.svc.Auth.Authenticate(ctx, credential)
	if err != nil {
		return protocol.Principal{}, g.boundary("authenticate", err)
	}
	return principal, nil
}

// boundary passes protocol errors through and hides everything else.
func (g *Gateway) boundary(op string, err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	g.logger.Error("internal error", "op", op, "error", err)
	return protocol.NewInternal()
}
