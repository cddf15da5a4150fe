// Package batch runs several invocations under one atomicity policy.
//
// best_effort attempts every operation, possibly concurrently, and reports
// one result per operation in input order. all_or_nothing runs operations
// in order and stops at the first failure. It does not roll back
// operations that already ran: the only guarantee is that nothing runs
// after the failing operation.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/capgate/internal/engine"
	"github.com/roach88/capgate/internal/protocol"
)

// Default limits.
const (
	DefaultMaxOperations = 100
	DefaultParallelism   = 4
)

// Invoker executes a single invocation. Implemented by engine.Engine.
type Invoker interface {
	Invoke(ctx context.Context, principal protocol.Principal, inv protocol.InvocationRequest) (engine.Outcome, error)
}

// Coordinator sequences batch operations.
//
// Thread-safety: safe for concurrent use.
type Coordinator struct {
	invoker       Invoker
	maxOperations int
	parallelism   int
	logger        *slog.Logger
	tracer        trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxOperations limits the number of operations per batch.
//
// Default: 100. A non-positive value removes the limit.
func WithMaxOperations(n int) Option {
	return func(c *Coordinator) { c.maxOperations = n }
}

// WithParallelism bounds concurrent operations in best_effort batches.
//
// Default: 4. Values below 1 run operations one at a time.
func WithParallelism(n int) Option {
	return func(c *Coordinator) { c.parallelism = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracer sets the tracer for batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New creates a coordinator dispatching through inv.
func New(inv Invoker, opts ...Option) *Coordinator {
	c := &Coordinator{
		invoker:       inv,
		maxOperations: DefaultMaxOperations,
		parallelism:   DefaultParallelism,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/roach88/capgate/internal/batch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parallelism < 1 {
		c.parallelism = 1
	}
	return c
}

// Run executes req on behalf of principal.
//
// A structurally invalid request (no operations, too many operations,
// unknown atomicity) fails with invalid_request before anything runs.
// Per-operation failures, including unknown capability ids, are reported
// in the results. When an all_or_nothing batch stops early Run returns the
// partial response together with its batch_failed error.
func (c *Coordinator) Run(ctx context.Context, principal protocol.Principal, req protocol.BatchRequest) (protocol.BatchResponse, error) {
	atomicity, ok := protocol.ParseAtomicity(string(req.Atomicity))
	if !ok {
		return protocol.BatchResponse{}, protocol.NewInvalidRequest(
			fmt.Sprintf("unknown atomicity %q", req.Atomicity))
	}
	if len(req.Operations) == 0 {
		return protocol.BatchResponse{}, protocol.NewInvalidRequest("batch has no operations")
	}
	if c.maxOperations > 0 && len(req.Operations) > c.maxOperations {
		return protocol.BatchResponse{}, protocol.NewInvalidRequest(
			fmt.Sprintf("batch has %d operations, limit is %d", len(req.Operations), c.maxOperations))
	}

	ctx, span := c.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("capgate.atomicity", string(atomicity)),
		attribute.Int("capgate.operations", len(req.Operations)),
	))
	defer span.End()

	if atomicity == protocol.AllOrNothing {
		resp := c.runSequential(ctx, principal, req.Operations)
		if resp.Error != nil {
			span.SetStatus(codes.Error, string(resp.Error.Code))
			return resp, resp.Error
		}
		return resp, nil
	}
	return c.runConcurrent(ctx, principal, req.Operations), nil
}

func (c *Coordinator) runConcurrent(ctx context.Context, principal protocol.Principal, ops []protocol.BatchOperation) protocol.BatchResponse {
	results := make([]protocol.BatchResult, len(ops))

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, op := range ops {
		g.Go(func() error {
			// Each goroutine writes only its own slot.
			results[i] = c.attempt(ctx, principal, i, op)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	c.logger.DebugContext(ctx, "batch finished",
		"atomicity", string(protocol.BestEffort),
		"operations", len(ops),
		"failed", failed)

	return protocol.BatchResponse{
		Status:    protocol.StatusSuccess,
		Atomicity: protocol.BestEffort,
		Results:   results,
	}
}

func (c *Coordinator) runSequential(ctx context.Context, principal protocol.Principal, ops []protocol.BatchOperation) protocol.BatchResponse {
	results := make([]protocol.BatchResult, 0, len(ops))
	for i, op := range ops {
		r := c.attempt(ctx, principal, i, op)
		results = append(results, r)
		if r.Failed() {
			c.logger.InfoContext(ctx, "batch stopped at failed operation",
				"atomicity", string(protocol.AllOrNothing),
				"failed_index", i,
				"capability", op.CapabilityID,
				"code", string(r.Error.Code),
				"skipped", len(ops)-i-1)
			return protocol.BatchResponse{
				Status:    protocol.StatusError,
				Atomicity: protocol.AllOrNothing,
				Results:   results,
				Error:     protocol.NewBatchFailed(i, r.Error),
			}
		}
	}
	return protocol.BatchResponse{
		Status:    protocol.StatusSuccess,
		Atomicity: protocol.AllOrNothing,
		Results:   results,
	}
}

func (c *Coordinator) attempt(ctx context.Context, principal protocol.Principal, index int, op protocol.BatchOperation) protocol.BatchResult {
	r := protocol.BatchResult{Index: index, Capability: op.CapabilityID}

	out, err := c.invoker.Invoke(ctx, principal, protocol.InvocationRequest{
		CapabilityID: op.CapabilityID,
		Parameters:   op.Parameters,
	})
	if err != nil {
		perr := protocol.AsError(err)
		if perr.Code == protocol.CodeInternal {
			c.logger.ErrorContext(ctx, "batch operation failed internally",
				"index", index,
				"capability", op.CapabilityID,
				"error", err)
		}
		r.Status = protocol.StatusError
		r.Error = perr
		return r
	}

	if out.Async() {
		r.Status = protocol.StatusAccepted
		r.JobID = out.Job.JobID
		r.StatusLocation = out.Job.StatusLocation
		return r
	}
	r.Status = protocol.StatusSuccess
	r.Result = out.Result
	return r
}
