package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/ids"
	"github.com/roach88/capgate/internal/jobs"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

// Jobs creates and starts async jobs. Implemented by jobs.Manager.
type Jobs interface {
	Create(ctx context.Context, capabilityID, owner string) protocol.Job
	Start(jobID string, run jobs.Runner) error
	Handle(jobID string) protocol.JobHandle
}

// Outcome is the result of a successful Invoke: either a synchronous
// result with its metadata, or the handle of an accepted job.
type Outcome struct {
	Result any
	Meta   protocol.ExecutionMeta
	Job    *protocol.JobHandle
}

// Async reports whether the invocation was accepted as a job.
func (o Outcome) Async() bool {
	return o.Job != nil
}

// Response renders the outcome as an execute response envelope.
func (o Outcome) Response() protocol.ExecuteResponse {
	if o.Job != nil {
		return protocol.ExecuteResponse{
			Status:         protocol.StatusAccepted,
			JobID:          o.Job.JobID,
			StatusLocation: o.Job.StatusLocation,
		}
	}
	meta := o.Meta
	return protocol.ExecuteResponse{
		Status: protocol.StatusSuccess,
		Result: o.Result,
		Meta:   &meta,
	}
}

// Engine dispatches validated, authorized requests to handlers.
//
// Thread-safety: Invoke is safe for concurrent use. Synchronous handlers
// run on the caller's goroutine; asynchronous handlers run on goroutines
// owned by the job manager.
type Engine struct {
	pipeline Pipeline
	jobs     Jobs
	emitter  jobs.Emitter
	clock    ids.Clock
	reqIDs   ids.Generator
	logger   *slog.Logger
	tracer   trace.Tracer
	seq      atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the receiver of execution events.
func WithEmitter(e jobs.Emitter) Option {
	return func(en *Engine) { en.emitter = e }
}

// WithClock sets the time source used for execution time.
func WithClock(c ids.Clock) Option {
	return func(en *Engine) { en.clock = c }
}

// WithRequestIDs sets the generator for request ids the caller omitted.
func WithRequestIDs(g ids.Generator) Option {
	return func(en *Engine) { en.reqIDs = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.logger = l }
}

// WithTracer sets the tracer for invocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(en *Engine) { en.tracer = t }
}

// WithPipeline replaces the default resolve, authorize, validate pipeline.
// The pipeline must fill Request.Capability and Request.Handler.
func WithPipeline(p Pipeline) Option {
	return func(en *Engine) { en.pipeline = p }
}

// New creates an engine whose pipeline resolves from r, authorizes with a
// and validates with v. A nil v validates permissively.
func New(r Resolver, a Authorizer, v *schema.Validator, j Jobs, opts ...Option) *Engine {
	if v == nil {
		v = schema.NewValidator()
	}
	e := &Engine{
		pipeline: Pipeline{Resolve(r), Authorize(a), Validate(v)},
		jobs:     j,
		clock:    ids.SystemClock{},
		reqIDs:   ids.Prefixed{Prefix: "req_", Gen: ids.UUIDv7Generator{}},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/roach88/capgate/internal/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke runs the check pipeline and dispatches req.
//
// Check failures are returned as *protocol.Error values (resolver and
// authorizer infrastructure failures are wrapped and surface as internal
// errors at the gateway boundary). A synchronous handler failure is
// returned as execution_failed. An asynchronous capability returns a job
// handle immediately; its handler never runs on the caller's goroutine.
func (e *Engine) Invoke(ctx context.Context, principal protocol.Principal, inv protocol.InvocationRequest) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "capability.invoke", trace.WithAttributes(
		attribute.String("capgate.capability", inv.CapabilityID),
		attribute.String("capgate.principal", principal.ID),
	))
	defer span.End()

	req := &Request{Principal: principal, Invocation: inv}
	if err := e.pipeline.Run(ctx, req); err != nil {
		span.SetStatus(codes.Error, errorCode(err))
		e.logger.DebugContext(ctx, "invocation rejected",
			"capability", inv.CapabilityID,
			"principal", principal.ID,
			"code", errorCode(err))
		return Outcome{}, err
	}

	requestID := inv.RequestID()
	if requestID == "" {
		requestID = e.reqIDs.Generate()
	}
	span.SetAttributes(
		attribute.String("capgate.mode", string(req.Capability.Mode)),
		attribute.String("capgate.request_id", requestID),
	)

	call := capability.Call{
		CapabilityID: req.Capability.ID,
		Params:       inv.Parameters,
		Principal:    principal,
		RequestID:    requestID,
	}
	if call.Params == nil {
		call.Params = map[string]any{}
	}

	if req.Capability.Mode == protocol.ModeAsync {
		handle, err := e.submit(ctx, req.Handler, call)
		if err != nil {
			span.SetStatus(codes.Error, errorCode(err))
			return Outcome{}, err
		}
		span.SetAttributes(attribute.String("capgate.job_id", handle.JobID))
		return Outcome{Job: &handle}, nil
	}
	return e.execute(ctx, span, req.Handler, call)
}

func (e *Engine) execute(ctx context.Context, span trace.Span, h capability.Handler, call capability.Call) (Outcome, error) {
	started := e.clock.Now()
	result, err := capability.Invoke(ctx, h, call)
	meta := protocol.ExecutionMeta{
		ExecutionTime: e.clock.Now().Sub(started).Milliseconds(),
		RequestID:     call.RequestID,
	}

	if err != nil {
		var panicErr *capability.PanicError
		if errors.As(err, &panicErr) {
			e.logger.ErrorContext(ctx, "capability handler panicked",
				"capability", call.CapabilityID,
				"request_id", call.RequestID,
				"panic", fmt.Sprint(panicErr.Value))
		}
		perr := capability.ExecutionError(err)
		span.SetStatus(codes.Error, string(perr.Code))
		e.emit(protocol.EventExecutionFailed, call, map[string]any{
			"requestId": call.RequestID,
			"error":     perr,
		})
		return Outcome{}, perr
	}

	e.emit(protocol.EventExecutionCompleted, call, map[string]any{
		"requestId":     call.RequestID,
		"executionTime": meta.ExecutionTime,
		"result":        result,
	})
	e.logger.DebugContext(ctx, "capability executed",
		"capability", call.CapabilityID,
		"request_id", call.RequestID,
		"execution_time_ms", meta.ExecutionTime)
	return Outcome{Result: result, Meta: meta}, nil
}

func (e *Engine) submit(ctx context.Context, h capability.Handler, call capability.Call) (protocol.JobHandle, error) {
	if e.jobs == nil {
		return protocol.JobHandle{}, fmt.Errorf("capability %s is async but no job manager is configured", call.CapabilityID)
	}
	job := e.jobs.Create(ctx, call.CapabilityID, call.Principal.ID)
	call.JobID = job.ID

	// The job outlives the request, so the handler gets the job's context.
	run := func(jobCtx context.Context, progress capability.ProgressFunc) (any, error) {
		return capability.Invoke(jobCtx, h, call.WithProgress(progress))
	}
	if err := e.jobs.Start(job.ID, run); err != nil {
		return protocol.JobHandle{}, fmt.Errorf("start job %s: %w", job.ID, err)
	}
	e.logger.DebugContext(ctx, "job accepted",
		"capability", call.CapabilityID,
		"job_id", job.ID,
		"request_id", call.RequestID)
	return e.jobs.Handle(job.ID), nil
}

func (e *Engine) emit(typ protocol.EventType, call capability.Call, data map[string]any) {
	if e.emitter == nil {
		return
	}
	seq := e.seq.Add(1)
	e.emitter.Emit(protocol.NewEvent(typ, call.CapabilityID, call.RequestID, seq, e.clock.Now(), data))
}

func errorCode(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return string(perr.Code)
	}
	return string(protocol.CodeInternal)
}
