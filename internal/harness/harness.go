package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/capgate/internal/config"
	"github.com/roach88/capgate/internal/gateway"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/testutil"
	"github.com/roach88/capgate/internal/webhook"
)

// Defaults used by Run.
const (
	DefaultWaitTimeout  = 5 * time.Second
	DefaultPollInterval = 5 * time.Millisecond
)

// Harness executes the steps of one scenario.
type Harness struct {
	rt           *gateway.Runtime
	hooks        *hookRecorder
	logger       *slog.Logger
	waitTimeout  time.Duration
	pollInterval time.Duration
	jobIDs       []string
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the logger handed to the runtime.
//
// Default: logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithWaitTimeout bounds wait_job steps and the final drain.
//
// Default: 5 seconds (DefaultWaitTimeout).
func WithWaitTimeout(d time.Duration) Option {
	return func(h *Harness) { h.waitTimeout = d }
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Assemble a fresh runtime and start its background loops
//  2. Execute steps in order, validating expect clauses
//  3. Wait for jobs, then stop the runtime so queued webhooks drain
//  4. Collect deliveries, job states and files
//  5. Evaluate assertions
//
// Errors are returned only when the scenario cannot be executed at all;
// failed expectations and assertions are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		hooks:        newHookRecorder(scenario.Webhooks),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}

	rt, err := gateway.Assemble(ctx, scenarioConfig(scenario), h.assembleOptions(scenario)...)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble gateway: %w", err)
	}
	h.rt = rt

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Run(runCtx) }()

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.waitTimeout)
	if err := rt.Jobs.Wait(waitCtx); err != nil {
		result.AddError(fmt.Sprintf("jobs still running after %s", h.waitTimeout))
	}
	cancel()

	stop()
	runErr := <-done
	if err := rt.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return nil, fmt.Errorf("failed to stop gateway: %w", runErr)
	}

	h.collect(ctx, result)

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) config.Config {
	cfg := config.Default()
	cfg.Catalog = s.Catalog
	cfg.Auth = config.AuthConfig{Mode: config.AuthStatic, Tokens: s.Tokens}
	cfg.Permissions = s.Permissions
	// One worker and short backoff keep delivery order and timing stable.
	cfg.Subscriptions.Workers = 1
	cfg.Webhook.MaxAttempts = 2
	cfg.Webhook.InitialBackoff = time.Millisecond
	cfg.Webhook.MaxBackoff = time.Millisecond
	return cfg
}

func (h *Harness) assembleOptions(s *Scenario) []gateway.AssembleOption {
	opts := []gateway.AssembleOption{
		gateway.WithRuntimeLogger(h.logger),
		gateway.WithClock(testutil.NewFakeClock(time.Time{})),
		gateway.WithIDGenerators(
			testutil.NewSequenceGenerator("job"),
			testutil.NewSequenceGenerator("sub"),
			testutil.NewSequenceGenerator("req"),
		),
		gateway.WithWebhookHTTPClient(&http.Client{Transport: h.hooks}),
	}
	if s.Files != nil {
		opts = append(opts, gateway.WithFiles(s.Files))
	}
	return opts
}

// executeStep runs one step, records it in the trace and checks its
// expect clause.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	result.AddInvocationTrace(step.Op, step.Capability, stepArgs(step))

	resp, err := h.dispatch(ctx, step)
	status, code, body := h.outcome(resp, err)
	result.AddCompletionTrace(step.Op, status, code, body)

	if step.Expect == nil {
		return
	}
	for _, msg := range checkExpect(step.Expect, status, code, body) {
		result.AddError(fmt.Sprintf("steps[%d] (%s): %s", index, step.Op, msg))
	}
}

func (h *Harness) dispatch(ctx context.Context, step Step) (any, error) {
	gw := h.rt.Gateway

	switch step.Op {
	case OpDiscover:
		return gw.Discover(ctx, step.Version)

	case OpExecute:
		params, err := normalizeParams(step.Params)
		if err != nil {
			return nil, err
		}
		req := protocol.ExecuteRequest{Parameters: params}
		if step.RequestID != "" {
			req.Context = &protocol.InvocationContext{RequestID: step.RequestID}
		}
		resp, err := gw.Execute(ctx, step.Token, step.Capability, req)
		if err == nil && resp.JobID != "" {
			h.jobIDs = append(h.jobIDs, resp.JobID)
		}
		return resp, err

	case OpJobStatus:
		return gw.JobStatus(ctx, step.Token, step.Job)

	case OpWaitJob:
		return h.waitJob(ctx, step)

	case OpBatch:
		req := protocol.BatchRequest{Atomicity: protocol.Atomicity(step.Batch.Atomicity)}
		for _, op := range step.Batch.Operations {
			params, err := normalizeParams(op.Params)
			if err != nil {
				return nil, err
			}
			req.Operations = append(req.Operations, protocol.BatchOperation{
				CapabilityID: op.Capability,
				Parameters:   params,
			})
		}
		resp, err := gw.Batch(ctx, step.Token, req)
		for _, r := range resp.Results {
			if r.JobID != "" {
				h.jobIDs = append(h.jobIDs, r.JobID)
			}
		}
		if err != nil && resp.Results != nil {
			// A failed all_or_nothing batch still reports what ran.
			return resp, nil
		}
		return resp, err

	case OpSubscribe:
		req := protocol.SubscribeRequest{
			Capabilities: step.Subscribe.Capabilities,
			Callback:     step.Subscribe.Callback,
			Duration:     step.Subscribe.Duration,
		}
		for _, ev := range step.Subscribe.Events {
			req.Events = append(req.Events, protocol.EventType(ev))
		}
		return gw.Subscribe(ctx, step.Token, req)

	case OpUnsubscribe:
		if err := gw.Unsubscribe(ctx, step.Token, step.Subscription); err != nil {
			return nil, err
		}
		return map[string]any{"status": protocol.StatusSuccess}, nil

	case OpListSubscriptions:
		subs, err := gw.Subscriptions(ctx, step.Token)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": protocol.StatusSuccess, "subscriptions": subs}, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// waitJob polls a job until it is terminal or the wait timeout elapses.
func (h *Harness) waitJob(ctx context.Context, step Step) (protocol.JobStatusResponse, error) {
	deadline := time.Now().Add(h.waitTimeout)
	for {
		resp, err := h.rt.Gateway.JobStatus(ctx, step.Token, step.Job)
		if err != nil || resp.Status.Terminal() || time.Now().After(deadline) {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
}

// outcome reduces a step response to its status, error code and JSON body.
func (h *Harness) outcome(resp any, err error) (status, code string, body any) {
	if err != nil {
		perr := protocol.AsError(err)
		tree, _ := jsonTree(protocol.NewErrorEnvelope(perr))
		return string(protocol.StatusError), string(perr.Code), tree
	}

	tree, err := jsonTree(resp)
	if err != nil {
		return string(protocol.StatusError), string(protocol.CodeInternal), nil
	}
	if m, ok := tree.(map[string]any); ok {
		status, _ = m["status"].(string)
		if e, ok := m["error"].(map[string]any); ok {
			code, _ = e["code"].(string)
		}
	}
	return status, code, tree
}

// collect fills in the final state after the runtime has stopped.
func (h *Harness) collect(ctx context.Context, result *Result) {
	deliveries := h.hooks.Deliveries()
	slices.SortStableFunc(deliveries, func(a, b Delivery) int {
		return strings.Compare(deliveryKey(a), deliveryKey(b))
	})
	for _, d := range deliveries {
		result.AddDeliveryTrace(d)
	}

	for _, id := range h.jobIDs {
		if job, err := h.rt.Jobs.Status(ctx, id); err == nil {
			result.Jobs[id] = string(job.State)
		}
	}

	for _, path := range h.rt.Files.Paths() {
		if content, ok := h.rt.Files.Get(path); ok {
			result.Files[path] = content
		}
	}
}

// stepArgs is the trace view of a step's request.
func stepArgs(step Step) any {
	args := map[string]any{}
	if step.Params != nil {
		args["params"] = step.Params
	}
	if step.RequestID != "" {
		args["request_id"] = step.RequestID
	}
	if step.Job != "" {
		args["job"] = step.Job
	}
	if step.Version != "" {
		args["version"] = step.Version
	}
	if step.Batch != nil {
		args["batch"] = step.Batch
	}
	if step.Subscribe != nil {
		args["subscribe"] = step.Subscribe
	}
	if step.Subscription != "" {
		args["subscription"] = step.Subscription
	}
	if len(args) == 0 {
		return nil
	}
	tree, err := jsonTree(args)
	if err != nil {
		return nil
	}
	return tree
}

// normalizeParams gives parameters the shape an HTTP request body decodes
// to, so numbers are float64 and nested maps are map[string]any.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	tree, err := jsonTree(params)
	if err != nil {
		return nil, protocol.NewInvalidRequest(fmt.Sprintf("parameters: %v", err))
	}
	m, _ := tree.(map[string]any)
	return m, nil
}

// jsonTree round-trips v through encoding/json.
func jsonTree(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// deliveryKey orders deliveries independently of worker timing.
func deliveryKey(d Delivery) string {
	raw, _ := protocol.MarshalCanonical(d)
	return string(raw)
}

func statusText(code int) string {
	return strconv.Itoa(code)
}

// hookRecorder is an http.RoundTripper standing in for every webhook
// endpoint.
//
// Thread-safety: safe for concurrent use via internal mutex.
type hookRecorder struct {
	mu         sync.Mutex
	statuses   map[string]int
	deliveries []Delivery
}

func newHookRecorder(statuses map[string]int) *hookRecorder {
	return &hookRecorder{statuses: statuses}
}

// RoundTrip records the delivery and answers with the configured status.
func (r *hookRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = raw
	}

	var p webhook.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.New("webhook body is not a payload")
	}
	data, _ := jsonTree(p.Data)

	callback := req.URL.String()
	status := http.StatusOK
	if s, ok := r.statuses[callback]; ok {
		status = s
	}

	r.mu.Lock()
	r.deliveries = append(r.deliveries, Delivery{
		Callback:       callback,
		Event:          p.Type,
		Capability:     p.Capability,
		SubscriptionID: p.SubscriptionID,
		Attempt:        req.Header.Get(webhook.HeaderAttempt),
		StatusCode:     status,
		Data:           data,
	})
	r.mu.Unlock()

	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}, nil
}

// Deliveries returns a copy of the recorded deliveries.
func (r *hookRecorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deliveries)
}
