package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/authz"
	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/jobs"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
	"github.com/roach88/capgate/internal/testutil"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingEmitter) Emit(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) ofType(typ protocol.EventType) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var (
	user123 = protocol.Principal{ID: "user123"}
	user456 = protocol.Principal{ID: "user456"}
)

type fixture struct {
	engine  *Engine
	jobs    *jobs.Manager
	clock   *testutil.FakeClock
	emitter *recordingEmitter
	release chan struct{}
}

func pathSchema() *schema.Schema {
	return schema.Object(map[string]*schema.Schema{
		"path":    {Type: schema.TypeString},
		"content": {Type: schema.TypeString},
	}, "path")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   testutil.NewFakeClock(testutil.Epoch),
		emitter: &recordingEmitter{},
		release: make(chan struct{}),
	}

	reg := capability.NewRegistry()
	reg.MustRegister(protocol.Capability{
		ID:          "file.read",
		Version:     "1.0.0",
		Permissions: []string{"file.read"},
		Parameters:  pathSchema(),
	}, func(_ context.Context, call capability.Call) (any, error) {
		f.clock.Advance(25 * time.Millisecond)
		return map[string]any{"path": call.Params["path"], "content": "hello"}, nil
	})
	reg.MustRegister(protocol.Capability{
		ID:          "file.write",
		Version:     "1.0.0",
		Permissions: []string{"file.read", "file.write"},
		Parameters:  pathSchema(),
	}, func(context.Context, capability.Call) (any, error) {
		return nil, errors.New("disk full")
	})
	reg.MustRegister(protocol.Capability{
		ID:          "file.panic",
		Version:     "1.0.0",
		Permissions: []string{"file.read"},
	}, func(context.Context, capability.Call) (any, error) {
		panic("boom")
	})
	reg.MustRegister(protocol.Capability{
		ID:          "image.process",
		Version:     "2.1.0",
		Permissions: []string{"media.edit"},
		Mode:        protocol.ModeAsync,
	}, func(ctx context.Context, call capability.Call) (any, error) {
		for _, pct := range []int{25, 50, 75} {
			if err := call.Progress(pct); err != nil {
				return nil, err
			}
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"jobId": call.JobID, "owner": call.Principal.ID}, nil
	})

	perms := authz.NewStaticProvider(map[string][]string{
		"user123": {"file.read", "file.write"},
		"user456": {"file.read", "media.edit"},
	})

	f.jobs = jobs.NewManager(
		jobs.WithClock(f.clock),
		jobs.WithIDGenerator(testutil.NewSequenceGenerator("job")),
		jobs.WithEmitter(f.emitter),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.jobs.Shutdown(ctx)
	})

	f.engine = New(reg, authz.New(perms), schema.NewValidator(), f.jobs,
		WithClock(f.clock),
		WithEmitter(f.emitter),
		WithRequestIDs(testutil.NewSequenceGenerator("req")),
	)
	return f
}

func invocation(capabilityID string, params map[string]any) protocol.InvocationRequest {
	return protocol.InvocationRequest{CapabilityID: capabilityID, Parameters: params}
}

func TestInvoke_SyncSuccess(t *testing.T) {
	f := newFixture(t)
	req := invocation("file.read", map[string]any{"path": "/tmp/x"})
	req.Context = &protocol.InvocationContext{RequestID: "client-7"}

	out, err := f.engine.Invoke(context.Background(), user123, req)

	require.NoError(t, err)
	assert.False(t, out.Async())
	assert.Equal(t, map[string]any{"path": "/tmp/x", "content": "hello"}, out.Result)
	assert.Equal(t, protocol.ExecutionMeta{ExecutionTime: 25, RequestID: "client-7"}, out.Meta)

	resp := out.Response()
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, "client-7", resp.Meta.RequestID)

	completed := f.emitter.ofType(protocol.EventExecutionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "file.read", completed[0].CapabilityID)
	assert.Equal(t, "client-7", completed[0].Data["requestId"])
}

func TestInvoke_GeneratesRequestID(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.Invoke(context.Background(), user123, invocation("file.read", map[string]any{"path": "/a"}))

	require.NoError(t, err)
	assert.Equal(t, "req-1", out.Meta.RequestID)
}

func TestInvoke_UnknownCapability(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.Invoke(context.Background(), user123, invocation("file.delete", nil))

	assert.True(t, protocol.IsCode(err, protocol.CodeCapabilityNotFound))
	assert.Equal(t, Outcome{}, out)
}

func TestInvoke_MissingCapabilityID(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user123, invocation("", nil))

	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidRequest))
}

func TestInvoke_PermissionDeniedListsMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user456, invocation("file.write", map[string]any{"path": "/a"}))

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodePermissionDenied, perr.Code)
	assert.Equal(t, []string{"file.write"}, perr.Details["missingPermissions"])
}

func TestInvoke_InvalidParameters(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user123, invocation("file.read", map[string]any{"path": 7.0}))

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodeInvalidParameters, perr.Code)
	assert.Equal(t, "path", perr.Details["field"])
	assert.Equal(t, "string", perr.Details["expected"])
	assert.Equal(t, "number", perr.Details["actual"])
}

func TestInvoke_MissingRequiredParameter(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user123, invocation("file.read", map[string]any{}))

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodeInvalidParameters, perr.Code)
	assert.Equal(t, "path", perr.Details["field"])
}

func TestInvoke_AuthorizationBeforeValidation(t *testing.T) {
	f := newFixture(t)

	// user456 lacks file.write and the parameters are invalid; authorization wins.
	_, err := f.engine.Invoke(context.Background(), user456, invocation("file.write", map[string]any{}))

	assert.True(t, protocol.IsCode(err, protocol.CodePermissionDenied))
}

func TestInvoke_HandlerErrorIsExecutionFailed(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user123, invocation("file.write", map[string]any{"path": "/a"}))

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodeExecutionFailed, perr.Code)
	assert.Equal(t, "disk full", perr.Message)
	assert.Len(t, f.emitter.ofType(protocol.EventExecutionFailed), 1)
	assert.Empty(t, f.emitter.ofType(protocol.EventExecutionCompleted))
}

func TestInvoke_HandlerPanicIsExecutionFailed(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Invoke(context.Background(), user123, invocation("file.panic", nil))

	perr := protocol.AsError(err)
	require.Equal(t, protocol.CodeExecutionFailed, perr.Code)
	assert.Contains(t, perr.Message, "boom")
}

func TestInvoke_AsyncReturnsHandleImmediately(t *testing.T) {
	f := newFixture(t)
	params := map[string]any{"imageId": "img-1"}

	start := time.Now()
	out, err := f.engine.Invoke(context.Background(), user456, invocation("image.process", params))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.True(t, out.Async())
	assert.Equal(t, protocol.JobHandle{JobID: "job-1", StatusLocation: "/jobs/job-1"}, *out.Job)
	resp := out.Response()
	assert.Equal(t, protocol.StatusAccepted, resp.Status)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Nil(t, resp.Meta)

	require.Eventually(t, func() bool {
		job, err := f.jobs.Status(context.Background(), "job-1")
		return err == nil && job.Progress == 75
	}, 2*time.Second, time.Millisecond)

	close(f.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.jobs.Wait(ctx))

	job, err := f.jobs.StatusFor(context.Background(), "job-1", "user456")
	require.NoError(t, err)
	assert.Equal(t, protocol.JobCompleted, job.State)
	assert.Equal(t, map[string]any{"jobId": "job-1", "owner": "user456"}, job.Result)

	progress := f.emitter.ofType(protocol.EventJobProgress)
	require.Len(t, progress, 3)
	last := -1
	for _, ev := range progress {
		pct := ev.Data["progress"].(int)
		assert.Greater(t, pct, last)
		last = pct
	}
	assert.Len(t, f.emitter.ofType(protocol.EventJobCompleted), 1)
	assert.Empty(t, f.emitter.ofType(protocol.EventExecutionCompleted))
}

func TestInvoke_AsyncWithoutJobManager(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(protocol.Capability{ID: "slow", Version: "1.0.0", Mode: protocol.ModeAsync},
		func(context.Context, capability.Call) (any, error) { return nil, nil })
	e := New(reg, authz.New(authz.NewStaticProvider(nil)), nil, nil)

	_, err := e.Invoke(context.Background(), user123, invocation("slow", nil))

	require.Error(t, err)
	assert.Equal(t, protocol.CodeInternal, protocol.AsError(err).Code)
}

type brokenProvider struct{}

func (brokenProvider) Permissions(context.Context, protocol.Principal) (authz.PermissionSet, error) {
	return nil, errors.New("directory unavailable")
}

func TestInvoke_ProviderFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	reg := capability.NewRegistry()
	reg.MustRegister(protocol.Capability{ID: "x", Version: "1.0.0", Permissions: []string{"p"}},
		func(context.Context, capability.Call) (any, error) { return nil, nil })
	e := New(reg, authz.New(brokenProvider{}), nil, f.jobs)

	_, err := e.Invoke(context.Background(), user123, invocation("x", nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unavailable")
	assert.Equal(t, protocol.CodeInternal, protocol.AsError(err).Code)
}
