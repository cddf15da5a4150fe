package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/ids"
	"github.com/roach88/capgate/internal/protocol"
)

// Default policy values.
const (
	DefaultTimeout   = 5 * time.Minute
	DefaultRetention = time.Hour
)

// Runner executes the work of one job. progress reports completion
// percentage; ctx is cancelled when the job times out.
type Runner func(ctx context.Context, progress capability.ProgressFunc) (any, error)

// Emitter receives job lifecycle events. Emit must not block.
type Emitter interface {
	Emit(event protocol.Event)
}

// Journal persists job snapshots. Every transition is written through.
type Journal interface {
	SaveJob(ctx context.Context, job protocol.Job) error
	LoadJob(ctx context.Context, id string) (protocol.Job, bool, error)
	UnfinishedJobs(ctx context.Context) ([]protocol.Job, error)
	DeleteJobsCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type record struct {
	mu      sync.Mutex
	job     protocol.Job
	seq     int64 // event sequence for this job
	claimed bool  // a driver has been launched
}

// Manager tracks jobs keyed by id.
//
// INVARIANTS:
//   - only the driver started by Start transitions a job
//   - a job reaches at most one terminal state
//   - progress never decreases
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*record

	clock     ids.Clock
	idGen     ids.Generator
	timeout   time.Duration
	retention time.Duration
	location  string
	journal   Journal
	emitter   Emitter
	logger    *slog.Logger
	tracer    trace.Tracer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used for timestamps and retention.
func WithClock(c ids.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the job id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(m *Manager) { m.idGen = g }
}

// WithTimeout sets the maximum runtime of a job.
//
// Default: 5 minutes (DefaultTimeout). A non-positive value disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRetention sets how long terminal jobs remain visible.
//
// Default: 1 hour (DefaultRetention). A non-positive value retains forever.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithStatusLocation sets the prefix of the status location in job handles.
//
// Default: "/jobs/".
func WithStatusLocation(prefix string) Option {
	return func(m *Manager) { m.location = prefix }
}

// WithJournal enables write-through persistence.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithEmitter sets the receiver of lifecycle events.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracer sets the tracer for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates a job manager.
func NewManager(opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		jobs:      make(map[string]*record),
		clock:     ids.SystemClock{},
		idGen:     ids.Prefixed{Prefix: "job_", Gen: ids.UUIDv7Generator{}},
		timeout:   DefaultTimeout,
		retention: DefaultRetention,
		location:  "/jobs/",
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/roach88/capgate/internal/jobs"),
		baseCtx:   ctx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new pending job for capabilityID owned by owner.
func (m *Manager) Create(ctx context.Context, capabilityID, owner string) protocol.Job {
	rec := &record{job: protocol.Job{
		ID:           m.idGen.Generate(),
		CapabilityID: capabilityID,
		Owner:        owner,
		State:        protocol.JobPending,
		CreatedAt:    m.clock.Now(),
	}}

	m.mu.Lock()
	m.jobs[rec.job.ID] = rec
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	m.persist(ctx, rec.job)
	m.emit(rec, protocol.EventJobCreated, nil)
	m.logger.Debug("job created",
		"job_id", rec.job.ID,
		"capability", capabilityID,
		"owner", owner)
	return rec.job
}

// Handle returns the caller-facing handle for a job id.
func (m *Manager) Handle(jobID string) protocol.JobHandle {
	return protocol.JobHandle{JobID: jobID, StatusLocation: m.location + jobID}
}

// Submit creates a job and starts its driver. It never blocks on run.
func (m *Manager) Submit(ctx context.Context, capabilityID, owner string, run Runner) protocol.JobHandle {
	job := m.Create(ctx, capabilityID, owner)
	// The job was just created, so Start cannot fail.
	_ = m.Start(job.ID, run)
	return m.Handle(job.ID)
}

// Start launches the execution driver for a pending job.
// The driver runs detached from any request context.
func (m *Manager) Start(jobID string, run Runner) error {
	rec, ok := m.lookup(jobID)
	if !ok {
		return protocol.NewJobNotFound(jobID)
	}
	rec.mu.Lock()
	state := rec.job.State
	if state != protocol.JobPending || rec.claimed {
		rec.mu.Unlock()
		return &TransitionError{JobID: jobID, From: state, To: protocol.JobInProgress}
	}
	rec.claimed = true
	rec.mu.Unlock()

	m.wg.Add(1)
	go m.drive(rec, run)
	return nil
}

type outcome struct {
	result any
	err    error
}

func (m *Manager) drive(rec *record, run Runner) {
	defer m.wg.Done()

	jobID, capabilityID := rec.id()
	ctx, span := m.tracer.Start(m.baseCtx, "job.run", trace.WithAttributes(
		attribute.String("capgate.job_id", jobID),
		attribute.String("capgate.capability", capabilityID),
	))
	defer span.End()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := m.begin(ctx, rec); err != nil {
		span.RecordError(err)
		return
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &capability.PanicError{Value: r}}
			}
		}()
		result, err := run(ctx, func(percent int) error {
			return m.Advance(jobID, percent)
		})
		done <- outcome{result: result, err: err}
	}()

	var failure *protocol.Error
	var result any
	select {
	case out := <-done:
		switch {
		case out.err == nil:
			result = out.result
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			failure = protocol.NewJobTimeout(m.timeout.String())
		default:
			failure = capability.ExecutionError(out.err)
			var panicErr *capability.PanicError
			if errors.As(out.err, &panicErr) {
				m.logger.Error("job handler panicked",
					"job_id", jobID,
					"capability", capabilityID,
					"panic", fmt.Sprint(panicErr.Value))
			}
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			failure = protocol.NewJobTimeout(m.timeout.String())
			m.logger.Warn("job timed out",
				"job_id", jobID,
				"capability", capabilityID,
				"timeout", m.timeout.String())
		} else {
			failure = protocol.NewExecutionFailed("job cancelled: gateway shutting down")
		}
	}

	if failure != nil {
		span.SetStatus(codes.Error, string(failure.Code))
		_ = m.finish(context.Background(), rec, nil, failure)
		return
	}
	_ = m.finish(context.Background(), rec, result, nil)
}

// begin moves a job from pending to in_progress.
func (m *Manager) begin(ctx context.Context, rec *record) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != protocol.JobPending {
		return &TransitionError{JobID: rec.job.ID, From: rec.job.State, To: protocol.JobInProgress}
	}
	now := m.clock.Now()
	rec.job.State = protocol.JobInProgress
	rec.job.StartedAt = &now
	m.persist(ctx, rec.job)
	m.emit(rec, protocol.EventJobStarted, nil)
	m.logger.Debug("job started", "job_id", rec.job.ID, "capability", rec.job.CapabilityID)
	return nil
}

// Advance records progress for an in_progress job.
//
// Reports outside [0, 100], below the current value or for a job that is
// not in_progress are rejected and leave the job unchanged. Repeating the
// current value is accepted and emits nothing.
func (m *Manager) Advance(jobID string, percent int) error {
	rec, ok := m.lookup(jobID)
	if !ok {
		return protocol.NewJobNotFound(jobID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if percent < 0 || percent > 100 {
		return &ProgressError{JobID: jobID, Current: rec.job.Progress, Reported: percent, Reason: "out of range"}
	}
	if rec.job.State != protocol.JobInProgress {
		return &ProgressError{JobID: jobID, Current: rec.job.Progress, Reported: percent, Reason: fmt.Sprintf("job is %s", rec.job.State)}
	}
	if percent < rec.job.Progress {
		return &ProgressError{JobID: jobID, Current: rec.job.Progress, Reported: percent, Reason: "progress cannot decrease"}
	}
	if percent == rec.job.Progress {
		return nil
	}

	rec.job.Progress = percent
	m.persist(context.Background(), rec.job)
	m.emit(rec, protocol.EventJobProgress, map[string]any{"progress": percent})
	return nil
}

// finish moves an in_progress job to completed or failed. It is a no-op
// returning a TransitionError if the job is already terminal.
func (m *Manager) finish(ctx context.Context, rec *record, result any, failure *protocol.Error) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	to := protocol.JobCompleted
	if failure != nil {
		to = protocol.JobFailed
	}
	if rec.job.State != protocol.JobInProgress {
		return &TransitionError{JobID: rec.job.ID, From: rec.job.State, To: to}
	}

	now := m.clock.Now()
	rec.job.State = to
	rec.job.CompletedAt = &now
	if failure != nil {
		rec.job.Error = failure
		m.persist(ctx, rec.job)
		m.emit(rec, protocol.EventJobFailed, map[string]any{"error": failure})
		m.logger.Debug("job failed",
			"job_id", rec.job.ID,
			"capability", rec.job.CapabilityID,
			"code", string(failure.Code))
		return nil
	}

	rec.job.Progress = 100
	rec.job.Result = result
	m.persist(ctx, rec.job)
	m.emit(rec, protocol.EventJobCompleted, map[string]any{"result": result})
	m.logger.Debug("job completed", "job_id", rec.job.ID, "capability", rec.job.CapabilityID)
	return nil
}

// Status returns a snapshot of a job.
//
// Unknown jobs and terminal jobs past their retention window report
// job_not_found. Status never changes job state, so two calls without an
// intervening transition return identical snapshots.
func (m *Manager) Status(ctx context.Context, jobID string) (protocol.Job, error) {
	if rec, ok := m.lookup(jobID); ok {
		rec.mu.Lock()
		job := snapshot(rec.job)
		rec.mu.Unlock()
		if m.expired(job, m.clock.Now()) {
			return protocol.Job{}, protocol.NewJobNotFound(jobID)
		}
		return job, nil
	}

	if m.journal != nil {
		job, found, err := m.journal.LoadJob(ctx, jobID)
		if err != nil {
			return protocol.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
		}
		if found && !m.expired(job, m.clock.Now()) {
			return job, nil
		}
	}
	return protocol.Job{}, protocol.NewJobNotFound(jobID)
}

// StatusFor is Status restricted to jobs owned by owner. Jobs owned by
// someone else are reported as not found.
func (m *Manager) StatusFor(ctx context.Context, jobID, owner string) (protocol.Job, error) {
	job, err := m.Status(ctx, jobID)
	if err != nil {
		return protocol.Job{}, err
	}
	if job.Owner != owner {
		return protocol.Job{}, protocol.NewJobNotFound(jobID)
	}
	return job, nil
}

// Len returns the number of jobs held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// Sweep drops terminal jobs whose retention window has elapsed and returns
// how many were removed from memory.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var expired []string
	for id, rec := range m.jobs {
		rec.mu.Lock()
		if m.expired(rec.job, now) {
			expired = append(expired, id)
		}
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.mu.Lock()
		for _, id := range expired {
			delete(m.jobs, id)
		}
		m.mu.Unlock()
	}

	if m.journal != nil && m.retention > 0 {
		if _, err := m.journal.DeleteJobsCompletedBefore(ctx, now.Add(-m.retention)); err != nil {
			m.logger.Warn("journal sweep failed", "error", err)
		}
	}
	if len(expired) > 0 {
		m.logger.Debug("swept expired jobs", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps expired jobs every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Recover fails journaled jobs that were still pending or in_progress when
// the previous process stopped. Returns the number of recovered jobs.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	unfinished, err := m.journal.UnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	now := m.clock.Now()
	for _, job := range unfinished {
		job.State = protocol.JobFailed
		job.CompletedAt = &now
		job.Result = nil
		job.Error = protocol.NewExecutionFailed("interrupted by restart")
		if err := m.journal.SaveJob(ctx, job); err != nil {
			return 0, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		m.logger.Info("recovered interrupted job", "job_id", job.ID, "capability", job.CapabilityID)
	}
	return len(unfinished), nil
}

// Wait blocks until every started driver has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels running jobs, failing them, and waits for their drivers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	return m.Wait(ctx)
}

func (m *Manager) lookup(jobID string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	return rec, ok
}

func (m *Manager) expired(job protocol.Job, now time.Time) bool {
	if m.retention <= 0 || !job.State.Terminal() || job.CompletedAt == nil {
		return false
	}
	return !now.Before(job.CompletedAt.Add(m.retention))
}

// persist writes through to the journal. Must be called with rec.mu held.
func (m *Manager) persist(ctx context.Context, job protocol.Job) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveJob(ctx, snapshot(job)); err != nil {
		m.logger.Warn("journal write failed", "job_id", job.ID, "error", err)
	}
}

// emit publishes a lifecycle event. Must be called with rec.mu held.
func (m *Manager) emit(rec *record, typ protocol.EventType, extra map[string]any) {
	if m.emitter == nil {
		return
	}
	rec.seq++
	data := map[string]any{
		"jobId": rec.job.ID,
		"state": string(rec.job.State),
	}
	for k, v := range extra {
		data[k] = v
	}
	m.emitter.Emit(protocol.NewEvent(typ, rec.job.CapabilityID, rec.job.ID, rec.seq, m.clock.Now(), data))
}

func (r *record) id() (jobID, capabilityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.ID, r.job.CapabilityID
}

func snapshot(job protocol.Job) protocol.Job {
	out := job
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
