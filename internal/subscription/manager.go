package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/capgate/internal/ids"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/store"
	"github.com/roach88/capgate/internal/webhook"
)

// Default policy values.
const (
	DefaultDuration      = 3600 * time.Second
	DefaultMaxDuration   = 7 * 24 * time.Hour
	DefaultWorkers       = 4
	DefaultSweepInterval = time.Minute
)

// Catalog answers whether a capability id exists.
// Implemented by capability.Registry.
type Catalog interface {
	Has(id string) bool
}

// Deliverer posts one payload to a callback. Implemented by webhook.Client.
type Deliverer interface {
	Deliver(ctx context.Context, callback string, p webhook.Payload) webhook.Result
}

// DeliveryLog records final delivery outcomes. Implemented by store.Store.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, rec store.DeliveryRecord) error
}

// Delivery is the last delivery outcome of a subscription.
type Delivery struct {
	EventID    string
	Outcome    string
	Attempts   int
	StatusCode int
	At         time.Time
}

type entry struct {
	sub protocol.Subscription // immutable

	mu   sync.Mutex
	last *Delivery
}

type task struct {
	sub   protocol.Subscription
	event protocol.Event
}

// Manager owns subscriptions keyed by id.
//
// Thread-safety: all methods are safe for concurrent use. Subscription
// fields never change after Subscribe, so matching only needs the
// manager's read lock; delivery bookkeeping takes the entry lock.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*entry

	catalog         Catalog
	deliverer       Deliverer
	log             DeliveryLog
	clock           ids.Clock
	idGen           ids.Generator
	defaultDuration time.Duration
	maxDuration     time.Duration
	workers         int
	sweepInterval   time.Duration
	logger          *slog.Logger

	queue *queue[task]
}

// Option configures a Manager.
type Option func(*Manager)

// WithDeliveryLog records every final delivery outcome.
func WithDeliveryLog(l DeliveryLog) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock sets the time source used for expiry.
func WithClock(c ids.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the subscription id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(m *Manager) { m.idGen = g }
}

// WithDefaultDuration sets the lifetime used when a request omits one.
//
// Default: 3600s.
func WithDefaultDuration(d time.Duration) Option {
	return func(m *Manager) { m.defaultDuration = d }
}

// WithMaxDuration caps requested lifetimes.
//
// Default: 7 days.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) { m.maxDuration = d }
}

// WithWorkers sets the number of concurrent delivery workers.
//
// Default: 4.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithSweepInterval sets how often Run removes expired subscriptions.
//
// Default: 1 minute.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a subscription manager that validates capability ids
// against catalog and posts events through deliverer.
func NewManager(catalog Catalog, deliverer Deliverer, opts ...Option) *Manager {
	m := &Manager{
		subs:            make(map[string]*entry),
		catalog:         catalog,
		deliverer:       deliverer,
		clock:           ids.SystemClock{},
		idGen:           ids.Prefixed{Prefix: "sub_", Gen: ids.UUIDv7Generator{}},
		defaultDuration: DefaultDuration,
		maxDuration:     DefaultMaxDuration,
		workers:         DefaultWorkers,
		sweepInterval:   DefaultSweepInterval,
		logger:          slog.Default(),
		queue:           newQueue[task](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	return m
}

// Subscribe validates req and registers a subscription owned by principal.
//
// The callback must be an https URL, every capability id must exist
// (all unknown ids are reported together) and every event type must be
// known. An empty event list subscribes to every event type. A nil
// duration uses the default; a non-positive one is rejected and one
// above the maximum is capped. Nothing is stored unless validation passes.
func (m *Manager) Subscribe(ctx context.Context, principal protocol.Principal, req protocol.SubscribeRequest) (protocol.Subscription, error) {
	if err := webhook.ValidateCallback(req.Callback); err != nil {
		return protocol.Subscription{}, protocol.NewInvalidSubscription(err.Error())
	}
	if len(req.Capabilities) == 0 {
		return protocol.Subscription{}, protocol.NewInvalidSubscription("at least one capability is required")
	}

	capabilities := dedupe(req.Capabilities)
	var unknown []string
	for _, id := range capabilities {
		if !m.catalog.Has(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return protocol.Subscription{}, protocol.NewInvalidSubscription(
			"unknown capabilities: "+strings.Join(unknown, ", ")).
			WithDetail("invalidCapabilities", unknown)
	}

	events := dedupe(req.Events)
	if len(events) == 0 {
		events = slices.Clone(protocol.EventTypes)
	}
	var badEvents []string
	for _, ev := range events {
		if !ev.Known() {
			badEvents = append(badEvents, string(ev))
		}
	}
	if len(badEvents) > 0 {
		return protocol.Subscription{}, protocol.NewInvalidSubscription(
			"unknown event types: "+strings.Join(badEvents, ", ")).
			WithDetail("invalidEvents", badEvents)
	}

	lifetime := m.defaultDuration
	if req.Duration != nil {
		if *req.Duration <= 0 {
			return protocol.Subscription{}, protocol.NewInvalidSubscription(
				fmt.Sprintf("duration must be positive, got %d", *req.Duration))
		}
		lifetime = secondsToDuration(*req.Duration)
	}
	if m.maxDuration > 0 && lifetime > m.maxDuration {
		lifetime = m.maxDuration
	}

	now := m.clock.Now()
	sub := protocol.Subscription{
		ID:           m.idGen.Generate(),
		Owner:        principal.ID,
		Capabilities: capabilities,
		Events:       events,
		Callback:     req.Callback,
		CreatedAt:    now,
		ExpiresAt:    now.Add(lifetime),
	}

	m.mu.Lock()
	m.subs[sub.ID] = &entry{sub: sub}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"owner", sub.Owner,
		"callback", webhook.StripCredentials(sub.Callback),
		"expires_at", sub.ExpiresAt)
	return cloneSubscription(sub), nil
}

// secondsToDuration converts a positive second count, saturating instead of
// overflowing.
func secondsToDuration(secs int) time.Duration {
	if int64(secs) > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}

// Unsubscribe removes a subscription owned by principal. Unknown, expired
// and foreign subscriptions report subscription_not_found.
func (m *Manager) Unsubscribe(ctx context.Context, principal protocol.Principal, id string) error {
	now := m.clock.Now()

	m.mu.Lock()
	e, ok := m.subs[id]
	if !ok || e.sub.Owner != principal.ID || !e.sub.ActiveAt(now) {
		m.mu.Unlock()
		return protocol.NewSubscriptionNotFound(id)
	}
	delete(m.subs, id)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "subscription removed", "subscription_id", id, "owner", principal.ID)
	return nil
}

// Get returns an active subscription owned by principal.
func (m *Manager) Get(principal protocol.Principal, id string) (protocol.Subscription, error) {
	m.mu.RLock()
	e, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok || e.sub.Owner != principal.ID || !e.sub.ActiveAt(m.clock.Now()) {
		return protocol.Subscription{}, protocol.NewSubscriptionNotFound(id)
	}
	return cloneSubscription(e.sub), nil
}

// List returns the active subscriptions owned by principal, oldest first.
func (m *Manager) List(principal protocol.Principal) []protocol.Subscription {
	now := m.clock.Now()

	m.mu.RLock()
	out := make([]protocol.Subscription, 0)
	for _, e := range m.subs {
		if e.sub.Owner == principal.ID && e.sub.ActiveAt(now) {
			out = append(out, cloneSubscription(e.sub))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b protocol.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// LastDelivery returns the most recent delivery outcome of a subscription.
func (m *Manager) LastDelivery(id string) (Delivery, bool) {
	m.mu.RLock()
	e, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return Delivery{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Delivery{}, false
	}
	return *e.last, true
}

// Len returns the number of subscriptions held in memory, expired or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Pending returns the number of deliveries waiting for a worker.
func (m *Manager) Pending() int {
	return m.queue.Len()
}

// Emit queues a delivery for every active subscription matching the
// event's capability and type. It never blocks. Events emitted after
// Close are dropped.
func (m *Manager) Emit(ev protocol.Event) {
	now := m.clock.Now()

	m.mu.RLock()
	var matched []protocol.Subscription
	for _, e := range m.subs {
		if matches(e.sub, ev, now) {
			matched = append(matched, e.sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range matched {
		if !m.queue.Enqueue(task{sub: sub, event: ev}) {
			m.logger.Debug("event dropped after close",
				"event_id", ev.ID,
				"subscription_id", sub.ID)
			return
		}
	}
}

// Sweep removes expired subscriptions and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	removed := 0
	for id, e := range m.subs {
		if !e.sub.ActiveAt(now) {
			delete(m.subs, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("swept expired subscriptions", "count", removed)
	}
	return removed
}

// Run drains the delivery queue with the configured number of workers and
// sweeps expired subscriptions periodically. It returns nil once Close has
// been called and every queued delivery was attempted, or ctx.Err() when
// ctx is cancelled first.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error { return m.work(gctx) })
	}

	sweepCtx, stopSweep := context.WithCancel(gctx)
	defer stopSweep()
	go m.sweepLoop(sweepCtx)

	err := g.Wait()
	m.logger.Info("delivery workers stopped", "pending", m.queue.Len())
	return err
}

// Close stops accepting events. Queued deliveries are still attempted by
// a running Run.
func (m *Manager) Close() {
	m.queue.Close()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	if m.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) work(ctx context.Context) error {
	for {
		if t, ok := m.queue.TryDequeue(); ok {
			m.deliver(ctx, t)
			continue
		}
		if m.queue.Drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.Wait():
		}
	}
}

func (m *Manager) deliver(ctx context.Context, t task) {
	payload := webhook.Payload{
		EventID:        t.event.ID,
		SubscriptionID: t.sub.ID,
		Type:           string(t.event.Type),
		Capability:     t.event.CapabilityID,
		OccurredAt:     t.event.OccurredAt,
		Data:           t.event.Data,
	}
	res := m.deliverer.Deliver(ctx, t.sub.Callback, payload)

	outcome := store.OutcomeDelivered
	var lastErr string
	if !res.Delivered() {
		outcome = store.OutcomeAbandoned
		lastErr = res.Err.Error()
		m.logger.Warn("webhook delivery abandoned",
			"subscription_id", t.sub.ID,
			"event_id", t.event.ID,
			"event_type", string(t.event.Type),
			"callback", webhook.StripCredentials(t.sub.Callback),
			"attempts", res.Attempts,
			"status_code", res.StatusCode,
			"error", res.Err)
	}

	now := m.clock.Now()
	m.mu.RLock()
	e, ok := m.subs[t.sub.ID]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.last = &Delivery{
			EventID:    t.event.ID,
			Outcome:    outcome,
			Attempts:   res.Attempts,
			StatusCode: res.StatusCode,
			At:         now,
		}
		e.mu.Unlock()
	}

	if m.log == nil {
		return
	}
	rec := store.DeliveryRecord{
		SubscriptionID: t.sub.ID,
		EventID:        t.event.ID,
		EventType:      string(t.event.Type),
		Callback:       webhook.StripCredentials(t.sub.Callback),
		Outcome:        outcome,
		Attempts:       res.Attempts,
		StatusCode:     res.StatusCode,
		LastError:      lastErr,
		RecordedAt:     now,
	}
	// Record even when ctx was cancelled mid-delivery.
	if err := m.log.RecordDelivery(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("delivery log write failed",
			"subscription_id", t.sub.ID,
			"event_id", t.event.ID,
			"error", err)
	}
}

func matches(sub protocol.Subscription, ev protocol.Event, now time.Time) bool {
	return sub.ActiveAt(now) &&
		slices.Contains(sub.Capabilities, ev.CapabilityID) &&
		slices.Contains(sub.Events, ev.Type)
}

func dedupe[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	seen := make(map[T]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func cloneSubscription(sub protocol.Subscription) protocol.Subscription {
	out := sub
	out.Capabilities = slices.Clone(sub.Capabilities)
	out.Events = slices.Clone(sub.Events)
	return out
}
