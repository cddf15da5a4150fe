package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/capgate/internal/auth"
	"github.com/roach88/capgate/internal/authz"
	"github.com/roach88/capgate/internal/batch"
	"github.com/roach88/capgate/internal/builtin"
	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/catalog"
	"github.com/roach88/capgate/internal/config"
	"github.com/roach88/capgate/internal/engine"
	"github.com/roach88/capgate/internal/ids"
	"github.com/roach88/capgate/internal/jobs"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
	"github.com/roach88/capgate/internal/store"
	"github.com/roach88/capgate/internal/subscription"
	"github.com/roach88/capgate/internal/webhook"
)

// DefaultShutdownTimeout bounds how long Run waits for running jobs and
// queued deliveries after cancellation.
const DefaultShutdownTimeout = 10 * time.Second

// Runtime is a fully wired gateway and the components behind it.
type Runtime struct {
	Config        config.Config
	Gateway       *Gateway
	Registry      *capability.Registry
	Engine        *engine.Engine
	Jobs          *jobs.Manager
	Subscriptions *subscription.Manager
	Batch         *batch.Coordinator
	Files         *builtin.Files
	Authenticator auth.Authenticator

	// Store is nil unless a database is configured.
	Store *store.Store

	logger          *slog.Logger
	shutdownTimeout time.Duration
}

type assembly struct {
	logger          *slog.Logger
	clock           ids.Clock
	jobIDs          ids.Generator
	subscriptionIDs ids.Generator
	requestIDs      ids.Generator
	handlers        map[string]capability.Handler
	builtinOpts     []builtin.Option
	files           map[string]string
	httpClient      *http.Client
	shutdownTimeout time.Duration
}

// AssembleOption customises Assemble.
type AssembleOption func(*assembly)

// WithRuntimeLogger sets the logger passed to every component.
func WithRuntimeLogger(l *slog.Logger) AssembleOption {
	return func(a *assembly) { a.logger = l }
}

// WithClock sets the clock shared by jobs, subscriptions and the engine.
func WithClock(c ids.Clock) AssembleOption {
	return func(a *assembly) { a.clock = c }
}

// WithIDGenerators replaces the job, subscription and request id
// generators. A nil generator keeps the default.
func WithIDGenerators(jobIDs, subscriptionIDs, requestIDs ids.Generator) AssembleOption {
	return func(a *assembly) {
		a.jobIDs = jobIDs
		a.subscriptionIDs = subscriptionIDs
		a.requestIDs = requestIDs
	}
}

// WithHandlers adds capability handlers. They take precedence over
// built-in handlers with the same id, with or without a catalog.
func WithHandlers(h map[string]capability.Handler) AssembleOption {
	return func(a *assembly) { a.handlers = h }
}

// WithBuiltinOptions configures the built-in handlers.
func WithBuiltinOptions(opts ...builtin.Option) AssembleOption {
	return func(a *assembly) { a.builtinOpts = opts }
}

// WithFiles seeds the built-in file table.
//
// Default: builtin.DefaultFiles().
func WithFiles(seed map[string]string) AssembleOption {
	return func(a *assembly) { a.files = seed }
}

// WithWebhookHTTPClient sets the client used for webhook delivery.
func WithWebhookHTTPClient(hc *http.Client) AssembleOption {
	return func(a *assembly) { a.httpClient = hc }
}

// WithShutdownTimeout sets how long Run waits while stopping.
//
// Default: 10 seconds (DefaultShutdownTimeout).
func WithShutdownTimeout(d time.Duration) AssembleOption {
	return func(a *assembly) { a.shutdownTimeout = d }
}

// Assemble wires a Runtime from cfg. The configuration is validated first.
// When a database is configured, jobs interrupted by a previous process
// are marked failed before Assemble returns.
func Assemble(ctx context.Context, cfg config.Config, opts ...AssembleOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &assembly{
		logger:          slog.Default(),
		clock:           ids.SystemClock{},
		files:           builtin.DefaultFiles(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	rt := &Runtime{
		Config:          cfg,
		Files:           builtin.NewFiles(a.files),
		logger:          a.logger,
		shutdownTimeout: a.shutdownTimeout,
	}

	authn, err := newAuthenticator(cfg.Auth, a.clock)
	if err != nil {
		return nil, err
	}
	rt.Authenticator = authn

	reg, err := newRegistry(cfg.Catalog, rt.Files, a)
	if err != nil {
		return nil, err
	}
	rt.Registry = reg

	if cfg.Database != "" {
		st, err := store.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		rt.Store = st
	}

	client := webhook.NewClient(webhook.Config{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, webhookOptions(a)...)

	subOpts := []subscription.Option{
		subscription.WithClock(a.clock),
		subscription.WithDefaultDuration(cfg.Subscriptions.DefaultDuration),
		subscription.WithMaxDuration(cfg.Subscriptions.MaxDuration),
		subscription.WithWorkers(cfg.Subscriptions.Workers),
		subscription.WithSweepInterval(cfg.Jobs.SweepInterval),
		subscription.WithLogger(a.logger),
	}
	if a.subscriptionIDs != nil {
		subOpts = append(subOpts, subscription.WithIDGenerator(a.subscriptionIDs))
	}
	if rt.Store != nil {
		subOpts = append(subOpts, subscription.WithDeliveryLog(rt.Store))
	}
	rt.Subscriptions = subscription.NewManager(reg, client, subOpts...)

	jobOpts := []jobs.Option{
		jobs.WithClock(a.clock),
		jobs.WithTimeout(cfg.Jobs.Timeout),
		jobs.WithRetention(cfg.Jobs.Retention),
		jobs.WithStatusLocation(cfg.Jobs.StatusLocation),
		jobs.WithEmitter(rt.Subscriptions),
		jobs.WithLogger(a.logger),
	}
	if a.jobIDs != nil {
		jobOpts = append(jobOpts, jobs.WithIDGenerator(a.jobIDs))
	}
	if rt.Store != nil {
		jobOpts = append(jobOpts, jobs.WithJournal(rt.Store))
	}
	rt.Jobs = jobs.NewManager(jobOpts...)

	if rt.Store != nil {
		n, err := rt.Jobs.Recover(ctx)
		if err != nil {
			_ = rt.Store.Close()
			return nil, fmt.Errorf("recover jobs: %w", err)
		}
		if n > 0 {
			a.logger.Info("marked interrupted jobs failed", "count", n)
		}
	}

	engineOpts := []engine.Option{
		engine.WithEmitter(rt.Subscriptions),
		engine.WithClock(a.clock),
		engine.WithLogger(a.logger),
	}
	if a.requestIDs != nil {
		engineOpts = append(engineOpts, engine.WithRequestIDs(a.requestIDs))
	}
	rt.Engine = engine.New(
		reg,
		authz.New(authz.NewStaticProvider(cfg.Permissions)),
		schema.NewValidator(schema.WithStrict(cfg.Schema.Strict)),
		rt.Jobs,
		engineOpts...,
	)

	rt.Batch = batch.New(rt.Engine,
		batch.WithMaxOperations(cfg.Batch.MaxOperations),
		batch.WithParallelism(cfg.Batch.Parallelism),
		batch.WithLogger(a.logger),
	)

	rt.Gateway = New(protocol.Metadata{
		AppName:    cfg.AppName,
		AppVersion: cfg.AppVersion,
	}, Services{
		Auth:          authn,
		Catalog:       reg,
		Engine:        rt.Engine,
		Jobs:          rt.Jobs,
		Batch:         rt.Batch,
		Subscriptions: rt.Subscriptions,
	}, WithLogger(a.logger))

	return rt, nil
}

// Run drives the background loops until ctx is cancelled: the job sweeper
// and the webhook delivery workers. On cancellation running jobs are
// failed and queued deliveries get the shutdown timeout to drain.
func (r *Runtime) Run(ctx context.Context) error {
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.Jobs.Run(gctx, r.Config.Jobs.SweepInterval); gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := r.Subscriptions.Run(drainCtx); drainCtx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		time.AfterFunc(r.shutdownTimeout, cancelDrain)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.shutdownTimeout)
		defer cancel()
		err := r.Jobs.Shutdown(shutdownCtx)
		r.Subscriptions.Close()
		if err != nil {
			return fmt.Errorf("stop jobs: %w", err)
		}
		return nil
	})

	err := g.Wait()
	r.logger.Info("runtime stopped")
	return err
}

// Close releases the database. Call it after Run has returned, or instead
// of Run when the background loops were never started.
func (r *Runtime) Close() error {
	r.Subscriptions.Close()
	if r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

func newAuthenticator(cfg config.AuthConfig, clock ids.Clock) (auth.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthStatic:
		return auth.StaticAuthenticator(maps.Clone(cfg.Tokens)), nil
	default:
		a, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Secret: []byte(cfg.Secret),
			Issuer: cfg.Issuer,
			Now:    clock.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("configure jwt: %w", err)
		}
		return a, nil
	}
}

func newRegistry(dir string, files *builtin.Files, a *assembly) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	handlers := builtin.Handlers(files, a.builtinOpts...)
	maps.Copy(handlers, a.handlers)
	if dir == "" {
		if err := builtin.Register(reg, handlers); err != nil {
			return nil, err
		}
		return reg, nil
	}

	cat, err := catalog.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := catalog.Bind(reg, cat, handlers); err != nil {
		return nil, fmt.Errorf("bind catalog: %w", err)
	}
	a.logger.Debug("catalog loaded", "dir", dir, "files", len(cat.Files), "capabilities", len(cat.Capabilities))
	return reg, nil
}

func webhookOptions(a *assembly) []webhook.Option {
	opts := []webhook.Option{webhook.WithLogger(a.logger)}
	if a.httpClient != nil {
		opts = append(opts, webhook.WithHTTPClient(a.httpClient))
	}
	return opts
}
