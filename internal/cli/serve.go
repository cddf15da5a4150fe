package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/capgate/internal/config"
	"github.com/roach88/capgate/internal/gateway"
	"github.com/roach88/capgate/internal/httpapi"
	"github.com/roach88/capgate/internal/telemetry"
)

// readHeaderTimeout bounds slow clients sending request headers.
const readHeaderTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	Catalog string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: `Start the capability gateway over HTTP.

Configuration is read from --config and CAPGATE_* environment variables.
The gateway stops on SIGINT or SIGTERM; running jobs and queued webhook
deliveries are given the shutdown timeout to finish.

Example:
  capgate serve --config capgate.yaml
  CAPGATE_AUTH_SECRET=dev capgate serve --listen :9090 --catalog ./capabilities`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides configuration)")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog directory (overrides configuration)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())

	var overrides []config.Override
	if opts.Listen != "" {
		overrides = append(overrides, func(c *config.Config) { c.Listen = opts.Listen })
	}
	if opts.Catalog != "" {
		overrides = append(overrides, func(c *config.Config) { c.Catalog = opts.Catalog })
	}
	cfg, err := opts.LoadConfig(overrides...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure telemetry", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	rt, err := gateway.Assemble(ctx, cfg, gateway.WithRuntimeLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble gateway", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("error closing gateway", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	logger.Info("gateway listening",
		"addr", ln.Addr().String(),
		"capabilities", rt.Registry.Len(),
		"auth_mode", cfg.Auth.Mode,
	)
	if err := serve(ctx, rt, ln, logger); err != nil {
		return WrapExitError(ExitFailure, "gateway error", err)
	}
	logger.Info("gateway stopped gracefully")
	return nil
}

// serve runs the HTTP server and the runtime's background loops until ctx
// is cancelled, then shuts both down.
func serve(ctx context.Context, rt *gateway.Runtime, ln net.Listener, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           httpapi.NewHandler(rt.Gateway, httpapi.WithLogger(logger)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.Config.Webhook.RequestTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
