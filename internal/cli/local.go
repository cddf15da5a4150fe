package cli

import (
	"context"
	"log/slog"
	"maps"

	"github.com/roach88/capgate/internal/config"
	"github.com/roach88/capgate/internal/gateway"
)

// localToken is the credential in-process commands present to the gateway.
const localToken = "capgate-cli"

// DefaultPrincipal is the identity of in-process invocations.
const DefaultPrincipal = "cli"

// localGateway is a runtime assembled inside the CLI process with static
// authentication, so commands work without a JWT secret.
type localGateway struct {
	rt     *gateway.Runtime
	logger *slog.Logger
	stop   context.CancelFunc
	done   chan error
}

// localOverrides switches cfg to static auth for principal and adds
// grants to the principal's configured permissions.
func localOverrides(principal, catalog string, grants []string) []config.Override {
	overrides := []config.Override{func(c *config.Config) {
		c.Auth = config.AuthConfig{
			Mode:   config.AuthStatic,
			Tokens: map[string]string{localToken: principal},
		}
		if len(grants) == 0 {
			return
		}
		perms := maps.Clone(c.Permissions)
		if perms == nil {
			perms = make(map[string][]string, 1)
		}
		perms[principal] = append(append([]string(nil), perms[principal]...), grants...)
		c.Permissions = perms
	}}
	if catalog != "" {
		overrides = append(overrides, func(c *config.Config) { c.Catalog = catalog })
	}
	return overrides
}

// startLocal assembles a runtime and starts its background loops.
func startLocal(ctx context.Context, opts *RootOptions, logger *slog.Logger, overrides []config.Override) (*localGateway, error) {
	cfg, err := opts.LoadConfig(overrides...)
	if err != nil {
		return nil, err
	}
	rt, err := gateway.Assemble(ctx, cfg, gateway.WithRuntimeLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to assemble gateway", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	lg := &localGateway{rt: rt, logger: logger, stop: stop, done: make(chan error, 1)}
	go func() { lg.done <- rt.Run(runCtx) }()
	return lg, nil
}

// Close stops the background loops and releases the runtime. Errors are
// logged; the command's own outcome has already been reported.
func (lg *localGateway) Close() {
	lg.stop()
	if err := <-lg.done; err != nil {
		lg.logger.Error("error stopping gateway", "error", err)
	}
	if err := lg.rt.Close(); err != nil {
		lg.logger.Error("error closing gateway", "error", err)
	}
}
