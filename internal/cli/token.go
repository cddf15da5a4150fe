package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/capgate/internal/auth"
	"github.com/roach88/capgate/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	TTL time.Duration
}

// TokenResult is the JSON payload of the token command.
type TokenResult struct {
	Token     string    `json:"token"`
	Principal string    `json:"principal"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a development bearer token",
		Long: `Mint an HS256 bearer token for principal using the configured
auth secret and issuer. Only available in jwt auth mode.

Example:
  CAPGATE_AUTH_SECRET=dev capgate token alice --ttl 1h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintToken(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")

	return cmd
}

func mintToken(opts *TokenOptions, principal string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Mode != config.AuthJWT {
		return NewExitError(ExitCommandError, fmt.Sprintf("token requires auth mode %q, configured mode is %q", config.AuthJWT, cfg.Auth.Mode))
	}

	now := time.Now()
	minter, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure jwt", err)
	}
	token, err := minter.Mint(principal, opts.TTL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to mint token", err)
	}
	formatter.VerboseLog("Minted token for %s, expires in %s", principal, opts.TTL)

	if formatter.Format == "json" {
		return formatter.Success(TokenResult{
			Token:     token,
			Principal: principal,
			ExpiresAt: now.Add(opts.TTL).UTC().Truncate(time.Second),
		})
	}
	fmt.Fprintln(formatter.Writer, token)
	return nil
}
