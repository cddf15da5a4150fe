package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/capgate/internal/protocol"
)

// DiscoverOptions holds flags for the discover command.
type DiscoverOptions struct {
	*RootOptions
	Version string
	Catalog string
}

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the capabilities the gateway exposes",
		Long: `List capability descriptors as discovery returns them.

Without --catalog the configured catalog is used; without either, the
built-in demo capabilities are listed.

Example:
  capgate discover
  capgate discover --catalog ./capabilities --version "^1.0" --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Version, "version", "", "semver constraint on capability versions")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog directory (overrides configuration)")

	return cmd
}

func runDiscover(opts *DiscoverOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ctx := cmd.Context()
	lg, err := startLocal(ctx, opts.RootOptions, opts.Logger(cmd.ErrOrStderr()), localOverrides(DefaultPrincipal, opts.Catalog, nil))
	if err != nil {
		return err
	}
	defer lg.Close()

	resp, err := lg.rt.Gateway.Discover(ctx, opts.Version)
	if err != nil {
		return formatter.GatewayError(err)
	}
	formatter.VerboseLog("Discovered %d capability(ies)", len(resp.Capabilities))

	if formatter.Format == "json" {
		return formatter.Success(resp)
	}
	return writeCapabilities(formatter, resp)
}

// writeCapabilities prints one row per capability.
func writeCapabilities(f *OutputFormatter, resp protocol.DiscoverResponse) error {
	fmt.Fprintf(f.Writer, "%s %s (protocol %s)\n", resp.Metadata.AppName, resp.Metadata.AppVersion, resp.Metadata.ProtocolVersion)
	if len(resp.Capabilities) == 0 {
		fmt.Fprintln(f.Writer, "No capabilities found.")
		return nil
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tMODE\tPERMISSIONS")
	for _, c := range resp.Capabilities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Version, c.Mode, strings.Join(c.Permissions, ","))
	}
	return tw.Flush()
}
