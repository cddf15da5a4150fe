package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/capgate/internal/protocol"
)

// pollInterval is how often invoke polls an async job.
const pollInterval = 20 * time.Millisecond

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Params      string
	Principal   string
	Grants      []string
	RequestID   string
	Catalog     string
	Wait        bool
	WaitTimeout time.Duration
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <capability>",
		Short: "Invoke a capability in-process",
		Long: `Invoke a capability against a gateway assembled inside this process.

The call runs through the same resolve, authorize and validate pipeline as
the HTTP gateway. The principal gets the permissions configured for it plus
any --grant values. Async capabilities are polled until the job finishes
unless --wait=false is given.

Example:
  capgate invoke file.read --params '{"path":"/demo/readme.txt"}' --grant file.read
  capgate invoke image.process --grant media.edit \
    --params '{"imageId":"img-1","operations":[{"type":"resize"}]}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeCapability(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Params, "params", "{}", "capability parameters as a JSON object")
	cmd.Flags().StringVar(&opts.Principal, "principal", DefaultPrincipal, "principal id to invoke as")
	cmd.Flags().StringSliceVar(&opts.Grants, "grant", nil, "permission granted to the principal (repeatable)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "catalog directory (overrides configuration)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", true, "wait for async jobs to finish")
	cmd.Flags().DurationVar(&opts.WaitTimeout, "wait-timeout", time.Minute, "how long to wait for an async job")

	return cmd
}

func invokeCapability(opts *InvokeOptions, capabilityID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(opts.Params), &params); err != nil {
		return WrapExitError(ExitCommandError, "invalid --params JSON", err)
	}

	ctx := cmd.Context()
	lg, err := startLocal(ctx, opts.RootOptions, opts.Logger(cmd.ErrOrStderr()), localOverrides(opts.Principal, opts.Catalog, opts.Grants))
	if err != nil {
		return err
	}
	defer lg.Close()

	req := protocol.ExecuteRequest{Parameters: params}
	if opts.RequestID != "" {
		req.Context = &protocol.InvocationContext{RequestID: opts.RequestID}
	}

	resp, err := lg.rt.Gateway.Execute(ctx, localToken, capabilityID, req)
	if err != nil {
		return formatter.GatewayError(err)
	}
	if resp.Status != protocol.StatusAccepted || !opts.Wait {
		return outputInvoke(formatter, resp)
	}

	formatter.VerboseLog("Job %s accepted, waiting", resp.JobID)
	job, err := waitForJob(ctx, lg, resp.JobID, opts.WaitTimeout)
	if err != nil {
		return formatter.GatewayError(err)
	}
	if err := outputInvoke(formatter, job); err != nil {
		return err
	}
	if job.Status == protocol.JobFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("job %s failed", job.JobID))
	}
	return nil
}

// waitForJob polls until the job is terminal or timeout elapses.
func waitForJob(ctx context.Context, lg *localGateway, jobID string, timeout time.Duration) (protocol.JobStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := lg.rt.Gateway.JobStatus(ctx, localToken, jobID)
		if err != nil {
			return protocol.JobStatusResponse{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return protocol.JobStatusResponse{}, protocol.NewJobTimeout(timeout.String())
		case <-ticker.C:
		}
	}
}

func outputInvoke(formatter *OutputFormatter, v any) error {
	if formatter.Format == "json" {
		return formatter.Success(v)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Fprintln(formatter.Writer, string(out))
	return nil
}
