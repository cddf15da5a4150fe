package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/capgate/internal/builtin"
	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/catalog"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	SkipBind bool
}

// ValidationError is one catalog problem.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid        bool              `json:"valid"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Errors       []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <catalog-dir>",
		Short: "Validate a capability catalog",
		Long: `Validate CUE capability files without starting the gateway.

Checks CUE syntax, the descriptor schema, registration rules (semver
versions, well-formed schemas, permission names) and that every
capability has a built-in handler.

Exit codes:
  0 - Catalog valid
  1 - Catalog invalid
  2 - Command error (directory not found, no .cue files)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipBind, "skip-bind", false, "do not require built-in handlers for every capability")

	return cmd
}

func runValidate(opts *ValidateOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	cat, err := catalog.Load(dir)
	if err != nil {
		var loadErr *catalog.LoadError
		if !errors.As(err, &loadErr) {
			return outputValidateError(formatter, catalog.ErrCodeGeneric, err.Error(), nil)
		}
		if loadErr.Code == catalog.ErrCodeNotFound || loadErr.Code == catalog.ErrCodeNoFiles {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidationErrors(formatter, []ValidationError{toValidationError(loadErr)})
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", len(cat.Files), dir)

	if err := bindCatalog(cat, opts.SkipBind); err != nil {
		return outputValidationErrors(formatter, []ValidationError{toValidationError(err)})
	}

	return outputValidateSuccess(formatter, cat.IDs())
}

// bindCatalog registers cat against the built-in handlers, or against a
// no-op handler per capability when skipBind is set.
func bindCatalog(cat *catalog.Catalog, skipBind bool) error {
	handlers := builtin.Handlers(builtin.NewFiles(nil))
	if skipBind {
		handlers = make(map[string]capability.Handler, len(cat.Capabilities))
		for _, id := range cat.IDs() {
			handlers[id] = capability.Nop
		}
	}
	return catalog.Bind(capability.NewRegistry(), cat, handlers)
}

func toValidationError(err error) ValidationError {
	var loadErr *catalog.LoadError
	if !errors.As(err, &loadErr) {
		return ValidationError{Code: catalog.ErrCodeGeneric, Message: err.Error()}
	}
	ve := ValidationError{Code: loadErr.Code, Message: loadErr.Message}
	if loadErr.Pos.IsValid() {
		ve.File = loadErr.Pos.Filename()
		ve.Line = loadErr.Pos.Line()
	}
	return ve
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, ids []string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Capabilities: ids})
	}

	fmt.Fprintf(formatter.Writer, "✓ Catalog valid (%d capabilities)\n", len(ids))
	for _, id := range ids {
		formatter.VerboseLog("  %s", id)
	}
	return nil
}

// outputValidateError outputs a single command-level error (exit code 2).
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs catalog problems (exit code 1).
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s line %d\n", err.File, err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
