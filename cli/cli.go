package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess = 0
	ExitError   = 1 // configuration, storage or connectivity problem
	ExitPartial = 2 // some sources were skipped, degraded or failed
)

var (
	flagLogLevel string
	flagFormat   string
)

// exitError carries the process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code. Untagged errors are ExitError.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

// OutputFormat specifies the output format
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

func parseFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	if f != FormatText && f != FormatJSON {
		return "", withCode(ExitError, fmt.Errorf("invalid format: %s (must be 'text' or 'json')", s))
	}
	return f, nil
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reuni-scraper",
		Short: "Collect public events for a region from Eventbrite and Sympla",
		Long: `Scrapes event listings for a Brazilian region, normalizes and deduplicates them,
stores the catalog in PostgreSQL and tracks the markup health of every source.

Exit codes: 0 success, 1 configuration or connectivity error, 2 partial failure.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "Output format: text or json")

	cmd.AddCommand(newScrapeCmd(), newCheckCmd(), newMonitorCmd(), newReportCmd())
	return cmd
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM arrives, then exits with the mapped code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
