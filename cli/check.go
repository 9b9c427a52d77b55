package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"reuni-scraper/models"
	"reuni-scraper/services"
)

var errConnectivity = errors.New("one or more sources are unreachable")

type sourceCheck struct {
	Source    string          `json:"source"`
	Reachable bool            `json:"reachable"`
	Health    float64         `json:"health"`
	Landmarks map[string]bool `json:"landmarks,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type checkOutput struct {
	Config  string        `json:"config"`
	Storage string        `json:"storage"`
	Sources []sourceCheck `json:"sources"`
}

func newCheckCmd() *cobra.Command {
	var (
		region  string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, storage and source connectivity",
		Long: `Loads and validates the configuration, pings the configured storage and loads
each source's listing page once. Exits 1 when any of these fail. Nothing is recorded
in the health history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(flagFormat)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.region(region)
			if err != nil {
				return err
			}

			result := checkOutput{Config: "ok", Storage: a.cfg.StorageDriver + ": ok"}
			if err := a.store.Ping(ctx); err != nil {
				return withCode(ExitError, fmt.Errorf("storage ping: %w", err))
			}

			failed := false
			if !offline {
				for _, ex := range a.extractors {
					sc := checkSource(ctx, ex, r, a.cfg.Source(ex.Source()).Timeout)
					if !sc.Reachable {
						failed = true
					}
					result.Sources = append(result.Sources, sc)
				}
			}

			if err := writeCheck(cmd, format, result); err != nil {
				return err
			}
			if failed {
				return withCode(ExitError, errConnectivity)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Region as City,ST (default DEFAULT_REGION)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the source connectivity probes")
	return cmd
}

func checkSource(ctx context.Context, p services.Prober, region models.Region, timeout time.Duration) sourceCheck {
	if timeout > 0 {
		var cancel context.CancelFunc
		// Sympla renders in a browser and may page through the limiter; allow twice the request timeout.
		ctx, cancel = context.WithTimeout(ctx, 2*timeout)
		defer cancel()
	}
	lms, err := p.Probe(ctx, region)
	sc := sourceCheck{Source: p.Source(), Landmarks: lms, Health: models.ComputeHealth(lms)}
	if err != nil {
		sc.Error = err.Error()
		return sc
	}
	sc.Reachable = true
	return sc
}

func writeCheck(cmd *cobra.Command, format OutputFormat, result checkOutput) error {
	out := cmd.OutOrStdout()
	if format == FormatJSON {
		return services.WriteJSON(out, result)
	}
	fmt.Fprintf(out, "config   : %s\n", result.Config)
	fmt.Fprintf(out, "storage  : %s\n", result.Storage)
	for _, sc := range result.Sources {
		if !sc.Reachable {
			fmt.Fprintf(out, "%-9s: FAIL %s\n", sc.Source, sc.Error)
			continue
		}
		var missing []string
		for name, ok := range sc.Landmarks {
			if !ok {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		fmt.Fprintf(out, "%-9s: ok, landmarks %.1f%%", sc.Source, sc.Health)
		if len(missing) > 0 {
			fmt.Fprintf(out, " (missing: %v)", missing)
		}
		fmt.Fprintln(out)
	}
	return nil
}
