package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"reuni-scraper/metrics"
	"reuni-scraper/models"
	"reuni-scraper/services"
)

var errUnhealthy = errors.New("one or more sources are not healthy")

func newMonitorCmd() *cobra.Command {
	var (
		checkSites bool
		reset      string
		watch      bool
		region     string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Inspect or probe the structure health of every source",
		Long: `Without flags, prints the last recorded health of every source.
--check-sites probes every source now and records the outcome.
--reset=<source> clears a failing source so the next scrape runs it again.
--watch probes on PROBE_SCHEDULE until interrupted, serving /metrics and /healthz on METRICS_ADDR.`,
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
			out := cmd.OutOrStdout()

			switch {
			case reset != "":
				if _, ok := a.extractor(reset); !ok {
					return withCode(ExitError, fmt.Errorf("unknown or disabled source %q", reset))
				}
				h, err := a.monitor.Reset(ctx, reset)
				if err != nil {
					return withCode(ExitError, err)
				}
				return writeHealth(out, format, []models.SourceHealth{h})

			case watch:
				return runWatch(ctx, a, r)

			case checkSites:
				sched := services.NewMonitorScheduler(ctx, a.monitor, a.probers(), r, a.loc, a.logger)
				results := sched.RunOnce(ctx)
				if err := writeHealth(out, format, results); err != nil {
					return err
				}
				for _, h := range results {
					if h.State != models.HealthHealthy {
						return withCode(ExitPartial, errUnhealthy)
					}
				}
				return nil

			default:
				sources := make([]string, 0, len(a.extractors))
				for _, ex := range a.extractors {
					sources = append(sources, ex.Source())
				}
				return writeHealth(out, format, healthList(a.monitor, sources))
			}
		},
	}
	cmd.Flags().BoolVar(&checkSites, "check-sites", false, "Probe every source now")
	cmd.Flags().StringVar(&reset, "reset", "", "Reset the health of one source")
	cmd.Flags().BoolVar(&watch, "watch", false, "Probe on PROBE_SCHEDULE until interrupted and serve metrics")
	cmd.Flags().StringVar(&region, "region", "", "Region as City,ST (default DEFAULT_REGION)")
	cmd.MarkFlagsMutuallyExclusive("check-sites", "reset", "watch")
	return cmd
}

func runWatch(ctx context.Context, a *app, region models.Region) error {
	sched := services.NewMonitorScheduler(ctx, a.monitor, a.probers(), region, a.loc, a.logger)
	if _, err := sched.Schedule(a.cfg.ProbeSchedule); err != nil {
		return withCode(ExitError, fmt.Errorf("invalid PROBE_SCHEDULE %q: %w", a.cfg.ProbeSchedule, err))
	}

	srv := metrics.NewServer(a.cfg.MetricsAddr, a.metrics, a.store.Ping)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sched.Start()
	a.logger.Info("[monitor] Watching %d sources on %q, metrics on %s", len(a.extractors), a.cfg.ProbeSchedule, a.cfg.MetricsAddr)

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("[monitor] Shutting down")
	case err = <-serveErr:
		a.logger.Error("[monitor] metrics server: %v", err)
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("[monitor] metrics shutdown: %v", serr)
	}
	if err != nil {
		return withCode(ExitError, err)
	}
	return nil
}

// healthList returns every source the monitor holds state for, plus an Unknown entry for each
// enabled source never checked, sorted by name.
func healthList(m *services.StructureMonitor, enabled []string) []models.SourceHealth {
	snap := m.Snapshot()
	for _, src := range enabled {
		if _, ok := snap[src]; !ok {
			snap[src] = m.Status(src)
		}
	}
	list := make([]models.SourceHealth, 0, len(snap))
	for _, h := range snap {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Source < list[j].Source })
	return list
}

func writeHealth(w io.Writer, format OutputFormat, list []models.SourceHealth) error {
	if format == FormatJSON {
		return services.WriteJSON(w, list)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Source < list[j].Source })
	for _, h := range list {
		checked := "never"
		if !h.CheckedAt.IsZero() {
			checked = h.CheckedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-12s %-9s %5.1f%%  failures=%d  checked=%s\n",
			h.Source, h.State, h.OverallHealth, h.ConsecutiveFailures, checked)
		if h.Message != "" {
			fmt.Fprintf(w, "             %s\n", h.Message)
		}
	}
	return nil
}
