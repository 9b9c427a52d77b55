package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"reuni-scraper/services"
)

func newReportCmd() *cobra.Command {
	var (
		limit  int
		source string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recent scrape runs and current source health",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(flagFormat)
			if err != nil {
				return err
			}
			if limit < 1 {
				return withCode(ExitError, fmt.Errorf("--limit must be >= 1, got %d", limit))
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			svc := services.NewReportService(a.store, a.store, a.store, a.loc, a.logger)
			sum, err := svc.Generate(ctx, source, limit)
			if err != nil {
				return withCode(ExitError, err)
			}

			out := cmd.OutOrStdout()
			if format == FormatJSON {
				return services.WriteJSON(out, sum)
			}
			svc.Print(out, sum)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of most recent source runs to include")
	cmd.Flags().StringVar(&source, "source", "", "Only include this source")
	return cmd
}
