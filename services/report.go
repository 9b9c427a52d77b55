package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"reuni-scraper/models"
	"reuni-scraper/storage"
	"reuni-scraper/utils"
)

// ReasonCount is one rejection reason and how often it occurred.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// SourceSummary aggregates the recent runs of one source.
type SourceSummary struct {
	Source        string           `json:"source"`
	Runs          int              `json:"runs"`
	ByStatus      map[string]int   `json:"by_status"`
	Fetched       int              `json:"fetched"`
	Accepted      int              `json:"accepted"`
	Rejected      int              `json:"rejected"`
	Merged        int              `json:"merged"`
	Retries       int              `json:"retries"`
	LastStatus    models.RunStatus `json:"last_status"`
	LastRunAt     time.Time        `json:"last_run_at"`
	TopRejections []ReasonCount    `json:"top_rejections,omitempty"`
}

// Summary is what the report command prints.
type Summary struct {
	GeneratedAt      time.Time                 `json:"generated_at"`
	TotalEvents      int                       `json:"total_events"`
	UpcomingEvents   int                       `json:"upcoming_events"`
	EventsByCategory map[string]int            `json:"events_by_category"`
	Sources          []SourceSummary           `json:"sources"`
	Health           []models.SourceHealth     `json:"health"`
	Runs             []*models.ScrapeRunReport `json:"runs"`
}

// ReportService builds summaries of recent runs, current health and the catalog.
type ReportService struct {
	runs   storage.RunLog
	health storage.HealthStore
	events storage.EventStore
	loc    *time.Location
	logger *utils.Logger
}

func NewReportService(runs storage.RunLog, health storage.HealthStore, events storage.EventStore, loc *time.Location, logger *utils.Logger) *ReportService {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportService{runs: runs, health: health, events: events, loc: loc, logger: logger}
}

// Generate summarizes the newest limit runs, optionally for one source.
func (s *ReportService) Generate(ctx context.Context, source string, limit int) (*Summary, error) {
	runs, err := s.runs.RecentRuns(ctx, source, limit)
	if err != nil {
		return nil, fmt.Errorf("report: recent runs: %w", err)
	}
	latest, err := s.health.LatestHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: health: %w", err)
	}
	total, err := s.events.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: count events: %w", err)
	}

	now := time.Now().In(s.loc)
	upcoming, err := s.events.Query(ctx, models.EventFilter{Source: source, From: now.Format("2006-01-02")})
	if err != nil {
		return nil, fmt.Errorf("report: upcoming events: %w", err)
	}

	summary := &Summary{
		GeneratedAt:      now,
		TotalEvents:      total,
		UpcomingEvents:   len(upcoming),
		EventsByCategory: make(map[string]int),
		Runs:             runs,
	}
	for _, ev := range upcoming {
		summary.EventsByCategory[ev.Category]++
	}
	for src, h := range latest {
		if source == "" || src == source {
			summary.Health = append(summary.Health, *h)
		}
	}
	sort.Slice(summary.Health, func(i, j int) bool { return summary.Health[i].Source < summary.Health[j].Source })
	summary.Sources = summarizeRuns(runs)

	s.logger.Debug("[report] %d runs, %d health records, %d events", len(runs), len(summary.Health), total)
	return summary, nil
}

// summarizeRuns expects runs newest first.
func summarizeRuns(runs []*models.ScrapeRunReport) []SourceSummary {
	bySource := make(map[string]*SourceSummary)
	reasons := make(map[string]map[string]int)

	for _, r := range runs {
		ss, ok := bySource[r.Source]
		if !ok {
			ss = &SourceSummary{
				Source:     r.Source,
				ByStatus:   make(map[string]int),
				LastStatus: r.Status,
				LastRunAt:  r.StartedAt,
			}
			bySource[r.Source] = ss
			reasons[r.Source] = make(map[string]int)
		}
		ss.Runs++
		ss.ByStatus[string(r.Status)]++
		ss.Fetched += r.RecordsFetched
		ss.Accepted += r.RecordsAccepted
		ss.Rejected += r.RecordsRejected
		ss.Merged += r.RecordsMerged
		ss.Retries += r.RetriesConsumed
		for _, rej := range r.Rejections {
			reasons[r.Source][rej.Reason]++
		}
	}

	out := make([]SourceSummary, 0, len(bySource))
	for src, ss := range bySource {
		ss.TopRejections = topReasons(reasons[src], 3)
		out = append(out, *ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func topReasons(counts map[string]int, n int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, c := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteJSON prints v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiTitle  = "\033[1;35m"
	ansiHeader = "\033[1;33m"
	ansiGreen  = "\033[1;32m"
	ansiRed    = "\033[1;31m"
)

// Print writes the summary as a human-readable report.
func (s *ReportService) Print(w io.Writer, sum *Summary) {
	sep := strings.Repeat("═", 60)
	thin := strings.Repeat("─", 60)

	fmt.Fprintf(w, "\n%s%s%s\n", ansiTitle, sep, ansiReset)
	fmt.Fprintf(w, "%s  REUNI SCRAPER REPORT  %s%s\n", ansiTitle, sum.GeneratedAt.Format("2006-01-02 15:04"), ansiReset)
	fmt.Fprintf(w, "%s%s%s\n\n", ansiTitle, sep, ansiReset)

	fmt.Fprintf(w, "%s  Catalog%s\n", ansiHeader, ansiReset)
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Total events    : %s%d%s\n", ansiBold, sum.TotalEvents, ansiReset)
	fmt.Fprintf(w, "  Upcoming events : %s%d%s\n", ansiBold, sum.UpcomingEvents, ansiReset)
	if len(sum.EventsByCategory) > 0 {
		cats := make([]string, 0, len(sum.EventsByCategory))
		for c := range sum.EventsByCategory {
			cats = append(cats, c)
		}
		sort.Slice(cats, func(i, j int) bool {
			return sum.EventsByCategory[cats[i]] > sum.EventsByCategory[cats[j]] ||
				(sum.EventsByCategory[cats[i]] == sum.EventsByCategory[cats[j]] && cats[i] < cats[j])
		})
		for _, c := range cats {
			n := sum.EventsByCategory[c]
			fmt.Fprintf(w, "    %-14s %s (%d)\n", c, strings.Repeat("█", min(n, 40)), n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s  Structure Health%s\n", ansiHeader, ansiReset)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(sum.Health) == 0 {
		fmt.Fprintf(w, "  No probes recorded\n")
	}
	for _, h := range sum.Health {
		fmt.Fprintf(w, "  %-12s %s %5.1f%%  failures=%d  checked %s\n",
			h.Source, colorState(h.State), h.OverallHealth, h.ConsecutiveFailures,
			h.CheckedAt.In(sum.GeneratedAt.Location()).Format("2006-01-02 15:04"))
		if h.Message != "" {
			fmt.Fprintf(w, "               %s\n", h.Message)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s  Recent Runs%s\n", ansiHeader, ansiReset)
	fmt.Fprintf(w, "  %s\n", thin)
	if len(sum.Sources) == 0 {
		fmt.Fprintf(w, "  No runs recorded\n")
	}
	for _, ss := range sum.Sources {
		fmt.Fprintf(w, "  %s%s%s  runs=%d last=%s at %s\n", ansiBold, ss.Source, ansiReset,
			ss.Runs, colorStatus(ss.LastStatus), ss.LastRunAt.In(sum.GeneratedAt.Location()).Format("2006-01-02 15:04"))
		fmt.Fprintf(w, "    fetched=%d accepted=%d rejected=%d merged=%d retries=%d\n",
			ss.Fetched, ss.Accepted, ss.Rejected, ss.Merged, ss.Retries)
		for _, rc := range ss.TopRejections {
			fmt.Fprintf(w, "    %3d × %s\n", rc.Count, truncate(rc.Reason, 50))
		}
	}

	fmt.Fprintf(w, "\n%s%s%s\n\n", ansiTitle, sep, ansiReset)
}

// PrintRun writes the per-source outcome of one scrape run.
func PrintRun(w io.Writer, res *RunResult) {
	fetched, accepted, rejected, skipped := res.Totals()
	fmt.Fprintf(w, "\n%sRun %s%s\n", ansiTitle, res.RunID, ansiReset)
	for _, r := range res.Reports {
		fmt.Fprintf(w, "  %-12s %-20s fetched=%-4d accepted=%-4d rejected=%-4d merged=%-4d details=%-4d retries=%d (%s)\n",
			r.Source, colorStatus(r.Status), r.RecordsFetched, r.RecordsAccepted, r.RecordsRejected,
			r.RecordsMerged, r.DetailsFetched, r.RetriesConsumed, r.Duration().Round(time.Millisecond))
		for _, n := range r.Notes {
			fmt.Fprintf(w, "               note: %s\n", n)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "               error: %s\n", truncate(r.Error, 100))
		}
	}
	overall := ansiGreen + "PASS" + ansiReset
	if !res.OK() {
		overall = ansiRed + "PARTIAL" + ansiReset
	}
	fmt.Fprintf(w, "  %s  fetched=%d accepted=%d rejected=%d merged=%d skipped=%d\n\n",
		overall, fetched, accepted, rejected, res.Merged(), skipped)
}

func colorStatus(s models.RunStatus) string {
	switch s {
	case models.RunOK:
		return ansiGreen + string(s) + ansiReset
	case models.RunFailed:
		return ansiRed + string(s) + ansiReset
	default:
		return ansiHeader + string(s) + ansiReset
	}
}

func colorState(s models.HealthState) string {
	switch s {
	case models.HealthHealthy:
		return ansiGreen + fmt.Sprintf("%-8s", s) + ansiReset
	case models.HealthFailing:
		return ansiRed + fmt.Sprintf("%-8s", s) + ansiReset
	default:
		return ansiHeader + fmt.Sprintf("%-8s", s) + ansiReset
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
