package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"reuni-scraper/config"
	"reuni-scraper/metrics"
	"reuni-scraper/models"
	"reuni-scraper/scraper"
	"reuni-scraper/storage"
	"reuni-scraper/utils"
)

const (
	storeAttempts = 3
	storeTimeout  = 10 * time.Second
)

// AuditSink receives every finished report, e.g. a CSV audit file.
type AuditSink interface {
	WriteRun(r *models.ScrapeRunReport) error
}

// Orchestrator drives one scrape run: health gate, fetch under retry, process, persist, report.
type Orchestrator struct {
	cfg        *config.Config
	extractors []scraper.Extractor
	monitor    *StructureMonitor
	processor  *EventProcessor
	store      storage.EventStore
	logger     *utils.Logger

	// Optional sinks.
	RunLog  storage.RunLog
	Audit   AuditSink
	Metrics *metrics.Metrics

	// Now stamps report times.
	Now func() time.Time
}

// NewOrchestrator wires the run pipeline. extractors are scraped in the given order.
func NewOrchestrator(cfg *config.Config, extractors []scraper.Extractor, monitor *StructureMonitor, processor *EventProcessor, store storage.EventStore, logger *utils.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		extractors: extractors,
		monitor:    monitor,
		processor:  processor,
		store:      store,
		logger:     logger,
		Now:        time.Now,
	}
}

// RunOptions selects what one run scrapes.
type RunOptions struct {
	Sources []string // empty means every configured extractor
	Region  models.Region
}

// RunResult collects the per-source reports of one run.
type RunResult struct {
	RunID       string
	Reports     []*models.ScrapeRunReport
	StorageDown bool
}

// OK reports whether every source finished with status ok.
func (r *RunResult) OK() bool {
	for _, rep := range r.Reports {
		if rep.Status != models.RunOK {
			return false
		}
	}
	return !r.StorageDown
}

// Totals sums the counters across sources.
func (r *RunResult) Totals() (fetched, accepted, rejected, skipped int) {
	for _, rep := range r.Reports {
		fetched += rep.RecordsFetched
		accepted += rep.RecordsAccepted
		rejected += rep.RecordsRejected
		if rep.Status == models.RunSkipped {
			skipped++
		}
	}
	return fetched, accepted, rejected, skipped
}

// Merged sums the in-batch duplicates folded away across sources.
func (r *RunResult) Merged() int {
	n := 0
	for _, rep := range r.Reports {
		n += rep.RecordsMerged
	}
	return n
}

// Select returns the extractors named in ids, in configured order. Unknown ids are an error.
func (o *Orchestrator) Select(ids []string) ([]scraper.Extractor, error) {
	if len(ids) == 0 {
		return o.extractors, nil
	}
	byID := make(map[string]scraper.Extractor, len(o.extractors))
	for _, ex := range o.extractors {
		byID[ex.Source()] = ex
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("orchestrator: unknown or disabled source %q", id)
		}
		want[id] = true
	}
	var out []scraper.Extractor
	for _, ex := range o.extractors {
		if want[ex.Source()] {
			out = append(out, ex)
		}
	}
	return out, nil
}

// Run scrapes the selected sources concurrently, bounded by MaxConcurrency. Health is
// read once per source at its start. Cancelling ctx abandons in-flight requests, but
// records already returned are still processed and persisted.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	extractors, err := o.Select(opts.Sources)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		RunID:   uuid.NewString(),
		Reports: make([]*models.ScrapeRunReport, len(extractors)),
	}
	log := o.logger.With("run_id", result.RunID)
	log.Info("[orchestrator] Run started: %d sources, region %s", len(extractors), opts.Region)

	var storageDown atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(max(o.cfg.MaxConcurrency, 1))
	for i, ex := range extractors {
		g.Go(func() error {
			result.Reports[i] = o.runSource(ctx, result.RunID, ex, opts.Region, &storageDown, log)
			return nil
		})
	}
	_ = g.Wait()

	result.StorageDown = storageDown.Load()
	fetched, accepted, rejected, skipped := result.Totals()
	log.Info("[orchestrator] Run finished: fetched=%d accepted=%d rejected=%d skipped=%d",
		fetched, accepted, rejected, skipped)
	return result, nil
}

func (o *Orchestrator) runSource(ctx context.Context, runID string, ex scraper.Extractor, region models.Region, storageDown *atomic.Bool, log *utils.Logger) *models.ScrapeRunReport {
	source := ex.Source()
	log = log.With("source", source)
	health := o.monitor.Status(source)

	report := &models.ScrapeRunReport{
		RunID:         runID,
		Source:        source,
		Region:        region.String(),
		StartedAt:     o.Now(),
		HealthAtStart: health.State,
	}
	defer o.finish(report, log)

	switch health.State {
	case models.HealthFailing:
		report.Status = models.RunSkipped
		report.Notes = append(report.Notes, fmt.Sprintf("skipped: degraded source (health %.1f%%, %d consecutive failures)",
			health.OverallHealth, health.ConsecutiveFailures))
		log.Warn("[orchestrator] Skipping %s: structure monitor reports failing", source)
		return report
	case models.HealthDegraded:
		report.Notes = append(report.Notes, fmt.Sprintf("warning: source health degraded (%.1f%%)", health.OverallHealth))
	}

	if err := ctx.Err(); err != nil {
		report.Status = models.RunFailed
		report.Error = err.Error()
		return report
	}

	records, attempts, fetchErr := o.fetch(ctx, ex, region, log)
	report.FetchAttempts = attempts
	report.RetriesConsumed = max(attempts-1, 0)
	report.RecordsFetched = len(records)

	// The fetch may have been cut short; what it returned is still committed.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case fetchErr != nil:
		report.Error = fetchErr.Error()
		if models.IsKind(fetchErr, models.KindParse) {
			h := o.monitor.ReportParseFailure(persistCtx, source, fetchErr)
			report.Notes = append(report.Notes, "structure signal: "+h.Message)
		}
		log.Error("[orchestrator] %s fetch failed after %d attempts (%d partial records): %v",
			source, attempts, len(records), fetchErr)
	case len(records) == 0:
		o.monitor.ReportEmptyResult(persistCtx, source)
		report.Notes = append(report.Notes, "source returned zero events")
	default:
		o.monitor.ReportSuccess(persistCtx, source)
	}

	records = o.details(ctx, ex, records, report, log)

	batch := o.processor.Process(persistCtx, records, region, o.store)
	for _, rej := range batch.Rejections {
		report.Reject(rej)
	}
	report.RecordsMerged = batch.Merged

	o.persist(persistCtx, batch.Events, report, storageDown, log)
	report.Status = o.status(report, fetchErr, storageDown.Load())
	return report
}

func (o *Orchestrator) fetchPolicy(sc config.SourceConfig, log *utils.Logger) *utils.RetryPolicy {
	return &utils.RetryPolicy{
		MaxAttempts: sc.MaxRetries,
		BaseDelay:   o.cfg.RetryBaseDelay(),
		MaxDelay:    o.cfg.RetryMaxDelay(),
		Jitter:      utils.DefaultJitter,
		Logger:      log,
	}
}

// fetch runs FetchEvents under the source's retry policy, keeping the largest partial result.
func (o *Orchestrator) fetch(ctx context.Context, ex scraper.Extractor, region models.Region, log *utils.Logger) ([]models.RawEventRecord, int, error) {
	policy := o.fetchPolicy(o.cfg.Source(ex.Source()), log)

	var best []models.RawEventRecord
	attempts, err := policy.Do(ctx, "fetch "+ex.Source(), func(ctx context.Context) error {
		records, err := ex.FetchEvents(ctx, region)
		if len(records) > len(best) || err == nil {
			best = records
		}
		return err
	}, scraper.Classifier())
	return best, attempts, err
}

// details reads the detail page of listing records that carry no description, at most
// MaxDetails per source. A detail page that is gone rejects its record; any other failure
// keeps the listing data.
func (o *Orchestrator) details(ctx context.Context, ex scraper.Extractor, records []models.RawEventRecord, report *models.ScrapeRunReport, log *utils.Logger) []models.RawEventRecord {
	sc := o.cfg.Source(ex.Source())
	if sc.MaxDetails <= 0 || len(records) == 0 {
		return records
	}
	policy := o.fetchPolicy(sc, log)

	out := make([]models.RawEventRecord, 0, len(records))
	tried, failed := 0, 0
	for _, rec := range records {
		if rec.Description != "" || rec.SourceURL == "" || tried >= sc.MaxDetails || ctx.Err() != nil {
			out = append(out, rec)
			continue
		}
		tried++

		var detail models.RawEventRecord
		_, err := policy.Do(ctx, "detail "+rec.SourceURL, func(ctx context.Context) error {
			var err error
			detail, err = ex.FetchEventDetail(ctx, rec.SourceURL)
			return err
		}, scraper.Classifier())

		switch {
		case err == nil:
			report.DetailsFetched++
			out = append(out, withDetail(rec, detail))
		case models.IsKind(err, models.KindNotFound):
			report.Reject(models.Rejection{SourceURL: rec.SourceURL, Title: rec.Title, Reason: "detail page not found"})
		default:
			failed++
			log.Warn("[orchestrator] Detail %s failed, keeping listing data: %v", rec.SourceURL, err)
			out = append(out, rec)
		}
	}
	if failed > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("%d of %d detail pages failed; listing data kept", failed, tried))
	}
	return out
}

// withDetail returns rec completed with the detail page's fields. A detail date replaces the
// listing date; the listing URL is always kept.
func withDetail(rec, detail models.RawEventRecord) models.RawEventRecord {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&rec.Title, detail.Title)
	fill(&rec.Description, detail.Description)
	fill(&rec.RawLocation, detail.RawLocation)
	fill(&rec.RawPrice, detail.RawPrice)
	fill(&rec.ImageURL, detail.ImageURL)
	fill(&rec.Organizer, detail.Organizer)
	fill(&rec.Category, detail.Category)
	if detail.RawDate != "" {
		rec.RawDate, rec.RawTime = detail.RawDate, detail.RawTime
	}
	return rec
}

func (o *Orchestrator) persist(ctx context.Context, events []*models.Event, report *models.ScrapeRunReport, storageDown *atomic.Bool, log *utils.Logger) {
	policy := &utils.RetryPolicy{
		MaxAttempts: storeAttempts,
		BaseDelay:   o.cfg.RetryBaseDelay(),
		MaxDelay:    o.cfg.RetryMaxDelay(),
		Logger:      log,
	}
	classify := func(err error) utils.Class {
		if models.IsKind(err, models.KindStorageUnavailable) {
			return utils.Retryable
		}
		return utils.Fatal
	}

	for i, ev := range events {
		if storageDown.Load() {
			report.Notes = append(report.Notes,
				fmt.Sprintf("storage unavailable: %d events not persisted", len(events)-i))
			return
		}

		var inserted bool
		_, err := policy.Do(ctx, "upsert "+ev.ID, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			var err error
			inserted, err = o.store.Upsert(ctx, ev)
			return err
		}, classify)

		switch {
		case err == nil:
			report.RecordsAccepted++
			if inserted {
				report.Inserted++
			} else {
				report.Updated++
			}
		case models.IsKind(err, models.KindStorageUnavailable):
			storageDown.Store(true)
			if report.Error == "" {
				report.Error = err.Error()
			}
			log.Error("[orchestrator] Storage unavailable, aborting remaining persistence: %v", err)
		default:
			report.Reject(models.Rejection{SourceURL: ev.SourceURL, Title: ev.Title, Reason: rejectionReason(err)})
			log.Warn("[orchestrator] Rejected %s at storage: %v", ev.ID, err)
		}
	}
}

func (o *Orchestrator) status(report *models.ScrapeRunReport, fetchErr error, storageDown bool) models.RunStatus {
	switch {
	case storageDown:
		return models.RunFailed
	case fetchErr != nil && report.RecordsFetched == 0:
		return models.RunFailed
	case fetchErr != nil:
		return models.RunDegraded
	case report.HealthAtStart == models.HealthDegraded:
		return models.RunDegraded
	}
	if now := o.monitor.Status(report.Source).State; now == models.HealthDegraded || now == models.HealthFailing {
		return models.RunDegraded
	}
	return models.RunOK
}

// finish stamps the report and hands it to every sink. Sink failures are logged only.
func (o *Orchestrator) finish(report *models.ScrapeRunReport, log *utils.Logger) {
	report.FinishedAt = o.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if o.RunLog != nil {
		if err := o.RunLog.AppendRun(ctx, report); err != nil {
			log.Warn("[orchestrator] Could not record run report: %v", err)
		}
	}
	if o.Audit != nil {
		if err := o.Audit.WriteRun(report); err != nil {
			log.Warn("[orchestrator] Could not write audit row: %v", err)
		}
	}
	o.Metrics.ObserveRun(report)

	log.Info("[orchestrator] %s %s: fetched=%d accepted=%d rejected=%d merged=%d inserted=%d updated=%d retries=%d in %s",
		report.Source, report.Status, report.RecordsFetched, report.RecordsAccepted, report.RecordsRejected,
		report.RecordsMerged, report.Inserted, report.Updated, report.RetriesConsumed, report.Duration().Round(time.Millisecond))
}

var errNoSources = errors.New("orchestrator: no sources enabled")

// Validate checks that at least one extractor is configured.
func (o *Orchestrator) Validate() error {
	if len(o.extractors) == 0 {
		return errNoSources
	}
	return nil
}
