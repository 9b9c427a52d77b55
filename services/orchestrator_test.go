package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reuni-scraper/config"
	"reuni-scraper/models"
	"reuni-scraper/scraper"
	"reuni-scraper/storage"
	"reuni-scraper/utils"
)

type fakeExtractor struct {
	source string
	// results[i] is returned by call i; the last entry repeats.
	results []fetchResult
	calls   atomic.Int32

	// details maps a source URL to its detail page; unknown URLs are not found.
	details     map[string]models.RawEventRecord
	detailErrs  map[string]error
	detailCalls atomic.Int32
}

type fetchResult struct {
	records []models.RawEventRecord
	err     error
	before  func()
}

func (f *fakeExtractor) Source() string { return f.source }

func (f *fakeExtractor) FetchEvents(ctx context.Context, _ models.Region) ([]models.RawEventRecord, error) {
	n := int(f.calls.Add(1)) - 1
	r := f.results[min(n, len(f.results)-1)]
	if r.before != nil {
		r.before()
	}
	return r.records, r.err
}

func (f *fakeExtractor) FetchEventDetail(_ context.Context, url string) (models.RawEventRecord, error) {
	f.detailCalls.Add(1)
	if err, ok := f.detailErrs[url]; ok {
		return models.RawEventRecord{}, err
	}
	if d, ok := f.details[url]; ok {
		return d, nil
	}
	return models.RawEventRecord{}, models.NotFoundError(f.source, url, nil)
}

func (f *fakeExtractor) Probe(context.Context, models.Region) (map[string]bool, error) {
	return map[string]bool{"shell": true}, nil
}

type captureAudit struct {
	mu   sync.Mutex
	rows []*models.ScrapeRunReport
}

func (c *captureAudit) WriteRun(r *models.ScrapeRunReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, r)
	return nil
}

type harness struct {
	orch    *Orchestrator
	store   *storage.MemoryStore
	monitor *StructureMonitor
	audit   *captureAudit
}

func newHarness(t *testing.T, extractors ...scraper.Extractor) *harness {
	t.Helper()
	cfg := &config.Config{MaxConcurrency: 2, MaxRetries: 3, RetryBaseDelayMs: 1, RetryMaxDelayMs: 5}
	store := storage.NewMemoryStore()
	logger := utils.NewNopLogger()
	monitor := NewStructureMonitor(70, 3, store, nil, logger)

	o := NewOrchestrator(cfg, extractors, monitor, newTestProcessor(t), store, logger)
	audit := &captureAudit{}
	o.RunLog = store
	o.Audit = audit
	return &harness{orch: o, store: store, monitor: monitor, audit: audit}
}

func records(source string, n int) []models.RawEventRecord {
	out := make([]models.RawEventRecord, n)
	for i := range out {
		out[i] = rawEvent(i)
		out[i].Source = source
	}
	return out
}

func reportFor(t *testing.T, res *RunResult, source string) *models.ScrapeRunReport {
	t.Helper()
	for _, r := range res.Reports {
		if r.Source == source {
			return r
		}
	}
	t.Fatalf("no report for %s", source)
	return nil
}

func TestRunCountsAcceptedAndRejected(t *testing.T) {
	recs := records("sympla", 10)
	recs[3].RawDate = ""
	recs[7].RawDate = ""
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{records: recs}}}
	h := newHarness(t, ex)

	res, err := h.orch.Run(context.Background(), RunOptions{Region: region})
	if err != nil {
		t.Fatal(err)
	}
	r := reportFor(t, res, "sympla")

	if r.RecordsFetched != 10 || r.RecordsAccepted != 8 || r.RecordsRejected != 2 {
		t.Errorf("fetched=%d accepted=%d rejected=%d", r.RecordsFetched, r.RecordsAccepted, r.RecordsRejected)
	}
	for _, rej := range r.Rejections {
		if rej.Reason != "missing date" {
			t.Errorf("unexpected rejection reason %q", rej.Reason)
		}
	}
	if r.Status != models.RunOK || !res.OK() {
		t.Errorf("expected ok, got %s", r.Status)
	}
	if r.RunID == "" || r.RunID != res.RunID {
		t.Errorf("report should carry the run id")
	}
	if n, _ := h.store.Count(context.Background()); n != 8 {
		t.Errorf("expected 8 stored events, got %d", n)
	}
	runs, _ := h.store.RecentRuns(context.Background(), "", 10)
	if len(runs) != 1 || len(h.audit.rows) != 1 {
		t.Errorf("report should reach the run log and audit sink once")
	}
}

func TestRunIsIdempotentAndUpdatesPrice(t *testing.T) {
	first := records("sympla", 2)
	second := records("sympla", 2)
	second[0].RawPrice = "R$ 60,00 - R$ 90,00"
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{records: first}, {records: second}}}
	h := newHarness(t, ex)
	ctx := context.Background()

	res1, _ := h.orch.Run(ctx, RunOptions{Region: region})
	if r := reportFor(t, res1, "sympla"); r.Inserted != 2 || r.Updated != 0 {
		t.Fatalf("first run inserted=%d updated=%d", r.Inserted, r.Updated)
	}
	id := h.processorID(t, first[0])
	before, _ := h.store.Find(ctx, id)
	otherBefore, _ := h.store.Find(ctx, h.processorID(t, first[1]))

	time.Sleep(2 * time.Millisecond)
	res2, _ := h.orch.Run(ctx, RunOptions{Region: region})
	if r := reportFor(t, res2, "sympla"); r.Inserted != 0 || r.Updated != 2 {
		t.Fatalf("second run inserted=%d updated=%d", r.Inserted, r.Updated)
	}

	if n, _ := h.store.Count(ctx); n != 2 {
		t.Errorf("row count changed: %d", n)
	}
	after, _ := h.store.Find(ctx, id)
	if after.Price.Max.String() != "90" || after.Price.Min.String() != "60" {
		t.Errorf("price not updated: %+v", after.Price)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("timestamps: before %v/%v after %v/%v", before.CreatedAt, before.UpdatedAt, after.CreatedAt, after.UpdatedAt)
	}

	otherAfter, _ := h.store.Find(ctx, h.processorID(t, first[1]))
	if !otherAfter.SameContent(otherBefore) {
		t.Errorf("identical record changed content: %+v vs %+v", otherBefore, otherAfter)
	}
}

func (h *harness) processorID(t *testing.T, raw models.RawEventRecord) string {
	t.Helper()
	return newTestProcessor(t).Normalize(raw, region).ID
}

func TestRunSkipsFailingSource(t *testing.T) {
	failing := &fakeExtractor{source: "eventbrite", results: []fetchResult{{records: records("eventbrite", 1)}}}
	healthy := &fakeExtractor{source: "sympla", results: []fetchResult{{records: records("sympla", 1)}}}
	h := newHarness(t, failing, healthy)
	ctx := context.Background()

	if _, err := h.monitor.RecordProbe(ctx, "eventbrite", map[string]bool{"shell": false, "card": false}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := h.orch.Run(ctx, RunOptions{Region: region})
	if err != nil {
		t.Fatal(err)
	}

	skipped := reportFor(t, res, "eventbrite")
	if skipped.Status != models.RunSkipped || skipped.FetchAttempts != 0 || failing.calls.Load() != 0 {
		t.Errorf("failing source should be skipped without fetching: status=%s attempts=%d calls=%d",
			skipped.Status, skipped.FetchAttempts, failing.calls.Load())
	}
	if string(skipped.Status) != "skipped: degraded" {
		t.Errorf("unexpected status text %q", skipped.Status)
	}
	if ok := reportFor(t, res, "sympla"); ok.Status != models.RunOK {
		t.Errorf("healthy source should still run, got %s", ok.Status)
	}
	if res.OK() {
		t.Error("a skipped source makes the run partial")
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{
		{err: models.TransientNetworkError("sympla", "u", errors.New("502"))},
		{records: records("sympla", 3)},
	}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if r.FetchAttempts != 2 || r.RetriesConsumed != 1 || r.Status != models.RunOK {
		t.Errorf("attempts=%d retries=%d status=%s", r.FetchAttempts, r.RetriesConsumed, r.Status)
	}
}

func TestRunFetchFailures(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
		wantHealth   models.HealthState
	}{
		{"not found is fatal", models.NotFoundError("sympla", "u", nil), 1, models.HealthUnknown},
		{"parse retried once", models.ParseError("sympla", "u", "shell"), 2, models.HealthDegraded},
		{"transient exhausts", models.TransientNetworkError("sympla", "u", errors.New("timeout")), 3, models.HealthUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExtractor{source: "sympla", results: []fetchResult{{err: tt.err}}}
			h := newHarness(t, ex)

			res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
			r := reportFor(t, res, "sympla")
			if r.FetchAttempts != tt.wantAttempts {
				t.Errorf("attempts = %d; want %d", r.FetchAttempts, tt.wantAttempts)
			}
			if r.Status != models.RunFailed || r.Error == "" {
				t.Errorf("expected failed with error, got %s %q", r.Status, r.Error)
			}
			if got := h.monitor.Status("sympla").State; got != tt.wantHealth {
				t.Errorf("health = %s; want %s", got, tt.wantHealth)
			}
		})
	}
}

func TestRunPartialRecordsSurviveFailure(t *testing.T) {
	partial := records("sympla", 2)
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{
		{records: partial, err: models.NotFoundError("sympla", "page 2", nil)},
	}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if r.RecordsAccepted != 2 || r.Status != models.RunDegraded {
		t.Errorf("accepted=%d status=%s", r.RecordsAccepted, r.Status)
	}
}

func TestRunCancellationKeepsReturnedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := &fakeExtractor{source: "sympla", results: []fetchResult{
		{records: records("sympla", 2), err: context.Canceled, before: cancel},
	}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(ctx, RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if r.FetchAttempts != 1 {
		t.Errorf("cancellation must not be retried, attempts=%d", r.FetchAttempts)
	}
	if n, _ := h.store.Count(context.Background()); n != 2 {
		t.Errorf("records returned before cancellation should be persisted, got %d", n)
	}
}

func TestRunStorageUnavailable(t *testing.T) {
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{records: records("sympla", 3)}}}
	h := newHarness(t, ex)
	h.store.SetFailure(models.StorageUnavailable("memory", errors.New("connection refused")))

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if !res.StorageDown || r.Status != models.RunFailed {
		t.Errorf("storageDown=%v status=%s", res.StorageDown, r.Status)
	}
	if r.RecordsAccepted != 0 {
		t.Errorf("nothing should be accepted, got %d", r.RecordsAccepted)
	}
	if len(r.Notes) == 0 {
		t.Error("expected a note about aborted persistence")
	}
	if len(h.audit.rows) != 1 {
		t.Error("the audit sink must still receive the report")
	}
}

func TestRunEmptyResultIsDistinguishable(t *testing.T) {
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{}}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if r.Status != models.RunDegraded || r.RecordsFetched != 0 {
		t.Errorf("status=%s fetched=%d", r.Status, r.RecordsFetched)
	}
	if len(r.Notes) == 0 || r.Notes[0] != "source returned zero events" {
		t.Errorf("unexpected notes %v", r.Notes)
	}
	if got := h.monitor.Status("sympla"); got.Landmarks[models.LandmarkResults] {
		t.Errorf("empty result should be a failing results landmark: %v", got.Landmarks)
	}
}

func TestSelect(t *testing.T) {
	h := newHarness(t, &fakeExtractor{source: "eventbrite"}, &fakeExtractor{source: "sympla"})

	got, err := h.orch.Select([]string{"sympla"})
	if err != nil || len(got) != 1 || got[0].Source() != "sympla" {
		t.Fatalf("select sympla: %v %v", got, err)
	}
	if _, err := h.orch.Select([]string{"meetup"}); err == nil {
		t.Error("unknown source should be an error")
	}
	if all, _ := h.orch.Select(nil); len(all) != 2 {
		t.Errorf("empty selection means all, got %d", len(all))
	}
}

func TestRunReportsInBatchMerges(t *testing.T) {
	recs := records("sympla", 8)
	dupA, dupB := recs[2], recs[5]
	dupA.RawPrice = ""
	recs = append(recs, dupA, dupB)
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{records: recs}}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	r := reportFor(t, res, "sympla")
	if r.RecordsFetched != 10 || r.RecordsAccepted != 8 || r.RecordsRejected != 0 || r.RecordsMerged != 2 {
		t.Errorf("fetched=%d accepted=%d rejected=%d merged=%d",
			r.RecordsFetched, r.RecordsAccepted, r.RecordsRejected, r.RecordsMerged)
	}
	if res.Merged() != 2 {
		t.Errorf("run merged = %d, want 2", res.Merged())
	}
	runs, _ := h.store.RecentRuns(context.Background(), "sympla", 1)
	if len(runs) != 1 || runs[0].RecordsMerged != 2 || h.audit.rows[0].RecordsMerged != 2 {
		t.Error("merged count should reach the run log and the audit sink")
	}
}

func TestRunKeepsOneRowPerSourceURL(t *testing.T) {
	original := rawEvent(1)
	original.SourceURL = "https://www.sympla.com.br/evento/old/1"
	moved := original
	moved.SourceURL = "https://www.sympla.com.br/evento/new/2"
	retitled := moved
	retitled.Title = "Show 1 - Edição Especial"

	ex := &fakeExtractor{source: "sympla", results: []fetchResult{
		{records: []models.RawEventRecord{original}},
		{records: []models.RawEventRecord{moved}},
		{records: []models.RawEventRecord{retitled}},
	}}
	h := newHarness(t, ex)
	ctx := context.Background()
	firstID := h.processorID(t, original)

	for run, want := range []string{"Show 1", "Show 1", "Show 1 - Edição Especial"} {
		if _, err := h.orch.Run(ctx, RunOptions{Region: region}); err != nil {
			t.Fatal(err)
		}
		if n, _ := h.store.Count(ctx); n != 1 {
			t.Fatalf("run %d: %d rows, want 1", run+1, n)
		}
		ev, _ := h.store.Find(ctx, firstID)
		if ev == nil || ev.Title != want {
			t.Fatalf("run %d: row %s = %+v, want title %q", run+1, firstID, ev, want)
		}
	}

	ev, _ := h.store.Find(ctx, firstID)
	if ev.SourceURL != moved.SourceURL {
		t.Errorf("source url = %q, want the moved url", ev.SourceURL)
	}
	if byURL, _ := h.store.FindBySourceURL(ctx, "sympla", moved.SourceURL); byURL == nil || byURL.ID != firstID {
		t.Errorf("url lookup = %+v, want id %s", byURL, firstID)
	}
}

func TestRunFetchesMissingDetails(t *testing.T) {
	recs := records("sympla", 4)
	ex := &fakeExtractor{
		source:  "sympla",
		results: []fetchResult{{records: recs}},
		details: map[string]models.RawEventRecord{
			recs[0].SourceURL: {
				Title:       recs[0].Title,
				Description: "Noite de forró com banda ao vivo",
				Organizer:   "Produtora X",
			},
		},
		detailErrs: map[string]error{
			recs[2].SourceURL: models.TransientNetworkError("sympla", recs[2].SourceURL, errors.New("timeout")),
		},
	}
	h := newHarness(t, ex)
	h.orch.cfg.MaxDetails = 3
	ctx := context.Background()

	res, _ := h.orch.Run(ctx, RunOptions{Region: region})
	r := reportFor(t, res, "sympla")

	// one success, one not found, three attempts at the transient failure; the fourth is over the cap
	if got := ex.detailCalls.Load(); got != 5 {
		t.Errorf("detail calls = %d, want 5", got)
	}
	if r.DetailsFetched != 1 || r.RecordsAccepted != 3 || r.RecordsRejected != 1 {
		t.Errorf("details=%d accepted=%d rejected=%d", r.DetailsFetched, r.RecordsAccepted, r.RecordsRejected)
	}
	if len(r.Rejections) != 1 || r.Rejections[0].Reason != "detail page not found" || r.Rejections[0].SourceURL != recs[1].SourceURL {
		t.Errorf("rejections = %+v", r.Rejections)
	}
	if r.Status != models.RunOK {
		t.Errorf("detail failures must not degrade the run, got %s", r.Status)
	}
	found := false
	for _, n := range r.Notes {
		if n == "1 of 3 detail pages failed; listing data kept" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing detail failure note in %v", r.Notes)
	}

	ev, _ := h.store.Find(ctx, h.processorID(t, recs[0]))
	if ev == nil || ev.Description != "Noite de forró com banda ao vivo" || ev.Organizer != "Produtora X" {
		t.Errorf("detail fields not merged: %+v", ev)
	}
	if kept, _ := h.store.Find(ctx, h.processorID(t, recs[2])); kept == nil {
		t.Error("record whose detail failed should keep its listing data")
	}
}

func TestRunDetailsDisabled(t *testing.T) {
	ex := &fakeExtractor{source: "sympla", results: []fetchResult{{records: records("sympla", 2)}}}
	h := newHarness(t, ex)

	res, _ := h.orch.Run(context.Background(), RunOptions{Region: region})
	if ex.detailCalls.Load() != 0 {
		t.Errorf("MaxDetails 0 should skip detail pages, got %d calls", ex.detailCalls.Load())
	}
	if r := reportFor(t, res, "sympla"); r.RecordsAccepted != 2 {
		t.Errorf("accepted = %d", r.RecordsAccepted)
	}
}
