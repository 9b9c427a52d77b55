package models

import "time"

// RunStatus is the final outcome of one source within a scrape run.
type RunStatus string

const (
	RunOK       RunStatus = "ok"
	RunDegraded RunStatus = "degraded"
	RunFailed   RunStatus = "failed"
	RunSkipped  RunStatus = "skipped: degraded"
)

// Rejection is a record the processor or storage refused, with the reason.
type Rejection struct {
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
	Reason    string `json:"reason"`
}

// ScrapeRunReport is the audit record for one source in one orchestrator run.
// It is written once after the source finishes and never mutated.
type ScrapeRunReport struct {
	RunID           string      `json:"run_id"`
	Source          string      `json:"source"`
	Region          string      `json:"region"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	RecordsFetched  int         `json:"records_fetched"`
	RecordsAccepted int         `json:"records_accepted"`
	RecordsRejected int         `json:"records_rejected"`
	RecordsMerged   int         `json:"records_merged"` // in-batch duplicates folded into another record
	DetailsFetched  int         `json:"details_fetched"`
	Inserted        int         `json:"inserted"`
	Updated         int         `json:"updated"`
	Rejections      []Rejection `json:"rejections,omitempty"`
	RetriesConsumed int         `json:"retries_consumed"`
	FetchAttempts   int         `json:"fetch_attempts"`
	HealthAtStart   HealthState `json:"health_at_start"`
	Status          RunStatus   `json:"status"`
	Notes           []string    `json:"notes,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Duration is FinishedAt-StartedAt.
func (r *ScrapeRunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Reject appends a rejection and bumps the counter.
func (r *ScrapeRunReport) Reject(rec Rejection) {
	r.Rejections = append(r.Rejections, rec)
	r.RecordsRejected++
}
