package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"reuni-scraper/models"
)

var auditHeader = []string{
	"run_id", "source", "region", "started_at", "finished_at", "duration_ms", "status",
	"health_at_start", "fetched", "accepted", "rejected", "merged", "details", "inserted", "updated",
	"retries", "fetch_attempts", "error", "rejections", "notes",
}

// CSVAuditWriter appends one row per ScrapeRunReport to a CSV file.
// It is safe for concurrent use.
type CSVAuditWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVAuditWriter opens (or creates) the CSV file at path in append mode and writes the
// header row when the file is new. Intermediate directories are created automatically.
func NewCSVAuditWriter(path string) (*CSVAuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(auditHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &CSVAuditWriter{file: f, writer: w}, nil
}

// WriteRun appends r and flushes.
func (c *CSVAuditWriter) WriteRun(r *models.ScrapeRunReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reasons := make([]string, 0, len(r.Rejections))
	for _, rej := range r.Rejections {
		reasons = append(reasons, rej.Reason+" ("+rej.SourceURL+")")
	}

	row := []string{
		r.RunID,
		r.Source,
		r.Region,
		r.StartedAt.Format(time.RFC3339),
		r.FinishedAt.Format(time.RFC3339),
		strconv.FormatInt(r.Duration().Milliseconds(), 10),
		string(r.Status),
		string(r.HealthAtStart),
		strconv.Itoa(r.RecordsFetched),
		strconv.Itoa(r.RecordsAccepted),
		strconv.Itoa(r.RecordsRejected),
		strconv.Itoa(r.RecordsMerged),
		strconv.Itoa(r.DetailsFetched),
		strconv.Itoa(r.Inserted),
		strconv.Itoa(r.Updated),
		strconv.Itoa(r.RetriesConsumed),
		strconv.Itoa(r.FetchAttempts),
		r.Error,
		strings.Join(reasons, " | "),
		strings.Join(r.Notes, " | "),
	}
	if err := c.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write row: %w", err)
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVAuditWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
