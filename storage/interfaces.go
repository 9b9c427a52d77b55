package storage

import (
	"context"

	"reuni-scraper/models"
)

// EventStore is the catalog of canonical events.
type EventStore interface {
	// Upsert inserts ev or updates the row with the same id. A row of the same source
	// already holding ev's source URL is updated instead, and ev takes that row's id.
	// It fills ev's timestamps and reports whether a new row was created.
	Upsert(ctx context.Context, ev *models.Event) (inserted bool, err error)
	// Find returns nil, nil when no event has the id.
	Find(ctx context.Context, id string) (*models.Event, error)
	// FindBySourceURL returns nil, nil when no event of source has the URL.
	FindBySourceURL(ctx context.Context, source, sourceURL string) (*models.Event, error)
	// FindByContentKey returns nil, nil when nothing in source matches.
	FindByContentKey(ctx context.Context, source, contentKey string) (*models.Event, error)
	Query(ctx context.Context, f models.EventFilter) ([]*models.Event, error)
	Count(ctx context.Context) (int, error)
}

// HealthStore keeps the structure monitor's history.
type HealthStore interface {
	SaveHealth(ctx context.Context, h *models.SourceHealth) error
	// LatestHealth returns the newest record per source.
	LatestHealth(ctx context.Context) (map[string]*models.SourceHealth, error)
}

// RunLog is the durable audit of per-source run reports.
type RunLog interface {
	AppendRun(ctx context.Context, r *models.ScrapeRunReport) error
	// RecentRuns returns newest first. An empty source means all sources.
	RecentRuns(ctx context.Context, source string, limit int) ([]*models.ScrapeRunReport, error)
}

// Store is a complete storage backend.
type Store interface {
	EventStore
	HealthStore
	RunLog
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
