package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"reuni-scraper/models"
)

// PostgresStore persists events, health history and run reports to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, waits for the server to answer a ping, and runs migrations.
// pingAttempts bounds the wait; each failed ping sleeps two seconds.
func OpenPostgres(ctx context.Context, dsn string, pingAttempts int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, models.StorageUnavailable("postgres: open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if pingAttempts < 1 {
		pingAttempts = 1
	}
	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if i == pingAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, classify("postgres: ping", err)
	}

	ps := NewPostgresStore(db)
	if err := ps.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ps, nil
}

// NewPostgresStore wraps an open handle without migrating.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		content_key TEXT          NOT NULL,
		title       TEXT          NOT NULL,
		description TEXT          NOT NULL DEFAULT '',
		date        DATE          NOT NULL,
		time        TEXT          NOT NULL DEFAULT '',
		venue       TEXT          NOT NULL DEFAULT '',
		city        TEXT          NOT NULL DEFAULT '',
		state       TEXT          NOT NULL DEFAULT '',
		category    TEXT          NOT NULL DEFAULT '',
		price_min   NUMERIC(12,2),
		price_max   NUMERIC(12,2),
		currency    TEXT          NOT NULL DEFAULT '',
		is_free     BOOLEAN       NOT NULL DEFAULT FALSE,
		source      TEXT          NOT NULL,
		source_url  TEXT          NOT NULL,
		image_url   TEXT          NOT NULL DEFAULT '',
		organizer   TEXT          NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
		CONSTRAINT events_source_url_key UNIQUE (source, source_url)
	);

	CREATE INDEX IF NOT EXISTS idx_events_content_key ON events(source, content_key);
	CREATE INDEX IF NOT EXISTS idx_events_date        ON events(date);
	CREATE INDEX IF NOT EXISTS idx_events_city        ON events(city, state);
	CREATE INDEX IF NOT EXISTS idx_events_category    ON events(category);

	CREATE TABLE IF NOT EXISTS source_health (
		id                   BIGSERIAL PRIMARY KEY,
		source               TEXT             NOT NULL,
		checked_at           TIMESTAMPTZ      NOT NULL,
		landmarks            JSONB            NOT NULL DEFAULT '{}',
		overall_health       DOUBLE PRECISION NOT NULL,
		consecutive_failures INTEGER          NOT NULL DEFAULT 0,
		state                TEXT             NOT NULL,
		message              TEXT             NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_source_health_latest ON source_health(source, checked_at DESC);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id               BIGSERIAL PRIMARY KEY,
		run_id           TEXT        NOT NULL,
		source           TEXT        NOT NULL,
		region           TEXT        NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ NOT NULL,
		records_fetched  INTEGER     NOT NULL DEFAULT 0,
		records_accepted INTEGER     NOT NULL DEFAULT 0,
		records_rejected INTEGER     NOT NULL DEFAULT 0,
		records_merged   INTEGER     NOT NULL DEFAULT 0,
		details_fetched  INTEGER     NOT NULL DEFAULT 0,
		inserted         INTEGER     NOT NULL DEFAULT 0,
		updated          INTEGER     NOT NULL DEFAULT 0,
		retries_consumed INTEGER     NOT NULL DEFAULT 0,
		fetch_attempts   INTEGER     NOT NULL DEFAULT 0,
		health_at_start  TEXT        NOT NULL DEFAULT '',
		status           TEXT        NOT NULL,
		error            TEXT        NOT NULL DEFAULT '',
		rejections       JSONB       NOT NULL DEFAULT '[]',
		notes            JSONB       NOT NULL DEFAULT '[]'
	);

	ALTER TABLE scrape_runs ADD COLUMN IF NOT EXISTS records_merged  INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE scrape_runs ADD COLUMN IF NOT EXISTS details_fetched INTEGER NOT NULL DEFAULT 0;

	CREATE INDEX IF NOT EXISTS idx_scrape_runs_started ON scrape_runs(started_at DESC);
`

// Migrate creates the tables and indexes if they do not exist.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, schema); err != nil {
		return classify("postgres: migrate", err)
	}
	return nil
}

// Ping checks the connection.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.db.PingContext(ctx); err != nil {
		return classify("postgres: ping", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

const upsertEvent = `
	INSERT INTO events (
		id, content_key, title, description, date, time, venue, city, state, category,
		price_min, price_max, currency, is_free, source, source_url, image_url, organizer,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18, NOW(), NOW())
	ON CONFLICT (id) DO UPDATE SET
		content_key = EXCLUDED.content_key,
		title       = EXCLUDED.title,
		description = EXCLUDED.description,
		date        = EXCLUDED.date,
		time        = EXCLUDED.time,
		venue       = EXCLUDED.venue,
		city        = EXCLUDED.city,
		state       = EXCLUDED.state,
		category    = EXCLUDED.category,
		price_min   = EXCLUDED.price_min,
		price_max   = EXCLUDED.price_max,
		currency    = EXCLUDED.currency,
		is_free     = EXCLUDED.is_free,
		source_url  = EXCLUDED.source_url,
		image_url   = EXCLUDED.image_url,
		organizer   = EXCLUDED.organizer,
		updated_at  = NOW()
	RETURNING created_at, updated_at, (xmax = 0) AS inserted
`

const sourceURLConstraint = "events_source_url_key"

const updateBySourceURL = `
	UPDATE events SET
		content_key = $1,
		title       = $2,
		description = $3,
		date        = $4,
		time        = $5,
		venue       = $6,
		city        = $7,
		state       = $8,
		category    = $9,
		price_min   = $10,
		price_max   = $11,
		currency    = $12,
		is_free     = $13,
		image_url   = $14,
		organizer   = $15,
		updated_at  = NOW()
	WHERE source = $16 AND source_url = $17
	RETURNING id, created_at, updated_at
`

// Upsert writes ev keyed by its id. Re-upserting identical content only moves updated_at.
// When another row of the source already owns the URL, that row is updated and ev adopts its id.
func (ps *PostgresStore) Upsert(ctx context.Context, ev *models.Event) (bool, error) {
	priceMin, priceMax := priceColumns(ev.Price)
	var inserted bool
	err := ps.db.QueryRowContext(ctx, upsertEvent,
		ev.ID, ev.ContentKey, ev.Title, ev.Description, ev.Date, ev.Time,
		ev.Venue, ev.City, ev.State, ev.Category,
		priceMin, priceMax, ev.Price.Currency, ev.Price.Free,
		ev.Source, ev.SourceURL, ev.ImageURL, ev.Organizer,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt, &inserted)
	if err == nil {
		return inserted, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Constraint != sourceURLConstraint {
		return false, classify("postgres: upsert event "+ev.ID, err)
	}
	err = ps.db.QueryRowContext(ctx, updateBySourceURL,
		ev.ContentKey, ev.Title, ev.Description, ev.Date, ev.Time,
		ev.Venue, ev.City, ev.State, ev.Category,
		priceMin, priceMax, ev.Price.Currency, ev.Price.Free,
		ev.ImageURL, ev.Organizer, ev.Source, ev.SourceURL,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return false, classify("postgres: update event by source url "+ev.SourceURL, err)
	}
	return false, nil
}

const eventColumns = `id, content_key, title, description, date, time, venue, city, state, category,
	price_min, price_max, currency, is_free, source, source_url, image_url, organizer, created_at, updated_at`

func (ps *PostgresStore) Find(ctx context.Context, id string) (*models.Event, error) {
	row := ps.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return ps.scanOne(row, "postgres: find event")
}

func (ps *PostgresStore) FindBySourceURL(ctx context.Context, source, sourceURL string) (*models.Event, error) {
	row := ps.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND source_url = $2`,
		source, sourceURL)
	return ps.scanOne(row, "postgres: find by source url")
}

func (ps *PostgresStore) FindByContentKey(ctx context.Context, source, contentKey string) (*models.Event, error) {
	row := ps.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND content_key = $2 ORDER BY updated_at DESC LIMIT 1`,
		source, contentKey)
	return ps.scanOne(row, "postgres: find by content key")
}

func (ps *PostgresStore) scanOne(row *sql.Row, op string) (*models.Event, error) {
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return ev, nil
}

// Query returns events matching f ordered by date, time and title.
func (ps *PostgresStore) Query(ctx context.Context, f models.EventFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.City != "" {
		add("LOWER(city) = LOWER($%d)", f.City)
	}
	if f.State != "" {
		add("state = UPPER($%d)", f.State)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.From != "" {
		add("date >= $%d", f.From)
	}
	if f.To != "" {
		add("date <= $%d", f.To)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, time, title"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("postgres: query events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("postgres: scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres: query events", err)
	}
	return events, nil
}

func (ps *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := ps.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, classify("postgres: count events", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*models.Event, error) {
	var (
		ev       models.Event
		date     time.Time
		lo, hi   decimal.NullDecimal
	)
	err := s.Scan(
		&ev.ID, &ev.ContentKey, &ev.Title, &ev.Description, &date, &ev.Time,
		&ev.Venue, &ev.City, &ev.State, &ev.Category,
		&lo, &hi, &ev.Price.Currency, &ev.Price.Free,
		&ev.Source, &ev.SourceURL, &ev.ImageURL, &ev.Organizer, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Date = date.Format("2006-01-02")
	if lo.Valid {
		ev.Price.Min = lo.Decimal
	}
	if hi.Valid {
		ev.Price.Max = hi.Decimal
	}
	return &ev, nil
}

// priceColumns stores unknown prices as NULL.
func priceColumns(p models.PriceRange) (decimal.NullDecimal, decimal.NullDecimal) {
	if !p.Known() {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(p.Min), decimal.NewNullDecimal(p.Max)
}

func (ps *PostgresStore) SaveHealth(ctx context.Context, h *models.SourceHealth) error {
	landmarks, err := json.Marshal(h.Landmarks)
	if err != nil {
		return fmt.Errorf("postgres: encode landmarks: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO source_health (source, checked_at, landmarks, overall_health, consecutive_failures, state, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.Source, h.CheckedAt, landmarks, h.OverallHealth, h.ConsecutiveFailures, string(h.State), h.Message)
	if err != nil {
		return classify("postgres: save health", err)
	}
	return nil
}

func (ps *PostgresStore) LatestHealth(ctx context.Context) (map[string]*models.SourceHealth, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT DISTINCT ON (source)
			source, checked_at, landmarks, overall_health, consecutive_failures, state, message
		FROM source_health
		ORDER BY source, checked_at DESC, id DESC`)
	if err != nil {
		return nil, classify("postgres: latest health", err)
	}
	defer rows.Close()

	out := make(map[string]*models.SourceHealth)
	for rows.Next() {
		var (
			h         models.SourceHealth
			landmarks []byte
			state     string
		)
		if err := rows.Scan(&h.Source, &h.CheckedAt, &landmarks, &h.OverallHealth,
			&h.ConsecutiveFailures, &state, &h.Message); err != nil {
			return nil, classify("postgres: scan health", err)
		}
		if err := json.Unmarshal(landmarks, &h.Landmarks); err != nil {
			return nil, fmt.Errorf("postgres: decode landmarks for %s: %w", h.Source, err)
		}
		h.State = models.HealthState(state)
		out[h.Source] = &h
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres: latest health", err)
	}
	return out, nil
}

func (ps *PostgresStore) AppendRun(ctx context.Context, r *models.ScrapeRunReport) error {
	rejections, err := json.Marshal(nonNil(r.Rejections))
	if err != nil {
		return fmt.Errorf("postgres: encode rejections: %w", err)
	}
	notes, err := json.Marshal(nonNil(r.Notes))
	if err != nil {
		return fmt.Errorf("postgres: encode notes: %w", err)
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (
			run_id, source, region, started_at, finished_at, records_fetched, records_accepted,
			records_rejected, records_merged, details_fetched, inserted, updated, retries_consumed,
			fetch_attempts, health_at_start, status, error, rejections, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.RunID, r.Source, r.Region, r.StartedAt, r.FinishedAt, r.RecordsFetched, r.RecordsAccepted,
		r.RecordsRejected, r.RecordsMerged, r.DetailsFetched, r.Inserted, r.Updated, r.RetriesConsumed,
		r.FetchAttempts, string(r.HealthAtStart), string(r.Status), r.Error, rejections, notes)
	if err != nil {
		return classify("postgres: append run", err)
	}
	return nil
}

func (ps *PostgresStore) RecentRuns(ctx context.Context, source string, limit int) ([]*models.ScrapeRunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ps.db.QueryContext(ctx, `
		SELECT run_id, source, region, started_at, finished_at, records_fetched, records_accepted,
			records_rejected, records_merged, details_fetched, inserted, updated, retries_consumed,
			fetch_attempts, health_at_start, status, error, rejections, notes
		FROM scrape_runs
		WHERE ($1 = '' OR source = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, source, limit)
	if err != nil {
		return nil, classify("postgres: recent runs", err)
	}
	defer rows.Close()

	var runs []*models.ScrapeRunReport
	for rows.Next() {
		var (
			r                 models.ScrapeRunReport
			health, status    string
			rejections, notes []byte
		)
		if err := rows.Scan(&r.RunID, &r.Source, &r.Region, &r.StartedAt, &r.FinishedAt,
			&r.RecordsFetched, &r.RecordsAccepted, &r.RecordsRejected, &r.RecordsMerged, &r.DetailsFetched,
			&r.Inserted, &r.Updated,
			&r.RetriesConsumed, &r.FetchAttempts, &health, &status, &r.Error, &rejections, &notes); err != nil {
			return nil, classify("postgres: scan run", err)
		}
		r.HealthAtStart = models.HealthState(health)
		r.Status = models.RunStatus(status)
		if err := json.Unmarshal(rejections, &r.Rejections); err != nil {
			return nil, fmt.Errorf("postgres: decode rejections: %w", err)
		}
		if err := json.Unmarshal(notes, &r.Notes); err != nil {
			return nil, fmt.Errorf("postgres: decode notes: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres: recent runs", err)
	}
	return runs, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// classify maps driver errors onto the storage error kinds. Data, integrity and schema
// problems are ConstraintViolation. Cancellation passes through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code.Class()) {
		case "22", "23", "42":
			return models.ConstraintViolation(op, err)
		}
	}
	// 08 connection, 28 auth, 53 resources, 57 operator intervention, driver.ErrBadConn
	// and network errors all mean the database cannot serve us right now.
	return models.StorageUnavailable(op, err)
}
