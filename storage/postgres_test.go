package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"reuni-scraper/models"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var columns = []string{
	"id", "content_key", "title", "description", "date", "time", "venue", "city", "state", "category",
	"price_min", "price_max", "currency", "is_free", "source", "source_url", "image_url", "organizer",
	"created_at", "updated_at",
}

func TestPostgresUpsert(t *testing.T) {
	ps, mock := newMock(t)
	ev := sampleEvent("a")
	created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(ev.ID, ev.ContentKey, ev.Title, ev.Description, ev.Date, ev.Time,
			ev.Venue, ev.City, ev.State, ev.Category, "40", "40", "BRL", false,
			ev.Source, ev.SourceURL, ev.ImageURL, ev.Organizer).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at", "inserted"}).
			AddRow(created, updated, false))

	inserted, err := ps.Upsert(context.Background(), ev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if inserted {
		t.Error("expected update, got insert")
	}
	if !ev.CreatedAt.Equal(created) || !ev.UpdatedAt.Equal(updated) {
		t.Errorf("timestamps not filled: %v %v", ev.CreatedAt, ev.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresUpsertAdoptsSourceURLOwner(t *testing.T) {
	ps, mock := newMock(t)
	ev := sampleEvent("new-id")
	created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "events_source_url_key"})
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE events SET")).
		WithArgs(ev.ContentKey, ev.Title, ev.Description, ev.Date, ev.Time,
			ev.Venue, ev.City, ev.State, ev.Category, "40", "40", "BRL", false,
			ev.ImageURL, ev.Organizer, ev.Source, ev.SourceURL).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("old-id", created, updated))

	inserted, err := ps.Upsert(context.Background(), ev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if inserted || ev.ID != "old-id" || !ev.CreatedAt.Equal(created) {
		t.Errorf("inserted=%v id=%s created=%v", inserted, ev.ID, ev.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresUpsertUnknownPriceIsNull(t *testing.T) {
	ps, mock := newMock(t)
	ev := sampleEvent("a")
	ev.Price = models.PriceRange{}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(ev.ID, ev.ContentKey, ev.Title, ev.Description, ev.Date, ev.Time,
			ev.Venue, ev.City, ev.State, ev.Category, nil, nil, "", false,
			ev.Source, ev.SourceURL, ev.ImageURL, ev.Organizer).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at", "inserted"}).
			AddRow(time.Now(), time.Now(), true))

	inserted, err := ps.Upsert(context.Background(), ev)
	if err != nil || !inserted {
		t.Fatalf("inserted=%v err=%v", inserted, err)
	}
}

func TestPostgresErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"unique violation", &pq.Error{Code: "23505"}, models.KindConstraintViolation},
		{"undefined column", &pq.Error{Code: "42703"}, models.KindConstraintViolation},
		{"bad datetime", &pq.Error{Code: "22007"}, models.KindConstraintViolation},
		{"connection failure", &pq.Error{Code: "08006"}, models.KindStorageUnavailable},
		{"auth failure", &pq.Error{Code: "28P01"}, models.KindStorageUnavailable},
		{"too many connections", &pq.Error{Code: "53300"}, models.KindStorageUnavailable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, models.KindStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, mock := newMock(t)
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).WillReturnError(tt.err)

			_, err := ps.Upsert(context.Background(), sampleEvent("a"))
			if got := models.KindOf(err); got != tt.want {
				t.Errorf("kind = %q; want %q (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestPostgresClassifyDriverErrors(t *testing.T) {
	if err := classify("op", context.Canceled); !errors.Is(err, context.Canceled) || models.KindOf(err) != "" {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if err := classify("op", driver.ErrBadConn); !models.IsKind(err, models.KindStorageUnavailable) {
		t.Errorf("bad conn should be unavailable, got %v", err)
	}
	if err := classify("op", nil); err != nil {
		t.Errorf("nil should stay nil, got %v", err)
	}
}

func TestPostgresFind(t *testing.T) {
	ps, mock := newMock(t)
	ts := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"a", "ck", "Show", "", time.Date(2030, 4, 10, 0, 0, 0, 0, time.UTC), "20:00",
			"Casa", "Porto Velho", "RO", "music", "30.00", "80.00", "BRL", false,
			"sympla", "https://sympla.com.br/e/a", "", "", ts, ts))

	got, err := ps.Find(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("missing row should be nil, nil; got %+v %v", got, err)
	}

	got, err = ps.Find(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Date != "2030-04-10" || got.Price.Min.String() != "30" || got.Price.Max.String() != "80" {
		t.Errorf("unexpected event %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresFindBySourceURL(t *testing.T) {
	ps, mock := newMock(t)
	ts := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	url := "https://sympla.com.br/e/a"

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE source = $1 AND source_url = $2")).
		WithArgs("sympla", url).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"a", "ck", "Show", "", time.Date(2030, 4, 10, 0, 0, 0, 0, time.UTC), "20:00",
			"Casa", "Porto Velho", "RO", "music", "30.00", "80.00", "BRL", false,
			"sympla", url, "", "", ts, ts))

	got, err := ps.FindBySourceURL(context.Background(), "sympla", url)
	if err != nil || got == nil || got.ID != "a" {
		t.Fatalf("got %+v err=%v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresQueryBuildsFilter(t *testing.T) {
	ps, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM events WHERE source = $1 AND LOWER(city) = LOWER($2) AND date >= $3 ORDER BY date, time, title LIMIT $4")).
		WithArgs("sympla", "Porto Velho", "2030-01-01", 5).
		WillReturnRows(sqlmock.NewRows(columns))

	events, err := ps.Query(context.Background(), models.EventFilter{
		Source: "sympla", City: "Porto Velho", From: "2030-01-01", Limit: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresHealth(t *testing.T) {
	ps, mock := newMock(t)
	ts := time.Date(2030, 1, 1, 3, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO source_health")).
		WithArgs("sympla", ts, sqlmock.AnyArg(), 50.0, 1, "degraded", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (source)")).
		WillReturnRows(sqlmock.NewRows([]string{
			"source", "checked_at", "landmarks", "overall_health", "consecutive_failures", "state", "message",
		}).AddRow("sympla", ts, []byte(`{"shell":true,"card":false}`), 50.0, 1, "degraded", ""))

	err := ps.SaveHealth(context.Background(), &models.SourceHealth{
		Source: "sympla", CheckedAt: ts, Landmarks: map[string]bool{"shell": true, "card": false},
		OverallHealth: 50, ConsecutiveFailures: 1, State: models.HealthDegraded,
	})
	if err != nil {
		t.Fatal(err)
	}

	latest, err := ps.LatestHealth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h := latest["sympla"]
	if h == nil || h.State != models.HealthDegraded || !h.Landmarks["shell"] || h.Landmarks["card"] {
		t.Errorf("unexpected health %+v", h)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresRuns(t *testing.T) {
	ps, mock := newMock(t)
	ts := time.Date(2030, 1, 1, 3, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scrape_runs")).
		WithArgs("run-1", "sympla", "", ts, ts.Add(time.Minute), 0, 0, 0, 2, 1, 0, 0, 0, 0, "", "ok", "",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM scrape_runs")).
		WithArgs("", 3).
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "source", "region", "started_at", "finished_at", "records_fetched", "records_accepted",
			"records_rejected", "records_merged", "details_fetched", "inserted", "updated", "retries_consumed",
			"fetch_attempts", "health_at_start", "status", "error", "rejections", "notes",
		}).AddRow("run-1", "sympla", "Porto Velho,RO", ts, ts.Add(time.Minute), 10, 8, 1, 1, 4, 8, 0, 1, 2,
			"healthy", "ok", "", []byte(`[{"source_url":"u","title":"t","reason":"missing date"}]`), []byte(`[]`)))

	err := ps.AppendRun(context.Background(), &models.ScrapeRunReport{
		RunID: "run-1", Source: "sympla", StartedAt: ts, FinishedAt: ts.Add(time.Minute), Status: models.RunOK,
		RecordsMerged: 2, DetailsFetched: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	runs, err := ps.RecentRuns(context.Background(), "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RecordsAccepted != 8 || runs[0].RecordsMerged != 1 || runs[0].DetailsFetched != 4 ||
		len(runs[0].Rejections) != 1 {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[0].Rejections[0].Reason != "missing date" {
		t.Errorf("unexpected rejection %+v", runs[0].Rejections[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
