package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"reuni-scraper/models"
)

func sampleEvent(id string) *models.Event {
	return &models.Event{
		ID:         id,
		ContentKey: "ck-" + id,
		Title:      "Show " + id,
		Date:       "2030-04-10",
		Time:       "20:00",
		Venue:      "Casa de Cultura",
		City:       "Porto Velho",
		State:      "RO",
		Category:   "music",
		Price:      models.PriceRange{Min: decimal.NewFromInt(40), Max: decimal.NewFromInt(40), Currency: "BRL"},
		Source:     models.SourceSympla,
		SourceURL:  "https://www.sympla.com.br/evento/" + id,
	}
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	clock := &stepClock{t: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.Now = clock.now

	first := sampleEvent("a")
	inserted, err := m.Upsert(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first upsert: inserted=%v err=%v", inserted, err)
	}
	before, _ := m.Find(ctx, "a")

	again := sampleEvent("a")
	inserted, err = m.Upsert(ctx, again)
	if err != nil || inserted {
		t.Fatalf("second upsert: inserted=%v err=%v", inserted, err)
	}
	after, _ := m.Find(ctx, "a")

	if !after.SameContent(before) {
		t.Errorf("identical upsert changed content: %+v vs %+v", before, after)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("created_at changed")
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at should advance")
	}
}

func TestMemoryUpsertUpdatesPrice(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if _, err := m.Upsert(ctx, sampleEvent("a")); err != nil {
		t.Fatal(err)
	}
	changed := sampleEvent("a")
	changed.Price = models.PriceRange{Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(90), Currency: "BRL"}
	if _, err := m.Upsert(ctx, changed); err != nil {
		t.Fatal(err)
	}

	n, _ := m.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	got, _ := m.Find(ctx, "a")
	if !got.Price.Max.Equal(decimal.NewFromInt(90)) {
		t.Errorf("price not updated: %+v", got.Price)
	}
}

func TestMemoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	a := sampleEvent("a")
	b := sampleEvent("b")
	b.Date = "2030-05-01"
	b.Category = "sports"
	c := sampleEvent("c")
	c.Source = models.SourceEventbrite
	c.Date = "2030-03-01"
	for _, ev := range []*models.Event{a, b, c} {
		if _, err := m.Upsert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter models.EventFilter
		want   []string
	}{
		{"all ordered by date", models.EventFilter{}, []string{"c", "a", "b"}},
		{"by source", models.EventFilter{Source: models.SourceSympla}, []string{"a", "b"}},
		{"by category", models.EventFilter{Category: "sports"}, []string{"b"}},
		{"date range", models.EventFilter{From: "2030-04-01", To: "2030-04-30"}, []string{"a"}},
		{"city case-insensitive", models.EventFilter{City: "porto velho", Limit: 2}, []string{"c", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d events, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: got %s want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryFindByContentKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, _ = m.Upsert(ctx, sampleEvent("a"))

	got, err := m.FindByContentKey(ctx, models.SourceSympla, "ck-a")
	if err != nil || got == nil || got.ID != "a" {
		t.Fatalf("expected event a, got %+v err=%v", got, err)
	}
	if got, _ := m.FindByContentKey(ctx, models.SourceEventbrite, "ck-a"); got != nil {
		t.Error("content key lookup must be scoped to the source")
	}
}

func TestMemoryUpsertAdoptsSourceURLOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_, _ = m.Upsert(ctx, sampleEvent("a"))

	moved := sampleEvent("b")
	moved.SourceURL = sampleEvent("a").SourceURL
	moved.Title = "Show a - Edição Especial"
	inserted, err := m.Upsert(ctx, moved)
	if err != nil || inserted {
		t.Fatalf("inserted=%v err=%v", inserted, err)
	}
	if moved.ID != "a" {
		t.Errorf("id = %s, want the owner's id", moved.ID)
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	got, err := m.FindBySourceURL(ctx, models.SourceSympla, moved.SourceURL)
	if err != nil || got == nil || got.Title != moved.Title {
		t.Fatalf("got %+v err=%v", got, err)
	}
	if got, _ := m.FindBySourceURL(ctx, models.SourceEventbrite, moved.SourceURL); got != nil {
		t.Error("source url lookup must be scoped to the source")
	}
}

func TestMemoryHealthAndRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_ = m.SaveHealth(ctx, &models.SourceHealth{Source: "sympla", OverallHealth: 90, State: models.HealthHealthy})
	_ = m.SaveHealth(ctx, &models.SourceHealth{Source: "sympla", OverallHealth: 40, State: models.HealthDegraded})

	latest, err := m.LatestHealth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest["sympla"].State != models.HealthDegraded {
		t.Errorf("expected latest record, got %+v", latest["sympla"])
	}
	if n := len(m.HealthHistory("sympla")); n != 2 {
		t.Errorf("expected 2 history records, got %d", n)
	}

	for _, src := range []string{"sympla", "eventbrite", "sympla"} {
		_ = m.AppendRun(ctx, &models.ScrapeRunReport{Source: src, Status: models.RunOK})
	}
	runs, _ := m.RecentRuns(ctx, "sympla", 10)
	if len(runs) != 2 {
		t.Errorf("expected 2 sympla runs, got %d", len(runs))
	}
	runs, _ = m.RecentRuns(ctx, "", 1)
	if len(runs) != 1 || runs[0].Source != "sympla" {
		t.Errorf("expected newest run first, got %+v", runs)
	}
}

func TestMemoryFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	down := models.StorageUnavailable("memory", errors.New("down"))
	m.SetFailure(down)

	if _, err := m.Upsert(ctx, sampleEvent("a")); !models.IsKind(err, models.KindStorageUnavailable) {
		t.Errorf("expected storage unavailable, got %v", err)
	}
	if err := m.Ping(ctx); err == nil {
		t.Error("ping should fail")
	}

	m.SetFailure(nil)
	if _, err := m.Upsert(ctx, sampleEvent("a")); err != nil {
		t.Errorf("unexpected error after recovery: %v", err)
	}
}
