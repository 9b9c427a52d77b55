package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"reuni-scraper/models"
)

// MemoryStore is an in-process Store used for dry runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*models.Event
	health map[string][]*models.SourceHealth
	runs   []*models.ScrapeRunReport
	fail   error

	// Now stamps created_at/updated_at.
	Now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*models.Event),
		health: make(map[string][]*models.SourceHealth),
		Now:    time.Now,
	}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Upsert(ctx context.Context, ev *models.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}

	now := m.Now()
	existing, ok := m.events[ev.ID]
	if !ok {
		// (source, source_url) is unique, as in the events table.
		for _, other := range m.events {
			if other.Source == ev.Source && other.SourceURL == ev.SourceURL {
				ev.ID = other.ID
				existing, ok = other, true
				break
			}
		}
	}
	if ok {
		ev.CreatedAt = existing.CreatedAt
	} else {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	stored := *ev
	m.events[ev.ID] = &stored
	return !ok, nil
}

func (m *MemoryStore) Find(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if ev, ok := m.events[id]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) FindBySourceURL(_ context.Context, source, sourceURL string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	for _, ev := range m.events {
		if ev.Source == source && ev.SourceURL == sourceURL {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindByContentKey(_ context.Context, source, contentKey string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var found *models.Event
	for _, ev := range m.events {
		if ev.Source == source && ev.ContentKey == contentKey {
			if found == nil || ev.UpdatedAt.After(found.UpdatedAt) {
				found = ev
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) Query(_ context.Context, f models.EventFilter) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}

	var out []*models.Event
	for _, ev := range m.events {
		if !matches(ev, f) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.Title < b.Title
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(ev *models.Event, f models.EventFilter) bool {
	switch {
	case f.Source != "" && ev.Source != f.Source:
		return false
	case f.City != "" && !strings.EqualFold(ev.City, f.City):
		return false
	case f.State != "" && !strings.EqualFold(ev.State, f.State):
		return false
	case f.Category != "" && ev.Category != f.Category:
		return false
	case f.From != "" && ev.Date < f.From:
		return false
	case f.To != "" && ev.Date > f.To:
		return false
	}
	return true
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return 0, m.fail
	}
	return len(m.events), nil
}

func (m *MemoryStore) SaveHealth(_ context.Context, h *models.SourceHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cp := *h
	m.health[h.Source] = append(m.health[h.Source], &cp)
	return nil
}

func (m *MemoryStore) LatestHealth(context.Context) (map[string]*models.SourceHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make(map[string]*models.SourceHealth, len(m.health))
	for source, history := range m.health {
		if len(history) > 0 {
			cp := *history[len(history)-1]
			out[source] = &cp
		}
	}
	return out, nil
}

// HealthHistory returns every record saved for source, oldest first.
func (m *MemoryStore) HealthHistory(source string) []*models.SourceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*models.SourceHealth(nil), m.health[source]...)
}

func (m *MemoryStore) AppendRun(_ context.Context, r *models.ScrapeRunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *MemoryStore) RecentRuns(_ context.Context, source string, limit int) ([]*models.ScrapeRunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []*models.ScrapeRunReport
	for i := len(m.runs) - 1; i >= 0; i-- {
		if source != "" && m.runs[i].Source != source {
			continue
		}
		cp := *m.runs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
