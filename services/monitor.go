package services

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"reuni-scraper/metrics"
	"reuni-scraper/models"
	"reuni-scraper/storage"
	"reuni-scraper/utils"
)

// Prober checks a source's page landmarks. Every scraper.Extractor is a Prober.
type Prober interface {
	Source() string
	Probe(ctx context.Context, region models.Region) (map[string]bool, error)
}

// StructureMonitor tracks per-source structure health:
//
//	Healthy  score >= threshold
//	Degraded score <  threshold, or a runtime parse/empty signal
//	Failing  a completed probe scoring 0%, or maxFailures consecutive failures
//
// Failing is sticky until a probe passes again or Reset is called.
type StructureMonitor struct {
	threshold   float64
	maxFailures int
	store       storage.HealthStore
	metrics     *metrics.Metrics
	logger      *utils.Logger

	// Now stamps health records.
	Now func() time.Time

	mu     sync.RWMutex
	states map[string]models.SourceHealth
}

// NewStructureMonitor creates a monitor. store and m may be nil.
func NewStructureMonitor(threshold float64, maxFailures int, store storage.HealthStore, m *metrics.Metrics, logger *utils.Logger) *StructureMonitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &StructureMonitor{
		threshold:   threshold,
		maxFailures: maxFailures,
		store:       store,
		metrics:     m,
		logger:      logger,
		Now:         time.Now,
		states:      make(map[string]models.SourceHealth),
	}
}

// Load seeds in-memory state from the latest persisted record of each source.
func (sm *StructureMonitor) Load(ctx context.Context) error {
	if sm.store == nil {
		return nil
	}
	latest, err := sm.store.LatestHealth(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load health: %w", err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for source, h := range latest {
		sm.states[source] = *h
		sm.metrics.SetHealth(h)
	}
	return nil
}

// Status returns the current health of source, or an Unknown record if it was never checked.
func (sm *StructureMonitor) Status(source string) models.SourceHealth {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if h, ok := sm.states[source]; ok {
		return cloneHealth(h)
	}
	return models.SourceHealth{Source: source, State: models.HealthUnknown}
}

// Snapshot returns the current health of every known source.
func (sm *StructureMonitor) Snapshot() map[string]models.SourceHealth {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]models.SourceHealth, len(sm.states))
	for source, h := range sm.states {
		out[source] = cloneHealth(h)
	}
	return out
}

// Eligible reports whether the orchestrator may scrape source.
func (sm *StructureMonitor) Eligible(source string) bool {
	return sm.Status(source).State != models.HealthFailing
}

// Check probes one source and records the outcome.
func (sm *StructureMonitor) Check(ctx context.Context, p Prober, region models.Region) (models.SourceHealth, error) {
	landmarks, probeErr := p.Probe(ctx, region)
	if ctx.Err() != nil {
		return sm.Status(p.Source()), ctx.Err()
	}
	return sm.RecordProbe(ctx, p.Source(), landmarks, probeErr)
}

// CheckAll probes each source in turn. A failed probe is recorded, not returned.
func (sm *StructureMonitor) CheckAll(ctx context.Context, probers []Prober, region models.Region) []models.SourceHealth {
	out := make([]models.SourceHealth, 0, len(probers))
	for _, p := range probers {
		h, err := sm.Check(ctx, p, region)
		if err != nil {
			sm.logger.Warn("[monitor] %s: %v", p.Source(), err)
		}
		out = append(out, h)
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// RecordProbe applies a probe result to the state machine and persists it.
func (sm *StructureMonitor) RecordProbe(ctx context.Context, source string, landmarks map[string]bool, probeErr error) (models.SourceHealth, error) {
	sm.mu.Lock()
	prev := sm.current(source)

	h := models.SourceHealth{
		Source:        source,
		CheckedAt:     sm.Now(),
		Landmarks:     maps.Clone(landmarks),
		OverallHealth: models.ComputeHealth(landmarks),
	}
	if h.Landmarks == nil {
		h.Landmarks = map[string]bool{}
	}
	failed := probeErr != nil || h.OverallHealth < sm.threshold

	switch {
	case !failed:
		h.State = models.HealthHealthy
	case probeErr == nil && h.OverallHealth == 0:
		h.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		h.State = models.HealthFailing
	default:
		h.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		h.State = sm.failureState(h.ConsecutiveFailures)
	}

	switch {
	case probeErr != nil:
		h.Message = "probe error: " + probeErr.Error()
	case failed:
		h.Message = "failed landmarks: " + strings.Join(sortedFailures(&h), ", ")
	}

	sm.commitLocked(prev, h)
	sm.mu.Unlock()
	return h, sm.persist(ctx, h)
}

// ReportParseFailure records a ParseError that survived its retry during a scrape.
func (sm *StructureMonitor) ReportParseFailure(ctx context.Context, source string, cause error) models.SourceHealth {
	msg := "parse failure"
	if lm := models.Landmark(cause); lm != "" {
		msg += " at landmark " + lm
	}
	return sm.runtimeSignal(ctx, source, models.LandmarkParse, msg)
}

// ReportEmptyResult records a scrape that returned zero events.
func (sm *StructureMonitor) ReportEmptyResult(ctx context.Context, source string) models.SourceHealth {
	return sm.runtimeSignal(ctx, source, models.LandmarkResults, "extractor returned no events")
}

// runtimeSignal merges a failing runtime landmark into the last known landmarks.
// Runtime signals degrade a source and count toward consecutive failures, but only a
// completed probe can take the 0% shortcut to Failing.
func (sm *StructureMonitor) runtimeSignal(ctx context.Context, source, landmark, msg string) models.SourceHealth {
	sm.mu.Lock()
	prev := sm.current(source)

	landmarks := maps.Clone(prev.Landmarks)
	if landmarks == nil {
		landmarks = map[string]bool{}
	}
	landmarks[landmark] = false

	h := models.SourceHealth{
		Source:              source,
		CheckedAt:           sm.Now(),
		Landmarks:           landmarks,
		OverallHealth:       models.ComputeHealth(landmarks),
		ConsecutiveFailures: prev.ConsecutiveFailures + 1,
		Message:             msg,
	}
	h.State = sm.failureState(h.ConsecutiveFailures)

	sm.commitLocked(prev, h)
	sm.mu.Unlock()
	if err := sm.persist(ctx, h); err != nil {
		sm.logger.Warn("[monitor] %s: %v", source, err)
	}
	return h
}

// ReportSuccess clears runtime failure signals after a scrape that produced events.
func (sm *StructureMonitor) ReportSuccess(ctx context.Context, source string) {
	sm.mu.Lock()
	prev := sm.current(source)
	if prev.State == models.HealthFailing {
		sm.mu.Unlock()
		return
	}

	cleared := false
	landmarks := maps.Clone(prev.Landmarks)
	for _, lm := range []string{models.LandmarkParse, models.LandmarkResults} {
		if ok, present := landmarks[lm]; present && !ok {
			landmarks[lm] = true
			cleared = true
		}
	}
	if !cleared {
		sm.mu.Unlock()
		return
	}

	h := prev
	h.CheckedAt = sm.Now()
	h.Landmarks = landmarks
	h.OverallHealth = models.ComputeHealth(landmarks)
	h.Message = "scrape succeeded"
	if h.OverallHealth >= sm.threshold {
		h.State = models.HealthHealthy
		h.ConsecutiveFailures = 0
	}

	sm.commitLocked(prev, h)
	sm.mu.Unlock()
	if err := sm.persist(ctx, h); err != nil {
		sm.logger.Warn("[monitor] %s: %v", source, err)
	}
}

// Reset acknowledges a source's failures and makes it eligible again until the next probe.
func (sm *StructureMonitor) Reset(ctx context.Context, source string) (models.SourceHealth, error) {
	sm.mu.Lock()
	prev := sm.current(source)
	h := models.SourceHealth{
		Source:    source,
		CheckedAt: sm.Now(),
		Landmarks: map[string]bool{},
		State:     models.HealthUnknown,
		Message:   "manual reset",
	}
	sm.commitLocked(prev, h)
	sm.mu.Unlock()
	return h, sm.persist(ctx, h)
}

func (sm *StructureMonitor) failureState(failures int) models.HealthState {
	if failures >= sm.maxFailures {
		return models.HealthFailing
	}
	return models.HealthDegraded
}

func (sm *StructureMonitor) current(source string) models.SourceHealth {
	if h, ok := sm.states[source]; ok {
		return h
	}
	return models.SourceHealth{Source: source, State: models.HealthUnknown}
}

func (sm *StructureMonitor) commitLocked(prev, h models.SourceHealth) {
	sm.states[h.Source] = h
	sm.metrics.SetHealth(&h)

	if prev.State == h.State {
		return
	}
	switch h.State {
	case models.HealthDegraded:
		sm.logger.Warn("[monitor] %s degraded: health %.1f%% (%s)", h.Source, h.OverallHealth, h.Message)
	case models.HealthFailing:
		sm.logger.Error("[monitor] %s FAILING after %d consecutive failures: %s; scraping blocked until reset or recovery",
			h.Source, h.ConsecutiveFailures, h.Message)
	case models.HealthHealthy:
		sm.logger.Info("[monitor] %s healthy: %.1f%%", h.Source, h.OverallHealth)
	case models.HealthUnknown:
		sm.logger.Info("[monitor] %s reset", h.Source)
	}
}

func (sm *StructureMonitor) persist(ctx context.Context, h models.SourceHealth) error {
	if sm.store == nil {
		return nil
	}
	if err := sm.store.SaveHealth(ctx, &h); err != nil {
		return fmt.Errorf("monitor: save health for %s: %w", h.Source, err)
	}
	return nil
}

func sortedFailures(h *models.SourceHealth) []string {
	failed := h.FailedLandmarks()
	sort.Strings(failed)
	return failed
}

func cloneHealth(h models.SourceHealth) models.SourceHealth {
	h.Landmarks = maps.Clone(h.Landmarks)
	return h
}
