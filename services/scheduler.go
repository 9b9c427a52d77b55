package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

// MonitorScheduler runs StructureMonitor probes on a cron schedule, independent of scrape runs.
type MonitorScheduler struct {
	cron    *cron.Cron
	monitor *StructureMonitor
	probers []Prober
	region  models.Region
	logger  *utils.Logger
	baseCtx context.Context
}

// NewMonitorScheduler creates a scheduler whose jobs run under baseCtx.
// Specs use the six-field seconds format, e.g. "0 0 3 * * *".
func NewMonitorScheduler(baseCtx context.Context, monitor *StructureMonitor, probers []Prober, region models.Region, loc *time.Location, logger *utils.Logger) *MonitorScheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}
	return &MonitorScheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		monitor: monitor,
		probers: probers,
		region:  region,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Schedule registers the probe job.
func (s *MonitorScheduler) Schedule(spec string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if s.baseCtx.Err() != nil {
			return
		}
		s.RunOnce(s.baseCtx)
	})
}

// RunOnce probes every source now.
func (s *MonitorScheduler) RunOnce(ctx context.Context) []models.SourceHealth {
	start := time.Now()
	results := s.monitor.CheckAll(ctx, s.probers, s.region)
	for _, h := range results {
		s.logger.Info("[monitor] %s: %s %.1f%%", h.Source, h.State, h.OverallHealth)
	}
	s.logger.Info("[monitor] Probed %d sources in %s", len(results), time.Since(start).Round(time.Millisecond))
	return results
}

// Next returns the next scheduled run, or the zero time when nothing is scheduled.
func (s *MonitorScheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (s *MonitorScheduler) Start() {
	s.logger.Info("[monitor] cron started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running probe to finish.
func (s *MonitorScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("[monitor] cron stopped")
}
