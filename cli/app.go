package cli

import (
	"context"
	"fmt"
	"time"

	"reuni-scraper/config"
	"reuni-scraper/metrics"
	"reuni-scraper/models"
	"reuni-scraper/scraper"
	"reuni-scraper/scraper/eventbrite"
	"reuni-scraper/scraper/sympla"
	"reuni-scraper/services"
	"reuni-scraper/storage"
	"reuni-scraper/utils"
)

const pingAttempts = 5

// knownSources lists every extractor the binary ships, in scrape order.
var knownSources = []string{models.SourceSympla, models.SourceEventbrite}

type appOptions struct {
	memory bool // force the in-memory store (dry runs)
}

// app holds the wiring shared by every command.
type app struct {
	cfg        *config.Config
	logger     *utils.Logger
	loc        *time.Location
	store      storage.Store
	metrics    *metrics.Metrics
	limiter    *utils.RateLimiter
	renderer   *scraper.ChromeRenderer
	extractors []scraper.Extractor
	monitor    *services.StructureMonitor
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, withCode(ExitError, err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, withCode(ExitError, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, withCode(ExitError, err)
	}

	a := &app{cfg: cfg, logger: logger, loc: loc, metrics: metrics.New()}

	driver := cfg.StorageDriver
	if opts.memory {
		driver = "memory"
	}
	a.store, err = openStore(ctx, cfg, driver)
	if err != nil {
		_ = logger.Sync()
		return nil, withCode(ExitError, err)
	}
	logger.Debug("[app] storage driver: %s", driver)

	a.buildExtractors()
	a.monitor = services.NewStructureMonitor(cfg.HealthThreshold, cfg.HealthMaxFailures, a.store, a.metrics, logger)
	if err := a.monitor.Load(ctx); err != nil {
		a.Close()
		return nil, withCode(ExitError, fmt.Errorf("load source health: %w", err))
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, driver string) (storage.Store, error) {
	switch driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		ps, err := storage.OpenPostgres(ctx, cfg.DSN(), pingAttempts)
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func (a *app) buildExtractors() {
	a.limiter = utils.NewRateLimiter(a.cfg.MaxConcurrency,
		time.Duration(a.cfg.RateLimitMs)*time.Millisecond,
		time.Duration(a.cfg.RequestTimeoutMs)*time.Millisecond)
	a.renderer = scraper.NewChromeRenderer(a.cfg.ChromeBin, a.logger)

	for _, id := range knownSources {
		sc := a.cfg.Source(id)
		if !sc.Enabled {
			a.logger.Info("[app] source %s disabled in %s", id, a.cfg.SourcesFile)
			continue
		}
		a.limiter.Configure(id, sc.RateLimit, sc.Timeout)

		switch id {
		case models.SourceSympla:
			a.extractors = append(a.extractors, sympla.New(sc, a.limiter, a.renderer, a.logger))
		case models.SourceEventbrite:
			a.extractors = append(a.extractors, eventbrite.New(sc, a.limiter, a.logger))
		}
	}
}

func (a *app) probers() []services.Prober {
	out := make([]services.Prober, 0, len(a.extractors))
	for _, ex := range a.extractors {
		out = append(out, ex)
	}
	return out
}

func (a *app) extractor(source string) (scraper.Extractor, bool) {
	for _, ex := range a.extractors {
		if ex.Source() == source {
			return ex, true
		}
	}
	return nil, false
}

// region resolves the --region flag, falling back to DEFAULT_REGION.
func (a *app) region(flag string) (models.Region, error) {
	raw := flag
	if raw == "" {
		raw = a.cfg.DefaultRegion
	}
	r, err := config.ParseRegion(raw)
	if err != nil {
		return models.Region{}, withCode(ExitError, err)
	}
	return r, nil
}

func (a *app) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("[app] close storage: %v", err)
		}
	}
	_ = a.logger.Sync()
}
