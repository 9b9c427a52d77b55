package sympla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"reuni-scraper/config"
	"reuni-scraper/models"
	"reuni-scraper/scraper"
	"reuni-scraper/utils"
)

const DefaultBaseURL = "https://www.sympla.com.br"

// DefaultMarkup matches the client-rendered event grid; cards are anchors.
var DefaultMarkup = scraper.Markup{
	Shell:    `#search-results, [data-testid="event-list"], section.event-list`,
	Card:     `a.sympla-card, a[data-testid="event-card"]`,
	Title:    `h3, [data-testid="event-title"]`,
	Date:     `[data-testid="event-date"], div.event-date`,
	Location: `[data-testid="event-location"], div.event-location`,
	Price:    `[data-testid="event-price"], span.event-price`,
	Image:    `img`,
}

const notFoundSelector = `[data-testid="not-found"], .page-not-found`

// Extractor scrapes Sympla through a headless browser since the listing grid is built client side.
type Extractor struct {
	baseURL  string
	maxPages int
	markup   scraper.Markup
	renderer scraper.Renderer
	limiter  *utils.RateLimiter
	logger   *utils.Logger

	mu sync.Mutex // one page load at a time
}

// New creates a Sympla extractor. renderer is usually a *scraper.ChromeRenderer.
func New(cfg config.SourceConfig, limiter *utils.RateLimiter, renderer scraper.Renderer, logger *utils.Logger) *Extractor {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Extractor{
		baseURL:  base,
		maxPages: cfg.MaxPages,
		markup:   DefaultMarkup.WithOverrides(cfg.Landmarks),
		renderer: renderer,
		limiter:  limiter,
		logger:   logger,
	}
}

func (e *Extractor) Source() string { return models.SourceSympla }

// ListingURL builds the city listing URL, e.g. /eventos/porto-velho-ro?page=2.
func (e *Extractor) ListingURL(region models.Region, page int) string {
	slug := utils.Slug(region.City)
	if region.State != "" {
		slug += "-" + strings.ToLower(region.State)
	}
	return fmt.Sprintf("%s/eventos/%s?page=%d", e.baseURL, slug, page)
}

func (e *Extractor) FetchEvents(ctx context.Context, region models.Region) ([]models.RawEventRecord, error) {
	e.logger.Info("[sympla] Fetching events for %s (max %d pages)", region, e.maxPages)
	records, err := scraper.Paginate(ctx, e.maxPages, func(ctx context.Context, page int) ([]models.RawEventRecord, error) {
		pageURL := e.ListingURL(region, page)
		doc, err := e.load(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		recs, err := scraper.ParseCards(doc, e.markup, models.SourceSympla, pageURL)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("[sympla] Page %d: %d records", page, len(recs))
		return recs, nil
	})
	e.logger.Info("[sympla] Collected %d raw records for %s", len(records), region)
	return records, err
}

func (e *Extractor) FetchEventDetail(ctx context.Context, sourceURL string) (models.RawEventRecord, error) {
	doc, err := e.load(ctx, sourceURL)
	if err != nil {
		return models.RawEventRecord{}, err
	}

	if recs := scraper.ParseJSONLDEvents(doc, models.SourceSympla, sourceURL); len(recs) > 0 {
		rec := recs[0]
		if rec.SourceURL == "" {
			rec.SourceURL = sourceURL
		}
		return rec, nil
	}

	title := utils.NormaliseText(doc.Find("h1").First().Text())
	if title == "" {
		return models.RawEventRecord{}, models.ParseError(models.SourceSympla, sourceURL, scraper.LandmarkTitle)
	}
	return models.RawEventRecord{
		Title:       title,
		Description: utils.NormaliseText(doc.Find(`[data-testid="event-description"], #event-description`).First().Text()),
		RawDate:     utils.NormaliseText(doc.Find(e.markup.Date).First().Text()),
		RawLocation: utils.NormaliseText(doc.Find(e.markup.Location).First().Text()),
		RawPrice:    utils.NormaliseText(doc.Find(e.markup.Price).First().Text()),
		Organizer:   utils.NormaliseText(doc.Find(`[data-testid="event-organizer"], .organizer-name`).First().Text()),
		ImageURL:    doc.Find(`meta[property="og:image"]`).AttrOr("content", ""),
		Source:      models.SourceSympla,
		SourceURL:   sourceURL,
	}, nil
}

func (e *Extractor) Probe(ctx context.Context, region models.Region) (map[string]bool, error) {
	doc, err := e.load(ctx, e.ListingURL(region, 1))
	if err != nil {
		return nil, err
	}
	return scraper.CheckLandmarks(doc, e.markup.Landmarks(), e.markup.Card), nil
}

func (e *Extractor) load(ctx context.Context, pageURL string) (*goquery.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var html string
	err := e.limiter.Do(ctx, models.SourceSympla, func(reqCtx context.Context) error {
		var err error
		html, err = e.renderer.Render(reqCtx, pageURL)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return models.TransientNetworkError(models.SourceSympla, pageURL, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, models.ParseError(models.SourceSympla, pageURL, "document")
	}
	if doc.Find(notFoundSelector).Length() > 0 {
		return nil, models.NotFoundError(models.SourceSympla, pageURL, nil)
	}
	return doc, nil
}
