package eventbrite

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"reuni-scraper/config"
	"reuni-scraper/models"
	"reuni-scraper/scraper"
	"reuni-scraper/utils"
)

const (
	DefaultBaseURL = "https://www.eventbrite.com.br"
	LandmarkJSONLD = "json_ld"
)

// DefaultMarkup matches the server-rendered search results page.
var DefaultMarkup = scraper.Markup{
	Shell:    `ul.search-main-content__events-list, section.search-results, [data-testid="search-results"]`,
	Card:     `[data-testid="search-event"], article.event-card`,
	Title:    `h3, [data-testid="event-card-title"]`,
	Date:     `time, [data-testid="event-card-date"], p.event-card__date`,
	Location: `[data-testid="event-card-location"], p.event-card__location`,
	Price:    `[data-testid="event-card-price"], p.event-card__price`,
	Image:    `img`,
	Link:     `a.event-card-link, a[href*="/e/"]`,
}

// Extractor scrapes Eventbrite listings over plain HTTP. Listing pages are read from their
// embedded ld+json first, falling back to the rendered cards.
type Extractor struct {
	baseURL  string
	maxPages int
	markup   scraper.Markup
	fetcher  *scraper.Fetcher
	logger   *utils.Logger
}

// New creates an Eventbrite extractor sharing limiter with the rest of the pipeline.
func New(cfg config.SourceConfig, limiter *utils.RateLimiter, logger *utils.Logger) *Extractor {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Extractor{
		baseURL:  base,
		maxPages: cfg.MaxPages,
		markup:   DefaultMarkup.WithOverrides(cfg.Landmarks),
		fetcher:  scraper.NewFetcher(models.SourceEventbrite, limiter),
		logger:   logger,
	}
}

func (e *Extractor) Source() string { return models.SourceEventbrite }

// ListingURL builds the search page URL for region.
func (e *Extractor) ListingURL(region models.Region, page int) string {
	return fmt.Sprintf("%s/d/brazil--%s/all-events/?page=%d", e.baseURL, utils.Slug(region.City), page)
}

func (e *Extractor) FetchEvents(ctx context.Context, region models.Region) ([]models.RawEventRecord, error) {
	e.logger.Info("[eventbrite] Fetching events for %s (max %d pages)", region, e.maxPages)
	records, err := scraper.Paginate(ctx, e.maxPages, func(ctx context.Context, page int) ([]models.RawEventRecord, error) {
		pageURL := e.ListingURL(region, page)
		doc, err := e.load(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		recs, err := e.parseListing(doc, pageURL)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("[eventbrite] Page %d: %d records", page, len(recs))
		return recs, nil
	})
	e.logger.Info("[eventbrite] Collected %d raw records for %s", len(records), region)
	return records, err
}

func (e *Extractor) parseListing(doc *goquery.Document, pageURL string) ([]models.RawEventRecord, error) {
	if recs := scraper.ParseJSONLDEvents(doc, models.SourceEventbrite, pageURL); len(recs) > 0 {
		return recs, nil
	}
	return scraper.ParseCards(doc, e.markup, models.SourceEventbrite, pageURL)
}

func (e *Extractor) FetchEventDetail(ctx context.Context, sourceURL string) (models.RawEventRecord, error) {
	doc, err := e.load(ctx, sourceURL)
	if err != nil {
		return models.RawEventRecord{}, err
	}
	return parseDetail(doc, sourceURL)
}

func parseDetail(doc *goquery.Document, sourceURL string) (models.RawEventRecord, error) {
	if recs := scraper.ParseJSONLDEvents(doc, models.SourceEventbrite, sourceURL); len(recs) > 0 {
		rec := recs[0]
		if rec.SourceURL == "" {
			rec.SourceURL = sourceURL
		}
		return rec, nil
	}

	title := utils.NormaliseText(doc.Find("h1").First().Text())
	if title == "" {
		return models.RawEventRecord{}, models.ParseError(models.SourceEventbrite, sourceURL, scraper.LandmarkTitle)
	}
	when := doc.Find("time[datetime]").First()
	rec := models.RawEventRecord{
		Title:       title,
		Description: utils.NormaliseText(doc.Find(`[data-testid="event-description"], .event-description`).First().Text()),
		RawDate:     when.AttrOr("datetime", utils.NormaliseText(when.Text())),
		RawLocation: utils.NormaliseText(doc.Find(`[data-testid="location-info"], .location-info`).First().Text()),
		RawPrice:    utils.NormaliseText(doc.Find(`[data-testid="price"], .conversion-bar__panel-info`).First().Text()),
		Organizer:   utils.NormaliseText(doc.Find(`[data-testid="organizer-name"], .organizer-info__name`).First().Text()),
		ImageURL:    doc.Find(`meta[property="og:image"]`).AttrOr("content", ""),
		Source:      models.SourceEventbrite,
		SourceURL:   sourceURL,
	}
	return rec, nil
}

func (e *Extractor) Probe(ctx context.Context, region models.Region) (map[string]bool, error) {
	doc, err := e.load(ctx, e.ListingURL(region, 1))
	if err != nil {
		return nil, err
	}
	result := scraper.CheckLandmarks(doc, e.markup.Landmarks(), e.markup.Card)
	result[LandmarkJSONLD] = scraper.HasJSONLD(doc)
	return result, nil
}

func (e *Extractor) load(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := e.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, models.ParseError(models.SourceEventbrite, pageURL, "document")
	}
	return doc, nil
}
