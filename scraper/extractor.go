package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

// Extractor is the capability every source implements. It is the only component that knows
// source-specific markup. Implementations issue one request at a time and keep no state
// between calls; concurrency across sources is the caller's business.
type Extractor interface {
	Source() string

	// FetchEvents returns the listings for region. An empty result is not an error.
	// Records gathered before a failure are returned together with the error.
	FetchEvents(ctx context.Context, region models.Region) ([]models.RawEventRecord, error)

	// FetchEventDetail reads a single listing page.
	FetchEventDetail(ctx context.Context, sourceURL string) (models.RawEventRecord, error)

	// Probe loads the listing page for region and reports which landmarks matched.
	Probe(ctx context.Context, region models.Region) (map[string]bool, error)
}

// Landmark names shared by every markup definition.
const (
	LandmarkShell    = "shell"
	LandmarkCard     = "card"
	LandmarkTitle    = "title"
	LandmarkDate     = "date"
	LandmarkLocation = "location"
	LandmarkPrice    = "price"
	LandmarkImage    = "image"
	LandmarkLink     = "link"
)

// Markup is the set of CSS selectors an extractor depends on. Each selector doubles as a
// structure-health landmark; card-level selectors are evaluated inside matched cards.
type Markup struct {
	Shell    string
	Card     string
	Title    string
	Date     string
	Location string
	Price    string
	Image    string
	Link     string // empty when the card element itself is the anchor
}

// Landmark is a named selector with its evaluation scope.
type Landmark struct {
	Name     string
	Selector string
	InCard   bool
}

// Landmarks lists the markup selectors as landmarks.
func (m Markup) Landmarks() []Landmark {
	lms := []Landmark{
		{Name: LandmarkShell, Selector: m.Shell},
		{Name: LandmarkCard, Selector: m.Card},
		{Name: LandmarkTitle, Selector: m.Title, InCard: true},
		{Name: LandmarkDate, Selector: m.Date, InCard: true},
		{Name: LandmarkLocation, Selector: m.Location, InCard: true},
		{Name: LandmarkPrice, Selector: m.Price, InCard: true},
		{Name: LandmarkImage, Selector: m.Image, InCard: true},
	}
	if m.Link != "" {
		lms = append(lms, Landmark{Name: LandmarkLink, Selector: m.Link, InCard: true})
	}
	return lms
}

// WithOverrides replaces selectors by landmark name, e.g. from the sources file.
func (m Markup) WithOverrides(overrides map[string]string) Markup {
	for name, sel := range overrides {
		if sel == "" {
			continue
		}
		switch name {
		case LandmarkShell:
			m.Shell = sel
		case LandmarkCard:
			m.Card = sel
		case LandmarkTitle:
			m.Title = sel
		case LandmarkDate:
			m.Date = sel
		case LandmarkLocation:
			m.Location = sel
		case LandmarkPrice:
			m.Price = sel
		case LandmarkImage:
			m.Image = sel
		case LandmarkLink:
			m.Link = sel
		}
	}
	return m
}

// CheckLandmarks evaluates every landmark against doc.
func CheckLandmarks(doc *goquery.Document, landmarks []Landmark, cardSelector string) map[string]bool {
	result := make(map[string]bool, len(landmarks))
	cards := doc.Find(cardSelector)
	for _, lm := range landmarks {
		if lm.Selector == "" {
			result[lm.Name] = false
			continue
		}
		if lm.InCard {
			result[lm.Name] = cards.Find(lm.Selector).Length() > 0
			continue
		}
		result[lm.Name] = doc.Find(lm.Selector).Length() > 0
	}
	return result
}

// ParseCards extracts raw records from listing cards. A missing shell, or cards none of which
// carry a title or a link, is a parse error; a shell with no cards is a genuinely empty page.
func ParseCards(doc *goquery.Document, m Markup, source, pageURL string) ([]models.RawEventRecord, error) {
	shell := doc.Find(m.Shell)
	if shell.Length() == 0 {
		return nil, models.ParseError(source, pageURL, LandmarkShell)
	}

	cards := shell.Find(m.Card)
	if cards.Length() == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var (
		records  []models.RawEventRecord
		sawTitle bool
		sawLink  bool
	)
	cards.Each(func(_ int, card *goquery.Selection) {
		title := utils.NormaliseText(card.Find(m.Title).First().Text())
		href := cardLink(card, m.Link)
		if title != "" {
			sawTitle = true
		}
		if href != "" {
			sawLink = true
		}
		if title == "" && href == "" {
			return
		}

		dateSel := card.Find(m.Date).First()
		rawDate := dateSel.AttrOr("datetime", "")
		if rawDate == "" {
			rawDate = utils.NormaliseText(dateSel.Text())
		}

		img := card.Find(m.Image).First()
		imgURL := img.AttrOr("src", "")
		if imgURL == "" || strings.HasPrefix(imgURL, "data:") {
			imgURL = img.AttrOr("data-src", "")
		}

		records = append(records, models.RawEventRecord{
			Title:       title,
			RawDate:     rawDate,
			RawLocation: utils.NormaliseText(card.Find(m.Location).First().Text()),
			RawPrice:    utils.NormaliseText(card.Find(m.Price).First().Text()),
			Source:      source,
			SourceURL:   ResolveURL(pageURL, href),
			ImageURL:    ResolveURL(pageURL, imgURL),
			ScrapedAt:   now,
		})
	})

	if !sawTitle {
		return nil, models.ParseError(source, pageURL, LandmarkTitle)
	}
	if !sawLink {
		return nil, models.ParseError(source, pageURL, LandmarkLink)
	}
	return records, nil
}

func cardLink(card *goquery.Selection, linkSel string) string {
	if linkSel == "" {
		if href, ok := card.Attr("href"); ok {
			return href
		}
		return card.Find("a[href]").First().AttrOr("href", "")
	}
	return card.Find(linkSel).First().AttrOr("href", "")
}

// ResolveURL makes ref absolute against base and strips tracking query strings and fragments.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if b, err := url.Parse(base); err == nil {
		u = b.ResolveReference(u)
	}
	u.Fragment = ""
	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") || key == "aff" || key == "ref" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Paginate walks listing pages 1..maxPages, deduplicating by source URL, stopping at the first
// page that contributes nothing new. Records gathered before an error are returned with it.
func Paginate(ctx context.Context, maxPages int, fetchPage func(ctx context.Context, page int) ([]models.RawEventRecord, error)) ([]models.RawEventRecord, error) {
	seen := utils.NewURLSet()
	var all []models.RawEventRecord

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		recs, err := fetchPage(ctx, page)
		if err != nil {
			return all, fmt.Errorf("page %d: %w", page, err)
		}

		added := 0
		for _, r := range recs {
			key := r.SourceURL
			if key == "" {
				key = r.Title + "|" + r.RawDate
			}
			if !seen.Add(key) {
				continue
			}
			all = append(all, r)
			added++
		}
		if added == 0 {
			break
		}
	}
	return all, nil
}
