package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

const (
	// DefaultMaxAge rejects events dated further in the past than this.
	DefaultMaxAge = 365 * 24 * time.Hour
	// maxLead rejects dates so far ahead they are almost certainly misparsed.
	maxLead = 5 * 365 * 24 * time.Hour
)

// Lookup finds previously stored events so re-scraped records merge into them.
// Every method returns nil, nil when nothing matches.
type Lookup interface {
	Find(ctx context.Context, id string) (*models.Event, error)
	FindBySourceURL(ctx context.Context, source, sourceURL string) (*models.Event, error)
	FindByContentKey(ctx context.Context, source, contentKey string) (*models.Event, error)
}

// Batch is the outcome of processing one extractor's records.
type Batch struct {
	Events     []*models.Event
	Rejections []models.Rejection
	Merged     int // records folded into another record of the same batch
}

// EventProcessor turns RawEventRecords into validated, normalized, categorized and
// deduplicated Events.
type EventProcessor struct {
	loc    *time.Location
	maxAge time.Duration
	logger *utils.Logger

	// Now is the reference clock for relative dates and the age check.
	Now func() time.Time
}

// NewEventProcessor creates an EventProcessor that interprets dates in loc.
func NewEventProcessor(loc *time.Location, logger *utils.Logger) *EventProcessor {
	if loc == nil {
		loc = time.UTC
	}
	return &EventProcessor{loc: loc, maxAge: DefaultMaxAge, logger: logger, Now: time.Now}
}

// Process runs every record through Validate, Normalize, Enrich and finally Deduplicate.
// A record that fails validation becomes a Rejection and never stops the rest.
// lookup may be nil, in which case only in-batch duplicates are merged.
func (p *EventProcessor) Process(ctx context.Context, raws []models.RawEventRecord, region models.Region, lookup Lookup) *Batch {
	batch := &Batch{}
	events := make([]*models.Event, 0, len(raws))

	for _, raw := range raws {
		if err := p.Validate(raw); err != nil {
			p.logger.Debug("[processor] Rejected %q: %v", raw.Title, err)
			batch.Rejections = append(batch.Rejections, models.Rejection{
				SourceURL: raw.SourceURL,
				Title:     raw.Title,
				Reason:    rejectionReason(err),
			})
			continue
		}
		ev := p.Normalize(raw, region)
		p.Enrich(ev, raw)
		events = append(events, ev)
	}

	before := len(events)
	batch.Events = p.Deduplicate(ctx, events, lookup)
	batch.Merged = before - len(batch.Events)

	p.logger.Info("[processor] Processed %d records → %d events (%d rejected)",
		len(raws), len(batch.Events), len(batch.Rejections))
	return batch
}

// Validate checks the record has a title, a source URL and a plausible date.
func (p *EventProcessor) Validate(raw models.RawEventRecord) error {
	switch {
	case strings.TrimSpace(raw.Title) == "":
		return models.ValidationError("missing title")
	case strings.TrimSpace(raw.Source) == "":
		return models.ValidationError("missing source")
	case strings.TrimSpace(raw.SourceURL) == "":
		return models.ValidationError("missing source url")
	case strings.TrimSpace(raw.RawDate) == "":
		return models.ValidationError("missing date")
	}

	date, _, ok := ParseDateTime(raw.RawDate, raw.RawTime, p.loc, p.Now())
	if !ok {
		return models.ValidationError(fmt.Sprintf("unparseable date %q", raw.RawDate))
	}
	now := p.Now().In(p.loc)
	if date.Before(midnight(now).Add(-p.maxAge)) {
		return models.ValidationError(fmt.Sprintf("date %s is too far in the past", date.Format("2006-01-02")))
	}
	if date.After(now.Add(maxLead)) {
		return models.ValidationError(fmt.Sprintf("date %s is too far in the future", date.Format("2006-01-02")))
	}
	return nil
}

// Normalize converts a validated record into an Event. Call Validate first.
func (p *EventProcessor) Normalize(raw models.RawEventRecord, region models.Region) *models.Event {
	date, clock, _ := ParseDateTime(raw.RawDate, raw.RawTime, p.loc, p.Now())
	venue, city, state := ParseLocation(raw.RawLocation, region)
	source := strings.ToLower(strings.TrimSpace(raw.Source))

	ev := &models.Event{
		Title:       utils.NormaliseText(raw.Title),
		Description: utils.NormaliseText(raw.Description),
		Date:        date.Format("2006-01-02"),
		Time:        clock,
		Venue:       venue,
		City:        city,
		State:       state,
		Price:       ParsePrice(raw.RawPrice),
		Source:      source,
		SourceURL:   strings.TrimSpace(raw.SourceURL),
		ImageURL:    strings.TrimSpace(raw.ImageURL),
		Organizer:   utils.NormaliseText(raw.Organizer),
	}
	ev.ContentKey = ContentKey(source, ev.Title, ev.Date, ev.Venue)
	ev.ID = Fingerprint(source, ev.SourceURL, ev.Title, ev.Date, ev.Venue)
	return ev
}

// Enrich assigns the category from the shared vocabulary.
func (p *EventProcessor) Enrich(ev *models.Event, raw models.RawEventRecord) {
	ev.Category = ClassifyCategory(raw.Category, ev.Title, ev.Description)
}

// Deduplicate merges events sharing an id or content key, then merges each survivor with
// its stored counterpart. Later records win for non-empty fields.
func (p *EventProcessor) Deduplicate(ctx context.Context, events []*models.Event, lookup Lookup) []*models.Event {
	byKey := make(map[string]*models.Event, len(events))
	result := make([]*models.Event, 0, len(events))

	for _, ev := range events {
		if prev, ok := byKey["id:"+ev.ID]; ok {
			mergeInto(prev, ev)
			continue
		}
		if prev, ok := byKey["ck:"+ev.ContentKey]; ok {
			mergeInto(prev, ev)
			continue
		}
		byKey["id:"+ev.ID] = ev
		byKey["ck:"+ev.ContentKey] = ev
		result = append(result, ev)
	}

	if lookup == nil {
		return result
	}
	for _, ev := range result {
		existing, err := p.findExisting(ctx, lookup, ev)
		if err != nil {
			p.logger.Warn("[processor] Lookup failed for %s, storing without merge: %v", ev.ID, err)
			continue
		}
		if existing == nil {
			continue
		}
		incoming := *ev
		*ev = *existing
		mergeInto(ev, &incoming)
	}
	return result
}

func (p *EventProcessor) findExisting(ctx context.Context, lookup Lookup, ev *models.Event) (*models.Event, error) {
	existing, err := lookup.Find(ctx, ev.ID)
	if err != nil || existing != nil {
		return existing, err
	}
	// A row that took this URL over through its content key keeps its original id.
	existing, err = lookup.FindBySourceURL(ctx, ev.Source, ev.SourceURL)
	if err != nil || existing != nil {
		return existing, err
	}
	return lookup.FindByContentKey(ctx, ev.Source, ev.ContentKey)
}

// mergeInto overwrites dst with every non-empty field of src, keeping dst's id and created_at.
func mergeInto(dst, src *models.Event) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.Title, src.Title)
	set(&dst.Description, src.Description)
	set(&dst.Date, src.Date)
	set(&dst.Time, src.Time)
	set(&dst.Venue, src.Venue)
	set(&dst.City, src.City)
	set(&dst.State, src.State)
	set(&dst.SourceURL, src.SourceURL)
	set(&dst.ImageURL, src.ImageURL)
	set(&dst.Organizer, src.Organizer)
	if src.Category != "" && src.Category != CategoryOther {
		dst.Category = src.Category
	} else if dst.Category == "" {
		dst.Category = src.Category
	}
	if src.Price.Known() {
		dst.Price = src.Price
	}
	dst.ContentKey = ContentKey(dst.Source, dst.Title, dst.Date, dst.Venue)
}

func rejectionReason(err error) string {
	var e *models.Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return err.Error()
}
