package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Known sources.
const (
	SourceEventbrite = "eventbrite"
	SourceSympla     = "sympla"
)

// Region is the city/state an extractor searches in.
type Region struct {
	City  string
	State string
}

func (r Region) String() string {
	if r.State == "" {
		return r.City
	}
	return r.City + "," + r.State
}

// RawEventRecord holds unprocessed data exactly as an extractor read it from the page.
// It is never mutated after the extractor returns it.
type RawEventRecord struct {
	Title       string
	Description string
	RawDate     string
	RawTime     string
	RawLocation string
	RawPrice    string
	Source      string
	SourceURL   string
	ImageURL    string
	Organizer   string
	Category    string // source-provided taxonomy label, if any
	ScrapedAt   time.Time
}

// PriceRange is the parsed ticket price span. Free events have Free set and zero bounds.
type PriceRange struct {
	Min      decimal.Decimal
	Max      decimal.Decimal
	Currency string
	Free     bool
}

// Known reports whether any price information was parsed.
func (p PriceRange) Known() bool {
	return p.Free || p.Currency != "" || !p.Min.IsZero() || !p.Max.IsZero()
}

// Equal compares two ranges by value.
func (p PriceRange) Equal(o PriceRange) bool {
	return p.Free == o.Free && p.Currency == o.Currency && p.Min.Equal(o.Min) && p.Max.Equal(o.Max)
}

// Event is the canonical, deduplicated catalog record.
type Event struct {
	ID          string // stable fingerprint
	ContentKey  string // hash of normalized (source, title, date, venue)
	Title       string
	Description string
	Date        string // YYYY-MM-DD
	Time        string // HH:MM, empty when unknown
	Venue       string
	City        string
	State       string
	Category    string
	Price       PriceRange
	Source      string
	SourceURL   string
	ImageURL    string
	Organizer   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SameContent reports whether every field except the timestamps matches.
func (e *Event) SameContent(o *Event) bool {
	return e.ID == o.ID &&
		e.ContentKey == o.ContentKey &&
		e.Title == o.Title &&
		e.Description == o.Description &&
		e.Date == o.Date &&
		e.Time == o.Time &&
		e.Venue == o.Venue &&
		e.City == o.City &&
		e.State == o.State &&
		e.Category == o.Category &&
		e.Price.Equal(o.Price) &&
		e.Source == o.Source &&
		e.SourceURL == o.SourceURL &&
		e.ImageURL == o.ImageURL &&
		e.Organizer == o.Organizer
}

// EventFilter narrows catalog queries. Zero values mean "no constraint".
type EventFilter struct {
	Source   string
	City     string
	State    string
	Category string
	From     string // inclusive YYYY-MM-DD
	To       string // inclusive YYYY-MM-DD
	Limit    int
}
