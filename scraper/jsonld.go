package scraper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

// ParseJSONLDEvents collects schema.org Event objects from every ld+json script in doc,
// including those nested in ItemList elements and @graph arrays.
func ParseJSONLDEvents(doc *goquery.Document, source, pageURL string) []models.RawEventRecord {
	var out []models.RawEventRecord
	now := time.Now().UTC()
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		for _, obj := range collectEvents(payload) {
			rec := eventFromJSONLD(obj, source, pageURL)
			if rec.Title == "" && rec.SourceURL == "" {
				continue
			}
			rec.ScrapedAt = now
			out = append(out, rec)
		}
	})
	return out
}

// HasJSONLD reports whether doc carries any parseable ld+json block.
func HasJSONLD(doc *goquery.Document) bool {
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		found = json.Unmarshal([]byte(s.Text()), &v) == nil
		return !found
	})
	return found
}

func collectEvents(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = append(out, collectEvents(item)...)
		}
	case map[string]any:
		if isEventType(t["@type"]) {
			out = append(out, t)
		}
		for _, key := range []string{"@graph", "itemListElement", "item"} {
			if child, ok := t[key]; ok {
				out = append(out, collectEvents(child)...)
			}
		}
	}
	return out
}

func isEventType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.HasSuffix(t, "Event")
	case []any:
		for _, x := range t {
			if isEventType(x) {
				return true
			}
		}
	}
	return false
}

func eventFromJSONLD(obj map[string]any, source, pageURL string) models.RawEventRecord {
	rec := models.RawEventRecord{
		Title:       utils.NormaliseText(str(obj["name"])),
		Description: utils.NormaliseText(str(obj["description"])),
		RawDate:     str(obj["startDate"]),
		Source:      source,
		SourceURL:   ResolveURL(pageURL, str(obj["url"])),
		ImageURL:    ResolveURL(pageURL, imageURL(obj["image"])),
		RawLocation: locationText(obj["location"]),
		RawPrice:    offersText(obj["offers"], obj["isAccessibleForFree"]),
	}
	if org, ok := obj["organizer"].(map[string]any); ok {
		rec.Organizer = utils.NormaliseText(str(org["name"]))
	} else if orgs, ok := obj["organizer"].([]any); ok && len(orgs) > 0 {
		if org, ok := orgs[0].(map[string]any); ok {
			rec.Organizer = utils.NormaliseText(str(org["name"]))
		}
	}
	if kw := str(obj["eventType"]); kw != "" {
		rec.Category = kw
	} else if typ := str(obj["@type"]); typ != "Event" {
		rec.Category = typ
	}
	return rec
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%g", t)
	}
	return ""
}

func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			return imageURL(t[0])
		}
	case map[string]any:
		return str(t["url"])
	}
	return ""
}

func locationText(v any) string {
	switch t := v.(type) {
	case string:
		return utils.NormaliseText(t)
	case []any:
		if len(t) > 0 {
			return locationText(t[0])
		}
	case map[string]any:
		parts := []string{str(t["name"])}
		switch addr := t["address"].(type) {
		case string:
			parts = append(parts, addr)
		case map[string]any:
			parts = append(parts, str(addr["addressLocality"]), str(addr["addressRegion"]))
		}
		var kept []string
		for _, p := range parts {
			if p = utils.NormaliseText(p); p != "" {
				kept = append(kept, p)
			}
		}
		return strings.Join(kept, ", ")
	}
	return ""
}

// offersText renders schema.org offers as "BRL 20.00 - 80.00" (or "Free") for the price parser.
func offersText(v any, free any) string {
	if b, ok := free.(bool); ok && b {
		return "Free"
	}
	var offers []map[string]any
	switch t := v.(type) {
	case map[string]any:
		offers = append(offers, t)
	case []any:
		for _, o := range t {
			if m, ok := o.(map[string]any); ok {
				offers = append(offers, m)
			}
		}
	}
	if len(offers) == 0 {
		return ""
	}

	var (
		currency string
		low      string
		high     string
	)
	for _, o := range offers {
		if c := str(o["priceCurrency"]); c != "" && currency == "" {
			currency = c
		}
		for _, key := range []string{"lowPrice", "price"} {
			if p := str(o[key]); p != "" && low == "" {
				low = p
			}
		}
		if p := str(o["highPrice"]); p != "" {
			high = p
		} else if p := str(o["price"]); p != "" {
			high = p
		}
	}
	if low == "" {
		return ""
	}
	if (low == "0" || low == "0.00") && (high == "" || high == low) {
		return "Free"
	}
	text := strings.TrimSpace(currency + " " + low)
	if high != "" && high != low {
		text += " - " + high
	}
	return text
}
