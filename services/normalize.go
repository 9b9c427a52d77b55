package services

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

var (
	// isoPrefixRegexp captures a leading yyyy-mm-dd
	isoPrefixRegexp = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})\b`)
	// numericDateRegexp captures dd/mm/yyyy, dd/mm/yy and dd-mm-yyyy
	numericDateRegexp = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})\b`)
	// dayMonthRegexp captures "15 de março de 2030", "6 de abr.", "22 jun"
	dayMonthRegexp = regexp.MustCompile(`\b(\d{1,2})\s*(?:de\s+)?([a-z]{3,})\.?(?:\s*(?:de\s+)?(\d{4}))?`)
	// monthDayRegexp captures "Mar 15, 2030", "march 15"
	monthDayRegexp = regexp.MustCompile(`\b([a-z]{3,})\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?`)
	// timeRegexp captures "20:00", "21h", "21h30", "7:00 pm", "7pm"
	timeRegexp = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2})|(h)(\d{2})?)?\s*(am|pm)?\b`)
	// priceRegexp captures "1.234,56", "50,00", "30.00", "1500"
	priceRegexp = regexp.MustCompile(`\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?|\d+(?:[.,]\d{1,2})?`)
	// thousandsRegexp matches "1.500" style thousands grouping without decimals
	thousandsRegexp = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
)

var months = map[string]time.Month{
	"jan": time.January, "fev": time.February, "feb": time.February, "mar": time.March,
	"abr": time.April, "apr": time.April, "mai": time.May, "may": time.May, "jun": time.June,
	"jul": time.July, "ago": time.August, "aug": time.August, "set": time.September,
	"sep": time.September, "out": time.October, "oct": time.October, "nov": time.November,
	"dez": time.December, "dec": time.December,
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseDateTime turns raw date/time text into a calendar date and HH:MM time in loc.
// Dates without a year resolve to the next occurrence relative to now, allowing a short
// grace period for events that just happened.
func ParseDateTime(rawDate, rawTime string, loc *time.Location, now time.Time) (date time.Time, clock string, ok bool) {
	rawDate = strings.TrimSpace(rawDate)
	if rawDate == "" {
		return time.Time{}, "", false
	}
	now = now.In(loc)

	for _, layout := range isoLayouts {
		t, err := time.ParseInLocation(layout, rawDate, loc)
		if err == nil {
			t = t.In(loc)
			return midnight(t), t.Format("15:04"), true
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", rawDate, loc); err == nil {
		return t, parseClock(rawTime), true
	}

	text := strings.ToLower(utils.FoldAccents(rawDate))
	clock = parseClock(rawTime)
	if clock == "" {
		clock = parseClock(text)
	}

	// "2030-03-15 às 20h": ISO date followed by free text
	if m := isoPrefixRegexp.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if parseClock(rawTime) == "" {
			clock = parseClock(text[len(m[0]):])
		}
		if d, ok := makeDate(year, time.Month(month), day, loc); ok {
			return d, clock, true
		}
		return time.Time{}, "", false
	}

	if m := numericDateRegexp.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if d, ok := makeDate(year, time.Month(month), day, loc); ok {
			return d, clock, true
		}
		return time.Time{}, "", false
	}

	for _, m := range dayMonthRegexp.FindAllStringSubmatch(text, -1) {
		month, found := lookupMonth(m[2])
		if !found {
			continue
		}
		day, _ := strconv.Atoi(m[1])
		if d, ok := resolveYear(m[3], month, day, loc, now); ok {
			return d, clock, true
		}
	}

	for _, m := range monthDayRegexp.FindAllStringSubmatch(text, -1) {
		month, found := lookupMonth(m[1])
		if !found {
			continue
		}
		day, _ := strconv.Atoi(m[2])
		if d, ok := resolveYear(m[3], month, day, loc, now); ok {
			return d, clock, true
		}
	}

	return time.Time{}, "", false
}

func lookupMonth(word string) (time.Month, bool) {
	if len(word) < 3 {
		return 0, false
	}
	m, ok := months[word[:3]]
	return m, ok
}

func resolveYear(rawYear string, month time.Month, day int, loc *time.Location, now time.Time) (time.Time, bool) {
	if rawYear != "" {
		year, _ := strconv.Atoi(rawYear)
		return makeDate(year, month, day, loc)
	}
	d, ok := makeDate(now.Year(), month, day, loc)
	if !ok {
		return time.Time{}, false
	}
	if d.Before(midnight(now).AddDate(0, -2, 0)) {
		d = d.AddDate(1, 0, 0)
	}
	return d, true
}

// makeDate rejects overflowing values such as 31/02.
func makeDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if d.Day() != day || d.Month() != month {
		return time.Time{}, false
	}
	return d, true
}

func parseClock(s string) string {
	for _, m := range timeRegexp.FindAllStringSubmatch(strings.ToLower(s), -1) {
		if m[2] == "" && m[3] == "" && m[5] == "" {
			continue // bare number, not a time
		}
		hour, _ := strconv.Atoi(m[1])
		minStr := m[2]
		if minStr == "" {
			minStr = m[4]
		}
		minute := 0
		if minStr != "" {
			minute, _ = strconv.Atoi(minStr)
		}
		switch m[5] {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		if hour > 23 || minute > 59 {
			continue
		}
		return time.Date(0, 1, 1, hour, minute, 0, 0, time.UTC).Format("15:04")
	}
	return ""
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var freeMarkers = []string{"gratis", "gratuito", "gratuita", "free", "entrada franca", "entrada livre"}

// ParsePrice turns price text into a range. Amounts without a currency marker are assumed BRL.
// Examples:
//
//	"R$ 50,00"             -> 50..50 BRL
//	"R$ 30,00 - R$ 80,00"  -> 30..80 BRL
//	"A partir de R$ 15"    -> 15..15 BRL
//	"BRL 20.00 - 80.00"    -> 20..80 BRL
//	"Grátis"               -> free
func ParsePrice(raw string) models.PriceRange {
	text := strings.ToLower(utils.FoldAccents(strings.TrimSpace(raw)))
	if text == "" {
		return models.PriceRange{}
	}
	for _, marker := range freeMarkers {
		if strings.Contains(text, marker) {
			return models.PriceRange{Free: true}
		}
	}

	var amounts []decimal.Decimal
	for _, match := range priceRegexp.FindAllString(text, -1) {
		if d, ok := parseAmount(match); ok {
			amounts = append(amounts, d)
		}
	}
	if len(amounts) == 0 {
		return models.PriceRange{}
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i].LessThan(amounts[j]) })

	lo, hi := amounts[0], amounts[len(amounts)-1]
	if hi.IsZero() {
		return models.PriceRange{Free: true}
	}
	return models.PriceRange{Min: lo, Max: hi, Currency: detectCurrency(text)}
}

func parseAmount(s string) (decimal.Decimal, bool) {
	switch {
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case thousandsRegexp.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

func detectCurrency(text string) string {
	switch {
	case strings.Contains(text, "r$"), strings.Contains(text, "brl"):
		return "BRL"
	case strings.Contains(text, "usd"), strings.Contains(text, "us$"), strings.Contains(text, "$"):
		return "USD"
	case strings.Contains(text, "eur"), strings.Contains(text, "€"):
		return "EUR"
	default:
		return "BRL"
	}
}

var brazilianStates = map[string]bool{
	"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true, "DF": true,
	"ES": true, "GO": true, "MA": true, "MT": true, "MS": true, "MG": true, "PA": true,
	"PB": true, "PR": true, "PE": true, "PI": true, "RJ": true, "RN": true, "RS": true,
	"RO": true, "RR": true, "SC": true, "SP": true, "SE": true, "TO": true,
}

var locationSplitter = regexp.MustCompile(`\s*(?:,|\s-\s|•|\||/)\s*`)

// ParseLocation splits "Venue, City, ST" style text. Missing parts fall back to region.
func ParseLocation(raw string, region models.Region) (venue, city, state string) {
	var parts []string
	for _, p := range locationSplitter.Split(utils.NormaliseText(raw), -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}

	if n := len(parts); n > 0 && brazilianStates[strings.ToUpper(parts[n-1])] {
		state = strings.ToUpper(parts[n-1])
		parts = parts[:n-1]
	}

	switch {
	case len(parts) >= 2:
		venue = parts[0]
		city = parts[len(parts)-1]
		if len(parts) > 2 && sameText(city, region.City) {
			venue = strings.Join(parts[:len(parts)-1], ", ")
		}
	case len(parts) == 1:
		if sameText(parts[0], region.City) {
			city = parts[0]
		} else {
			venue = parts[0]
		}
	}

	if city == "" {
		city = region.City
	}
	if state == "" && (region.City == "" || sameText(city, region.City)) {
		state = strings.ToUpper(region.State)
	}
	return venue, city, state
}

func sameText(a, b string) bool {
	return a != "" && strings.EqualFold(utils.FoldAccents(a), utils.FoldAccents(b))
}
