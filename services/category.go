package services

import (
	"strings"
	"unicode"

	"reuni-scraper/utils"
)

// Category vocabulary shared by every source.
const (
	CategoryMusic      = "music"
	CategoryNightlife  = "nightlife"
	CategoryTheater    = "theater"
	CategoryComedy     = "comedy"
	CategorySports     = "sports"
	CategoryFood       = "food"
	CategoryBusiness   = "business"
	CategoryEducation  = "education"
	CategoryTechnology = "technology"
	CategoryArts       = "arts"
	CategoryReligion   = "religion"
	CategoryFamily     = "family"
	CategoryFestival   = "festival"
	CategoryOther      = "other"
)

// sourceTaxonomy maps schema.org event types and source labels (folded, lowercase).
var sourceTaxonomy = map[string]string{
	"musicevent":                 CategoryMusic,
	"music":                      CategoryMusic,
	"shows":                      CategoryMusic,
	"shows e festas":             CategoryMusic,
	"festas e shows":             CategoryMusic,
	"socialevent":                CategoryNightlife,
	"nightlife":                  CategoryNightlife,
	"festas":                     CategoryNightlife,
	"theaterevent":               CategoryTheater,
	"teatro e espetaculos":       CategoryTheater,
	"performing arts":            CategoryTheater,
	"comedyevent":                CategoryComedy,
	"stand up comedy":            CategoryComedy,
	"sportsevent":                CategorySports,
	"esportes":                   CategorySports,
	"sports & fitness":           CategorySports,
	"foodevent":                  CategoryFood,
	"gastronomia":                CategoryFood,
	"food & drink":               CategoryFood,
	"businessevent":              CategoryBusiness,
	"negocios":                   CategoryBusiness,
	"business":                   CategoryBusiness,
	"educationevent":             CategoryEducation,
	"cursos e workshops":         CategoryEducation,
	"congressos e palestras":     CategoryEducation,
	"science & tech":             CategoryTechnology,
	"tecnologia":                 CategoryTechnology,
	"exhibitionevent":            CategoryArts,
	"visualartsevent":            CategoryArts,
	"screeningevent":             CategoryArts,
	"danceevent":                 CategoryArts,
	"arte e cultura":             CategoryArts,
	"religion & spirituality":    CategoryReligion,
	"religiao e espiritualidade": CategoryReligion,
	"childrensevent":             CategoryFamily,
	"infantil":                   CategoryFamily,
	"family & education":         CategoryFamily,
	"festival":                   CategoryFestival,
}

// keywords per category. Entries ending in '*' match as a word prefix; entries with
// spaces match as a phrase.
var keywords = map[string][]string{
	CategoryMusic:      {"show", "shows", "musica*", "music", "concert*", "banda", "samba", "forro", "rock", "jazz", "sertanej*", "pagode", "mpb", "orquestra", "sinfonic*", "rap", "funk"},
	CategoryNightlife:  {"festa", "balada", "party", "dj", "open bar", "night"},
	CategoryTheater:    {"teatro", "theater", "theatre", "peca", "espetaculo*", "musical", "opera"},
	CategoryComedy:     {"stand up", "standup", "comedia", "comedy", "humor"},
	CategorySports:     {"corrida", "maratona", "futebol", "esporte*", "yoga", "ciclismo", "pedal", "run", "trilha", "crossfit", "campeonato", "torneio"},
	CategoryFood:       {"gastronom*", "food", "cerveja*", "vinho*", "culinari*", "degustacao", "churrasco", "wine", "beer"},
	CategoryBusiness:   {"negocio*", "empreend*", "business", "networking", "marketing", "vendas", "lideranca", "investimento*"},
	CategoryEducation:  {"curso", "workshop", "palestra", "aula", "seminario", "congresso", "treinamento", "capacitacao", "mentoria", "simposio"},
	CategoryTechnology: {"tecnologia", "tech", "programacao", "software", "startup*", "hackathon", "inteligencia artificial", "dados", "developer*", "devops", "cloud"},
	CategoryArts:       {"arte", "artes", "exposicao", "cinema", "danca", "ballet", "fotografia", "sarau", "literatura", "poesia"},
	CategoryReligion:   {"culto", "igreja", "gospel", "retiro", "louvor", "missa", "espiritual*"},
	CategoryFamily:     {"infantil", "crianca*", "kids", "familia", "family"},
	CategoryFestival:   {"festival", "arraia", "junina", "julina", "carnaval", "feira"},
}

// ClassifyCategory maps a source label, title and description to the shared vocabulary.
// The source label wins when it is known; otherwise keyword hits are scored with title
// hits counting double. Ties resolve in vocabulary order.
func ClassifyCategory(sourceLabel, title, description string) string {
	if label := foldLower(sourceLabel); label != "" {
		if c, ok := sourceTaxonomy[label]; ok {
			return c
		}
	}

	titleText, titleTokens := tokenize(title)
	descText, descTokens := tokenize(description)

	best, bestScore := CategoryOther, 0
	for _, category := range categoryOrder {
		score := 0
		for _, kw := range keywords[category] {
			if matchKeyword(kw, titleText, titleTokens) {
				score += 2
			}
			if matchKeyword(kw, descText, descTokens) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = category, score
		}
	}
	return best
}

var categoryOrder = []string{
	CategoryFestival, CategoryMusic, CategoryNightlife, CategoryTheater, CategoryComedy,
	CategorySports, CategoryFood, CategoryBusiness, CategoryEducation, CategoryTechnology,
	CategoryArts, CategoryReligion, CategoryFamily,
}

func matchKeyword(kw, text string, tokens []string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(" "+text+" ", " "+kw+" ")
	}
	prefix := strings.HasSuffix(kw, "*")
	kw = strings.TrimSuffix(kw, "*")
	for _, tok := range tokens {
		if tok == kw || (prefix && strings.HasPrefix(tok, kw)) {
			return true
		}
	}
	return false
}

func foldLower(s string) string {
	return utils.NormaliseText(strings.ToLower(utils.FoldAccents(s)))
}

// tokenize returns the folded text with punctuation replaced by spaces, and its words.
func tokenize(s string) (string, []string) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, foldLower(s))
	tokens := strings.Fields(s)
	return strings.Join(tokens, " "), tokens
}
