package chunk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MenusStrategy chunks menu and dish data one dish per chunk, so
// offering, price level, and purchasing questions resolve to single
// items. Section summary chunks can be emitted for rollup queries.
type MenusStrategy struct{}

var _ Strategy = (*MenusStrategy)(nil)

const menuMinItemLength = 5

var (
	menuPricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`[€$£]\s*\d+[.,]\d{2}`),
		regexp.MustCompile(`\d+[.,]\d{2}\s*(?:EUR|USD|euro)`),
	}

	menuStructuredItemPattern = regexp.MustCompile(`(?is)(?:gerecht|dish|item)\s*:\s*([^\n]+)\s*\n.*?(?:prijs|price)\s*:\s*([€$£]?\s*[\d.,]+(?:\s*(?:EUR|USD|euro))?)`)
	menuDescriptionPattern    = regexp.MustCompile(`(?i)(?:omschrijving|description)\s*:\s*([^\n]+)`)
	menuItemPairPattern       = regexp.MustCompile(`(?i)(?:gerecht|dish|item)\s*:.*?(?:prijs|price)\s*:`)
	menuLinePricePattern      = regexp.MustCompile(`[€$£]?\s*(\d+[.,]\d{2})(?:\s*(?:EUR|USD|euro))?`)
	menuPriceNumberPattern    = regexp.MustCompile(`(\d+)[.,](\d{2})`)
	menuSectionHeaderPattern  = regexp.MustCompile(`^(===.*===|#{1,3}\s+.*)$`)

	menuSections = map[string][]string{
		"Voorgerecht":  {"voorgerecht", "starter", "appetizer", "vooraf", "amuse"},
		"Hoofdgerecht": {"hoofdgerecht", "main", "entrée", "hoofdgerechten"},
		"Bijgerecht":   {"bijgerecht", "side", "garnering", "bijgerechten"},
		"Nagerecht":    {"nagerecht", "dessert", "toetje", "zoet"},
		"Dranken":      {"dranken", "drinks", "beverages", "drankjes"},
		"Wijnen":       {"wijnen", "wine", "wijnkaart"},
		"Bieren":       {"bier", "beer", "speciaalbier"},
		"Ontbijt":      {"ontbijt", "breakfast"},
		"Lunch":        {"lunch", "lunchgerechten"},
		"Diner":        {"diner", "dinner", "avondkaart"},
	}

	menuCulinaryWords = []string{"gerecht", "ingredient", "bereid", "geserveerd", "menu", "kaart"}
	menuFilenameHints = []string{"menu", "kaart", "gerecht", "dish", "food"}
)

func (s *MenusStrategy) Name() string { return "menus" }

func (s *MenusStrategy) Description() string {
	return "Optimized for menu/dish data: restaurants, catering (1 dish = 1 chunk)"
}

func (s *MenusStrategy) DefaultConfig() Config {
	return Config{MaxChars: DefaultMaxChars}
}

func (s *MenusStrategy) Applicability(sm string, meta Metadata) float64 {
	sm = sample(sm, 1000)
	score := 0.3

	prices := 0
	for _, re := range menuPricePatterns {
		prices += countMatches(re, sm)
	}
	switch {
	case prices >= 3:
		score += 0.25
	case prices >= 1:
		score += 0.15
	}

	lower := strings.ToLower(sm)
	sections := 0
	for _, keywords := range menuSections {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				sections++
			}
		}
	}
	if sections >= 2 {
		score += 0.20
	}

	culinary := 0
	for _, w := range menuCulinaryWords {
		if strings.Contains(lower, w) {
			culinary++
		}
	}
	if culinary >= 2 {
		score += 0.15
	}

	switch meta.get("doc_type") {
	case "menu", "menu_item", "dish":
		score += 0.30
	}
	if meta.get("price") != "" || meta.get("dish_id") != "" {
		score += 0.20
	}
	if containsAny(meta.Filename(), menuFilenameHints) {
		score += 0.15
	}

	if countMatches(menuItemPairPattern, sm) >= 2 {
		score += 0.20
	}

	return clampScore(score)
}

func (s *MenusStrategy) Chunk(text string, cfg Config) ([]string, error) {
	items := extractMenuItems(text)
	if len(items) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}, nil
		}
		return nil, nil
	}

	var chunks []string
	for _, item := range items {
		if len(item.name) < menuMinItemLength {
			continue
		}
		chunks = append(chunks, formatMenuItem(item))
	}

	chunks = append(chunks, menuSectionSummaries(items)...)

	if len(chunks) == 0 {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks, nil
}

type menuItem struct {
	name        string
	description string
	price       float64
	section     string
}

// extractMenuItems parses structured "Gerecht: ... Prijs: ..." entries
// first, then falls back to loose blocks with a name line and a price
// somewhere below it.
func extractMenuItems(text string) []menuItem {
	var items []menuItem

	for _, m := range menuStructuredItemPattern.FindAllStringSubmatch(text, -1) {
		item := menuItem{
			name:    strings.TrimSpace(m[1]),
			price:   parseMenuPrice(m[2]),
			section: detectMenuSection(m[0]),
		}
		if desc := menuDescriptionPattern.FindStringSubmatch(m[0]); desc != nil {
			item.description = strings.TrimSpace(desc[1])
		}
		items = append(items, item)
	}
	if len(items) > 0 {
		return items
	}

	for _, block := range strings.Split(text, "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 {
			continue
		}

		first := strings.TrimSpace(lines[0])
		if first == "" || menuSectionHeaderPattern.MatchString(first) {
			continue
		}

		item := menuItem{name: first, section: detectMenuSection(block)}
		var desc strings.Builder
		for _, line := range lines[1:] {
			if m := menuLinePricePattern.FindStringSubmatch(line); m != nil {
				item.price = parseMenuPrice(m[1])
			} else {
				desc.WriteString(line)
				desc.WriteByte(' ')
			}
		}
		item.description = strings.TrimSpace(desc.String())

		if item.name != "" && item.price > 0 {
			items = append(items, item)
		}
	}
	return items
}

func parseMenuPrice(s string) float64 {
	m := menuPriceNumberPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1]+"."+m[2], 64)
	if err != nil {
		return 0
	}
	return v
}

func detectMenuSection(text string) string {
	lower := strings.ToLower(text)
	for section, keywords := range menuSections {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return section
			}
		}
	}
	return "Overig"
}

func formatMenuItem(item menuItem) string {
	var b strings.Builder
	b.WriteString("[MENU ITEM]\n\n")
	fmt.Fprintf(&b, "Gerecht: %s\n", item.name)
	fmt.Fprintf(&b, "Categorie: %s\n", item.section)
	if item.description != "" {
		fmt.Fprintf(&b, "Omschrijving: %s\n", item.description)
	}
	if item.price > 0 {
		fmt.Fprintf(&b, "Prijs: %.2f EUR\n", item.price)
	}
	return strings.TrimRight(b.String(), "\n")
}

// menuSectionSummaries emits a rollup chunk per menu section with
// item count, price range, and a coarse focus label.
func menuSectionSummaries(items []menuItem) []string {
	grouped := make(map[string][]menuItem)
	var order []string
	for _, item := range items {
		if _, seen := grouped[item.section]; !seen {
			order = append(order, item.section)
		}
		grouped[item.section] = append(grouped[item.section], item)
	}

	var summaries []string
	for _, section := range order {
		sectionItems := grouped[section]
		if len(sectionItems) < 2 {
			continue
		}

		minPrice, maxPrice := 0.0, 0.0
		priced := 0
		var allText strings.Builder
		for _, item := range sectionItems {
			allText.WriteString(strings.ToLower(item.name + " " + item.description + " "))
			if item.price <= 0 {
				continue
			}
			if priced == 0 || item.price < minPrice {
				minPrice = item.price
			}
			if item.price > maxPrice {
				maxPrice = item.price
			}
			priced++
		}

		focus := "divers aanbod"
		text := allText.String()
		switch {
		case strings.Contains(text, "vlees") || strings.Contains(text, "steak"):
			focus = "vleesgerechten"
		case strings.Contains(text, "vis"):
			focus = "visgerechten"
		case strings.Contains(text, "vegetar"):
			focus = "vegetarische gerechten"
		}

		var b strings.Builder
		b.WriteString("[MENU SECTION SUMMARY]\n\n")
		fmt.Fprintf(&b, "%s bevatten %d items.\n", section, len(sectionItems))
		if priced > 0 {
			fmt.Fprintf(&b, "Prijsrange: %.2f - %.2f EUR.\n", minPrice, maxPrice)
		}
		fmt.Fprintf(&b, "Focus op %s.", focus)
		summaries = append(summaries, b.String())
	}
	return summaries
}
