package analyzer

import (
	"regexp"
	"sort"
	"strings"
)

// The heuristic tier answers without any external dependency. It is
// the fallback when the LLM tier is unavailable, and it always
// supplies the structural fields (language, tables, strategy) that
// the LLM is not asked about.

func detectLanguage(text string) string {
	lower := strings.ToLower(text)
	for _, w := range []string{"de ", "het ", "een ", "jaarrekening", "balans"} {
		if strings.Contains(lower, w) {
			return "nl"
		}
	}
	for _, w := range []string{"the ", "and ", "of ", "balance sheet", "income statement"} {
		if strings.Contains(lower, w) {
			return "en"
		}
	}
	return "unknown"
}

var numericRunPattern = regexp.MustCompile(`\d[\d., ]+\d`)

// hasTables counts numeric-heavy lines in the first 200 lines.
func hasTables(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) > 200 {
		lines = lines[:200]
	}
	numeric := 0
	for _, line := range lines {
		if numericRunPattern.MatchString(line) {
			numeric++
			if numeric >= 5 {
				return true
			}
		}
	}
	return false
}

func guessDomain(text string) string {
	lower := strings.ToLower(sample(text, 2000))
	switch {
	case containsAny(lower, "jaarrekening", "balans", "winst", "verlies", "activa", "passiva"):
		return "finance"
	case containsAny(lower, "offerte", "aanbieding", "prijs", "kosten", "levering"):
		return "sales"
	case containsAny(lower, "coaching", "coach", "sessie", "ontwikkeling"):
		return "coaching"
	case containsAny(lower, "review", "beoordeling", "sterren", "rating"):
		return "reviews"
	}
	return "general"
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// classifyDocument maps filename and content hints to a document type.
func classifyDocument(text, filename string) string {
	fn := strings.ToLower(filename)
	lower := strings.ToLower(sample(text, 2000))

	switch {
	case containsAny(fn, "jaarrekening", "annual") || containsAny(lower, "jaarrekening", "winst- en verliesrekening"):
		return "annual_report_pdf"
	case containsAny(fn, "offerte", "offer") || containsAny(lower, "offerte", "aanbieding"):
		return "offer_doc"
	case containsAny(lower, "gebruiker:", "assistent:", "user:", "assistant:"):
		return "chatlog"
	case containsAny(lower, "coaching", "coachingsgesprek"):
		return "coaching_doc"
	case containsAny(lower, "review", "beoordeling", "sterren"):
		return "review_doc"
	}
	return "generic"
}

// chunkStrategyFor picks a registry strategy from the document type
// and table presence.
func chunkStrategyFor(docType string, tables bool) string {
	switch docType {
	case "annual_report_pdf", "jaarrekening", "annual_report", "financieel_rapport":
		return "page_plus_table_aware"
	case "offer_doc", "offerte", "aanbieding", "contract":
		return "semantic_sections"
	case "chatlog":
		return "conversation_turns"
	}
	if tables {
		return "table_aware"
	}
	return "default"
}

var capitalizedPhrase = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

// heuristicEntities extracts capitalized phrases from the sample.
func heuristicEntities(text string, limit int) []string {
	matches := capitalizedPhrase.FindAllString(sample(text, 2000), -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out
}

var longWord = regexp.MustCompile(`\b\w{5,}\b`)

var topicStopWords = map[string]struct{}{
	"zoals": {}, "worden": {}, "kunnen": {}, "moeten": {}, "omdat": {}, "echter": {},
}

// heuristicTopics returns the most frequent long words in the sample.
func heuristicTopics(text string, limit int) []string {
	words := longWord.FindAllString(strings.ToLower(sample(text, 2000)), -1)
	counts := make(map[string]int, len(words))
	order := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := topicStopWords[w]; stop {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

func sample(text string, n int) string {
	if len(text) > n {
		return text[:n]
	}
	return text
}

// heuristicAnalyze builds a complete analysis without any LLM.
func heuristicAnalyze(req *Request) *Analysis {
	docType := classifyDocument(req.Document, req.Filename)
	tables := hasTables(req.Document)

	return &Analysis{
		DocumentType:           docType,
		MimeType:               req.MimeType,
		Language:               detectLanguage(req.Document),
		HasTables:              tables,
		MainEntities:           heuristicEntities(req.Document, 5),
		MainTopics:             heuristicTopics(req.Document, 5),
		SuggestedChunkStrategy: chunkStrategyFor(docType, tables),
		SuggestedEmbedModel:    DefaultEmbedModel,
		Extra: map[string]string{
			"domain":    guessDomain(req.Document),
			"llm_notes": "heuristic_fallback",
		},
	}
}
