package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// LegalStrategy chunks legal documents per article or sub-clause.
// Chunking is reference-driven: one article (or one numbered clause)
// per chunk, sentence boundaries always respected, and overlap forced
// to zero so no clause text bleeds into a neighbouring chunk.
type LegalStrategy struct{}

var _ Strategy = (*LegalStrategy)(nil)

var (
	legalArticlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?mi)^\s*(?:Artikel|Art\.|Article|ARTIKEL)\s+(\d+[.\d]*)`),
		regexp.MustCompile(`(?m)^\s*§\s*(\d+[.\d]*)`),
		regexp.MustCompile(`(?m)^\s*(\d+)\.\s+[A-Z]`),
	}

	legalSubarticlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*(\d+)\.\s`),
		regexp.MustCompile(`(?m)^\s*([a-z])\)\s`),
		regexp.MustCompile(`(?m)^\s*([a-z])\.\s`),
		regexp.MustCompile(`(?m)^\s*\(([a-z0-9]+)\)\s`),
	}

	legalTermPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(artikel|art\.|paragraaf|lid)\b`),
		regexp.MustCompile(`(?i)\b(bepaling|voorwaarde|verplichting)\b`),
		regexp.MustCompile(`(?i)\b(partij(?:en)?|contractant|schuldeiser)\b`),
		regexp.MustCompile(`(?i)\b(overeenkomst|contract|verbintenis)\b`),
		regexp.MustCompile(`(?i)\b(aansprakelijk(?:heid)?|schade|vordering)\b`),
		regexp.MustCompile(`(?i)\b(opzeggen|ontbinden|beëindigen)\b`),
		regexp.MustCompile(`(?i)\b(wet|wetgeving|regelgeving|richtlijn)\b`),
		regexp.MustCompile(`(?i)\b(rechtbank|rechter|arbitrage)\b`),
		regexp.MustCompile(`(?i)\b(dwingend|aanvullend|vernietigbaar)\b`),
	}

	jurisdictionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)nederlands? recht|nederlandse? wet`),
		regexp.MustCompile(`(?i)eu[- ]?richtlijn|europese? unie`),
		regexp.MustCompile(`(?i)gemeente|gemeentelijk|APV`),
		regexp.MustCompile(`(?i)provinc(?:ie|iaal)`),
		regexp.MustCompile(`(?i)rijks|nationaal`),
	}

	numberedLinePattern = regexp.MustCompile(`(?m)^\s*\d+\.`)

	legalFilenameHints = []string{
		"contract", "overeenkomst", "voorwaarden", "algemene",
		"wet", "regeling", "apv", "verordening", "richtlijn",
		"subsidie", "beleid", "juridisch", "legal",
	}
)

func (s *LegalStrategy) Name() string { return "legal" }

func (s *LegalStrategy) Description() string {
	return "Optimized for legal documents: contracts, terms, laws, regulations (article-based)"
}

func (s *LegalStrategy) DefaultConfig() Config {
	// Legal articles can be long; no overlap for legal precision.
	return Config{MaxChars: 2000, Overlap: 0}
}

func (s *LegalStrategy) Applicability(sm string, meta Metadata) float64 {
	score := 0.3

	articles := 0
	for _, re := range legalArticlePatterns {
		articles += countMatches(re, sm)
	}
	switch {
	case articles >= 3:
		score += 0.35
	case articles >= 1:
		score += 0.2
	}

	subarticles := 0
	for _, re := range legalSubarticlePatterns {
		subarticles += countMatches(re, sm)
	}
	if subarticles >= 5 {
		score += 0.15
	}

	terms := 0
	for _, re := range legalTermPatterns {
		terms += countMatches(re, sm)
	}
	switch {
	case terms >= 5:
		score += 0.2
	case terms >= 3:
		score += 0.1
	}

	for _, re := range jurisdictionPatterns {
		if re.MatchString(sm) {
			score += 0.1
			break
		}
	}

	if containsAny(meta.Filename(), legalFilenameHints) {
		score += 0.15
	}

	if countMatches(numberedLinePattern, sm) > 10 {
		score += 0.1
	}

	return clampScore(score)
}

func (s *LegalStrategy) Chunk(text string, cfg Config) ([]string, error) {
	// Overlap is never applied to legal text.
	cfg.Overlap = 0

	articles := s.splitArticles(text)
	if len(articles) == 0 {
		return s.fallbackChunk(text, cfg), nil
	}

	var chunks []string
	for _, art := range articles {
		if len(art.content) > cfg.MaxChars {
			chunks = append(chunks, s.splitArticle(art, cfg)...)
		} else {
			chunks = append(chunks, formatArticleChunk(art.number, art.title, art.content))
		}
	}

	if len(chunks) == 0 {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks, nil
}

type legalArticle struct {
	number  string
	title   string
	content string
}

// splitArticles tries each article pattern in turn, using the first
// that yields at least two articles.
func (s *LegalStrategy) splitArticles(text string) []legalArticle {
	for _, re := range legalArticlePatterns {
		locs := re.FindAllStringSubmatchIndex(text, -1)
		if len(locs) < 2 {
			continue
		}

		var articles []legalArticle
		for i, loc := range locs {
			start := loc[0]
			end := len(text)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}

			lineEnd := strings.IndexByte(text[start:], '\n')
			if lineEnd == -1 {
				lineEnd = len(text) - start
			}
			header := strings.TrimSpace(text[start : start+lineEnd])

			number := ""
			if loc[2] >= 0 {
				number = text[loc[2]:loc[3]]
			}

			title := ""
			if idx := strings.Index(header, number); idx >= 0 && number != "" {
				title = strings.Trim(strings.TrimSpace(header[idx+len(number):]), ":.-")
			}

			contentStart := start + lineEnd + 1
			if contentStart > end {
				contentStart = end
			}
			content := strings.TrimSpace(text[contentStart:end])

			articles = append(articles, legalArticle{number: number, title: title, content: content})
		}
		return articles
	}
	return nil
}

// splitArticle splits an oversize article into sub-clauses, or on
// sentence boundaries when no sub-clause structure exists.
func (s *LegalStrategy) splitArticle(art legalArticle, cfg Config) []string {
	for _, re := range legalSubarticlePatterns {
		locs := re.FindAllStringSubmatchIndex(art.content, -1)
		if len(locs) < 2 {
			continue
		}

		var chunks []string
		for i, loc := range locs {
			end := len(art.content)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			subNum := art.content[loc[2]:loc[3]]
			subContent := strings.TrimSpace(art.content[loc[0]:end])
			chunks = append(chunks, formatArticleChunk(art.number+"."+subNum, art.title, subContent))
		}
		return chunks
	}

	var chunks []string
	for _, part := range accumulateSentences(splitSentences(art.content), cfg.MaxChars) {
		chunks = append(chunks, formatArticleChunk(art.number, art.title, part))
	}
	return chunks
}

func formatArticleChunk(number, title, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ARTIKEL %s]\n", number)
	if title != "" {
		fmt.Fprintf(&b, "[TITEL: %s]\n", title)
	}
	b.WriteByte('\n')
	b.WriteString(content)
	return b.String()
}

// fallbackChunk handles documents without article structure:
// paragraph accumulation with sentence-boundary splits for oversize
// paragraphs, never mid-sentence.
func (s *LegalStrategy) fallbackChunk(text string, cfg Config) []string {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	var chunks []string
	current := ""
	for _, para := range paras {
		if len(current)+len(para)+2 <= cfg.MaxChars {
			if current == "" {
				current = para
			} else {
				current = current + "\n\n" + para
			}
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		if len(para) > cfg.MaxChars {
			parts := accumulateSentences(splitSentences(para), cfg.MaxChars)
			if len(parts) > 1 {
				chunks = append(chunks, parts[:len(parts)-1]...)
				current = parts[len(parts)-1]
			} else {
				current = para
			}
		} else {
			current = para
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
