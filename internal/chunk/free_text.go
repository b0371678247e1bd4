package chunk

import (
	"regexp"
	"strings"
)

// FreeTextStrategy targets narrative, unstructured prose such as
// articles, stories, reports, and essays. It prefers paragraph
// boundaries, never splits mid-sentence, and merges undersized chunks.
type FreeTextStrategy struct{}

var _ Strategy = (*FreeTextStrategy)(nil)

var (
	freeTextSentenceSplit = regexp.MustCompile(`[.!?]+\s+`)

	freeTextStructureMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*#{1,3}\s+`),
		regexp.MustCompile(`(?m)^\s*[*\-+]\s+`),
		regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`),
		regexp.MustCompile(`\[PAGE\s+\d+\]`),
		regexp.MustCompile(`(?m)^[|+\-].*[|+\-]$`),
	}

	freeTextNarrativeWords = []string{
		"vertelde", "zei", "dacht", "vroeg", "antwoordde",
		"echter", "daarom", "bovendien", "namelijk",
		"vervolgens", "daarna", "toen", "plotseling",
	}

	freeTextFilenameHints = []string{"artikel", "verhaal", "essay", "blog", "rapport", "notitie"}
)

func (s *FreeTextStrategy) Name() string { return "free_text" }

func (s *FreeTextStrategy) Description() string {
	return "Optimized for narrative, unstructured text (articles, stories, reports)"
}

func (s *FreeTextStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1000, Overlap: 150, MinChunkChars: 200}
}

func (s *FreeTextStrategy) Applicability(sm string, meta Metadata) float64 {
	score := 0.5

	// Many complete sentences of normal length suggest running prose.
	complete := 0
	for _, sent := range freeTextSentenceSplit.Split(sm, -1) {
		if len(sent) > 20 && len(sent) < 200 {
			complete++
		}
	}
	if complete >= 5 {
		score += 0.2
	}

	paras := splitParagraphs(sm)
	if len(paras) > 0 {
		total := 0
		for _, p := range paras {
			total += len(p)
		}
		if total/len(paras) > 200 {
			score += 0.15
		}
	}

	// Structure markers count against narrative text.
	for _, re := range freeTextStructureMarkers {
		if countMatches(re, sm) > 3 {
			score -= 0.1
		}
	}

	lower := strings.ToLower(sm)
	narrative := 0
	for _, w := range freeTextNarrativeWords {
		narrative += strings.Count(lower, w)
	}
	if narrative > 2 {
		score += 0.1
	}

	if containsAny(meta.Filename(), freeTextFilenameHints) {
		score += 0.1
	}

	return clampScore(score)
}

func (s *FreeTextStrategy) Chunk(text string, cfg Config) ([]string, error) {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}, nil
		}
		return nil, nil
	}

	var chunks []string
	current := ""

	for _, para := range paras {
		potential := para
		if current != "" {
			potential = current + "\n\n" + para
		}

		if len(potential) <= cfg.MaxChars {
			current = potential
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
			overlap := s.overlapText(current, cfg.Overlap)
			if overlap != "" {
				current = overlap + "\n\n" + para
			} else {
				current = para
			}
			continue
		}

		// First paragraph already oversize: split on sentence boundaries.
		if len(para) > cfg.MaxChars {
			sub := accumulateSentences(splitSentences(para), cfg.MaxChars)
			if len(sub) > 1 {
				chunks = append(chunks, sub[:len(sub)-1]...)
				current = sub[len(sub)-1]
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

	chunks = mergeSmallChunks(chunks, cfg.MinChunkChars)
	if len(chunks) == 0 {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks, nil
}

// overlapText takes whole sentences from the end of text, up to
// overlapSize characters.
func (s *FreeTextStrategy) overlapText(text string, overlapSize int) string {
	if overlapSize <= 0 {
		return ""
	}

	sentences := splitSentences(text)
	count := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		if count+len(sentences[i])+1 > overlapSize {
			break
		}
		count += len(sentences[i]) + 1
		start = i
	}
	if start >= len(sentences) {
		return ""
	}
	return strings.TrimSpace(strings.Join(sentences[start:], " "))
}

// mergeSmallChunks merges a chunk below minSize with its successor
// when the combined size stays within 3x the threshold.
func mergeSmallChunks(chunks []string, minSize int) []string {
	if len(chunks) == 0 || minSize <= 0 {
		return chunks
	}

	var merged []string
	i := 0
	for i < len(chunks) {
		current := chunks[i]
		if len(current) < minSize && i+1 < len(chunks) {
			combined := current + "\n\n" + chunks[i+1]
			if len(combined) <= minSize*3 {
				merged = append(merged, combined)
				i += 2
				continue
			}
		}
		merged = append(merged, current)
		i++
	}
	return merged
}
