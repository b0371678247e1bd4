package chunk

import (
	"regexp"
	"strings"
)

var sentenceEndPattern = regexp.MustCompile(`([.!?]+\s+)`)

// splitParagraphs splits on blank lines and drops empty entries.
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	paras := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			paras = append(paras, s)
		}
	}
	return paras
}

// splitSentences splits text into whole sentences, keeping trailing
// punctuation attached to its sentence.
func splitSentences(text string) []string {
	locs := sentenceEndPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		if s := strings.TrimSpace(text); s != "" {
			return []string{s}
		}
		return nil
	}

	var out []string
	prev := 0
	for _, loc := range locs {
		sent := strings.TrimSpace(text[prev:loc[1]])
		if sent != "" {
			out = append(out, sent)
		}
		prev = loc[1]
	}
	if tail := strings.TrimSpace(text[prev:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

// accumulateParagraphs builds chunks from paragraphs up to maxChars,
// optionally carrying the last overlap characters into the next chunk.
func accumulateParagraphs(paras []string, maxChars, overlap int) []string {
	var chunks []string
	buf := ""

	for _, p := range paras {
		if len(buf)+len(p)+2 <= maxChars {
			if buf == "" {
				buf = p
			} else {
				buf = buf + "\n\n" + p
			}
			continue
		}
		if buf == "" {
			// First paragraph already oversize, keep it whole.
			buf = p
			continue
		}
		chunks = append(chunks, buf)
		if overlap > 0 && len(buf) > overlap {
			buf = buf[len(buf)-overlap:] + "\n\n" + p
		} else {
			buf = p
		}
	}
	if buf != "" {
		chunks = append(chunks, buf)
	}
	return chunks
}

// accumulateSentences builds chunks from whole sentences up to maxChars.
func accumulateSentences(sentences []string, maxChars int) []string {
	var chunks []string
	buf := ""

	for _, s := range sentences {
		if buf != "" && len(buf)+len(s)+1 > maxChars {
			chunks = append(chunks, strings.TrimSpace(buf))
			buf = s
			continue
		}
		if buf == "" {
			buf = s
		} else {
			buf = buf + " " + s
		}
	}
	if strings.TrimSpace(buf) != "" {
		chunks = append(chunks, strings.TrimSpace(buf))
	}
	return chunks
}

// sample returns at most n leading characters of text.
func sample(text string, n int) string {
	if len(text) > n {
		return text[:n]
	}
	return text
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func countMatches(re *regexp.Regexp, text string) int {
	return len(re.FindAllStringIndex(text, -1))
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
