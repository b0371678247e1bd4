package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// AdministrativeStrategy targets government and policy documents:
// decisions, grants, permits, and policy notes. Special sections
// (Besluit, Motivering, Voorwaarden, ...) are always emitted as their
// own chunk, even when short, so eligibility questions can resolve to
// the exact conditions.
type AdministrativeStrategy struct{}

var _ Strategy = (*AdministrativeStrategy)(nil)

var (
	adminSpecialSectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(BESLUIT|BESLISSING|BESCHIKKING)`),
		regexp.MustCompile(`(?im)^\s*(MOTIVERING|OVERWEGINGEN?|TOELICHTING)`),
		regexp.MustCompile(`(?im)^\s*(RANDVOORWAARDEN?|VOORWAARDEN?|BEPALINGEN)`),
		regexp.MustCompile(`(?im)^\s*(UITSLUITINGEN?|NIET IN AANMERKING)`),
		regexp.MustCompile(`(?im)^\s*(PROCEDURE|AANVRAAGPROCEDURE|STAPPEN)`),
		regexp.MustCompile(`(?im)^\s*(TERMIJNEN?|DEADLINES?)`),
	}

	adminGeneralHeaderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^(\d+\.?\s+[A-Z][^\n]{5,60})$`),
		regexp.MustCompile(`(?m)^([A-Z][A-Z\s]{10,50})$`),
	}

	adminTermPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(college van b\s*&\s*w|burgemeester|wethouder)\b`),
		regexp.MustCompile(`(?i)\b(gemeenteraad|raadsbesluit|raadsvergadering)\b`),
		regexp.MustCompile(`(?i)\b(besluit|besluiten|beslissing|beschikking)\b`),
		regexp.MustCompile(`(?i)\b(subsidie|subsidieverlening)\b`),
		regexp.MustCompile(`(?i)\b(vergunning|ontheffing|toestemming)\b`),
		regexp.MustCompile(`(?i)\b(beleid|beleidsplan|beleidsnota)\b`),
		regexp.MustCompile(`(?i)\b(advies|adviseert|geadviseerd)\b`),
		regexp.MustCompile(`(?i)\b(overwegende dat|gelet op|gezien)\b`),
		regexp.MustCompile(`(?i)\b(krachtens|ingevolge|op grond van)\b`),
	}

	adminSubsidyTermPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(in aanmerking|aanspraak|komen voor)\b`),
		regexp.MustCompile(`(?i)\b(voorwaarde|voldoen aan|vereist)\b`),
		regexp.MustCompile(`(?i)\b(uitgesloten|niet in aanmerking|afgewezen)\b`),
		regexp.MustCompile(`(?i)\b(aanvraag|indienen|aanvrager)\b`),
		regexp.MustCompile(`(?i)\b(termijn|uiterlijk)\b`),
		regexp.MustCompile(`(?i)\b(budget|beschikbaar|maximaal bedrag)\b`),
	}

	adminGovernmentBodyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)gemeente\s+[\w\-]+`),
		regexp.MustCompile(`(?i)college van b\s*&\s*w`),
		regexp.MustCompile(`(?i)gemeenteraad`),
		regexp.MustCompile(`(?i)provincie\s+[\w\-]+`),
		regexp.MustCompile(`(?i)ministerie|minister van`),
		regexp.MustCompile(`(?i)waterschap`),
	}

	adminDatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:d\.?d\.?|datum|vastgesteld op)\s*:?\s*\d{1,2}[-/]\d{1,2}[-/]\d{2,4}`),
		regexp.MustCompile(`(?i)\d{1,2}\s+(?:januari|februari|maart|april|mei|juni|juli|augustus|september|oktober|november|december)\s+\d{4}`),
	}

	adminFilenameHints = []string{
		"besluit", "beleid", "nota", "subsidie", "vergunning",
		"raad", "college", "gemeente", "advies", "beschikking",
	}
)

func (s *AdministrativeStrategy) Name() string { return "administrative" }

func (s *AdministrativeStrategy) Description() string {
	return "Optimized for government documents: policy notes, decisions, grants, permits"
}

func (s *AdministrativeStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1200, Overlap: 100}
}

func (s *AdministrativeStrategy) Applicability(sm string, meta Metadata) float64 {
	score := 0.3

	specialSections := 0
	for _, re := range adminSpecialSectionPatterns {
		if re.MatchString(sm) {
			specialSections++
		}
	}
	switch {
	case specialSections >= 2:
		score += 0.25
	case specialSections == 1:
		score += 0.15
	}

	adminTerms := 0
	for _, re := range adminTermPatterns {
		adminTerms += countMatches(re, sm)
	}
	switch {
	case adminTerms >= 5:
		score += 0.20
	case adminTerms >= 3:
		score += 0.10
	}

	subsidyTerms := 0
	for _, re := range adminSubsidyTermPatterns {
		subsidyTerms += countMatches(re, sm)
	}
	if subsidyTerms >= 3 {
		score += 0.15
	}

	for _, re := range adminGovernmentBodyPatterns {
		if re.MatchString(sm) {
			score += 0.15
			break
		}
	}

	for _, re := range adminDatePatterns {
		if re.MatchString(sm) {
			score += 0.10
			break
		}
	}

	if containsAny(meta.Filename(), adminFilenameHints) {
		score += 0.15
	}

	return clampScore(score)
}

func (s *AdministrativeStrategy) Chunk(text string, cfg Config) ([]string, error) {
	sections := s.splitSections(text)
	if len(sections) == 0 {
		return accumulateParagraphs(splitParagraphs(text), cfg.MaxChars, cfg.Overlap), nil
	}

	var chunks []string
	for _, sec := range sections {
		if sec.kind != adminSectionRegular {
			// Special sections always become one chunk.
			chunks = append(chunks, formatAdminSection(sec))
			continue
		}
		if len(sec.content) > cfg.MaxChars {
			for _, part := range accumulateParagraphs(splitParagraphs(sec.content), cfg.MaxChars, cfg.Overlap) {
				chunks = append(chunks, formatAdminSection(adminSection{
					kind:    adminSectionRegular,
					header:  sec.header,
					content: part,
				}))
			}
		} else {
			chunks = append(chunks, formatAdminSection(sec))
		}
	}

	if len(chunks) == 0 {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks, nil
}

type adminSectionKind int

const (
	adminSectionRegular adminSectionKind = iota
	adminSectionSpecial
	adminSectionImportant
)

type adminSection struct {
	kind    adminSectionKind
	header  string
	content string
}

// splitSections finds special and general section headers and carves
// the document into sections. A non-trivial preamble becomes an
// "Inleiding" section.
func (s *AdministrativeStrategy) splitSections(text string) []adminSection {
	type match struct {
		pos    int
		header string
		kind   adminSectionKind
	}

	var matches []match
	for _, re := range adminSpecialSectionPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			matches = append(matches, match{
				pos:    loc[0],
				header: strings.TrimSpace(text[loc[2]:loc[3]]),
				kind:   adminSectionSpecial,
			})
		}
	}
	for _, re := range adminGeneralHeaderPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			pos := loc[0]
			dup := false
			for _, m := range matches {
				if abs(pos-m.pos) < 10 {
					dup = true
					break
				}
			}
			if !dup {
				matches = append(matches, match{
					pos:    pos,
					header: strings.TrimSpace(text[loc[2]:loc[3]]),
					kind:   adminSectionRegular,
				})
			}
		}
	}

	if len(matches) == 0 {
		return []adminSection{{kind: adminSectionRegular, content: text}}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	var sections []adminSection
	if matches[0].pos > 50 {
		if preamble := strings.TrimSpace(text[:matches[0].pos]); preamble != "" {
			sections = append(sections, adminSection{
				kind:    adminSectionImportant,
				header:  "Inleiding",
				content: preamble,
			})
		}
	}

	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1].pos
		}
		contentStart := m.pos + len(m.header)
		if contentStart > end {
			contentStart = end
		}
		sections = append(sections, adminSection{
			kind:    m.kind,
			header:  m.header,
			content: strings.TrimSpace(text[contentStart:end]),
		})
	}
	return sections
}

func formatAdminSection(sec adminSection) string {
	var b strings.Builder
	switch sec.kind {
	case adminSectionSpecial:
		fmt.Fprintf(&b, "[SECTIE: %s]\n[TYPE: BELANGRIJK]\n", sec.header)
	case adminSectionImportant:
		fmt.Fprintf(&b, "[SECTIE: %s]\n", sec.header)
	default:
		if sec.header != "" {
			fmt.Fprintf(&b, "[%s]\n", sec.header)
		}
	}
	b.WriteByte('\n')
	b.WriteString(sec.content)
	return b.String()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
