package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// PageAwareStrategy splits on explicit [PAGE n] markers, typically
// produced by PDF extraction. Oversize pages are re-chunked through
// the default strategy with the page header retained on every part.
type PageAwareStrategy struct{}

var _ Strategy = (*PageAwareStrategy)(nil)

var pageMarkerPattern = regexp.MustCompile(`\[PAGE \d+\]`)

func (s *PageAwareStrategy) Name() string { return "page_plus_table_aware" }

func (s *PageAwareStrategy) Description() string {
	return "Respects page boundaries ([PAGE X]) and preserves tables (for PDFs)"
}

func (s *PageAwareStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1500, Overlap: 200}
}

func (s *PageAwareStrategy) Applicability(sm string, meta Metadata) float64 {
	if strings.Contains(sm, "[PAGE") {
		return 0.95
	}
	if meta.get("mime_type") == "application/pdf" {
		return 0.70
	}
	if strings.HasSuffix(meta.Filename(), ".pdf") {
		return 0.70
	}
	return 0.1
}

func (s *PageAwareStrategy) Chunk(text string, cfg Config) ([]string, error) {
	var pages []string
	for _, p := range pageMarkerPattern.Split(text, -1) {
		if t := strings.TrimSpace(p); t != "" {
			pages = append(pages, t)
		}
	}

	if len(pages) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}

	var chunks []string
	for i, page := range pages {
		header := fmt.Sprintf("[PAGE %d]\n", i+1)

		if len(page) > cfg.MaxChars {
			subCfg := Config{MaxChars: cfg.MaxChars - len(header), Overlap: cfg.Overlap}
			sub, err := (&DefaultStrategy{}).Chunk(page, subCfg)
			if err != nil {
				return nil, err
			}
			for _, sc := range sub {
				chunks = append(chunks, header+sc)
			}
		} else {
			chunks = append(chunks, header+page)
		}
	}
	return chunks, nil
}
