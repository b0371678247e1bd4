package chunk

import (
	"regexp"
	"strings"
)

// SemanticSectionsStrategy splits on Markdown-style headers, either
// prefixed (# to ###) or underlined with === / ---. Each section
// keeps its header; oversize sections are re-chunked via default.
type SemanticSectionsStrategy struct{}

var _ Strategy = (*SemanticSectionsStrategy)(nil)

var (
	mdHeaderPattern        = regexp.MustCompile(`(?m)^#{1,3}\s+.+$`)
	underlineHeaderPattern = regexp.MustCompile(`(?m)^.+\n[=-]{3,}\s*$`)
	sectionHeaderPattern   = regexp.MustCompile(`(?m)^(#{1,3}\s+.+|.+\n[=-]{3,})\s*$`)
)

func (s *SemanticSectionsStrategy) Name() string { return "semantic_sections" }

func (s *SemanticSectionsStrategy) Description() string {
	return "Splits on headers and sections (# ## ### or === ---)"
}

func (s *SemanticSectionsStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1200, Overlap: 150}
}

func (s *SemanticSectionsStrategy) Applicability(sm string, meta Metadata) float64 {
	if countMatches(mdHeaderPattern, sm) > 2 {
		return 0.85
	}
	if countMatches(underlineHeaderPattern, sm) > 1 {
		return 0.80
	}
	fn := meta.Filename()
	if strings.HasSuffix(fn, ".md") || strings.HasSuffix(fn, ".markdown") {
		return 0.75
	}
	return 0.2
}

func (s *SemanticSectionsStrategy) Chunk(text string, cfg Config) ([]string, error) {
	headers := sectionHeaderPattern.FindAllStringIndex(text, -1)
	if len(headers) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}

	var chunks []string

	appendSection := func(section string) error {
		section = strings.TrimSpace(section)
		if section == "" {
			return nil
		}
		if len(section) > cfg.MaxChars {
			sub, err := (&DefaultStrategy{}).Chunk(section, cfg)
			if err != nil {
				return err
			}
			chunks = append(chunks, sub...)
			return nil
		}
		chunks = append(chunks, section)
		return nil
	}

	// Preamble before the first header.
	if err := appendSection(text[:headers[0][0]]); err != nil {
		return nil, err
	}

	// Each section spans its header through the next header.
	for i, h := range headers {
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		if err := appendSection(text[h[0]:end]); err != nil {
			return nil, err
		}
	}

	if len(chunks) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}
	return chunks, nil
}
