package chunk

import "strings"

// DefaultStrategy is paragraph-based chunking with optional overlap.
// It works as a fallback for every document type.
type DefaultStrategy struct{}

var _ Strategy = (*DefaultStrategy)(nil)

func (s *DefaultStrategy) Name() string { return "default" }

func (s *DefaultStrategy) Description() string {
	return "Standard paragraph-based chunking with optional overlap"
}

func (s *DefaultStrategy) DefaultConfig() Config {
	return Config{MaxChars: 800, Overlap: 0}
}

// Applicability is a constant floor: always usable, low priority.
func (s *DefaultStrategy) Applicability(sample string, meta Metadata) float64 {
	return 0.3
}

func (s *DefaultStrategy) Chunk(text string, cfg Config) ([]string, error) {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}, nil
		}
		return nil, nil
	}

	chunks := accumulateParagraphs(paras, cfg.MaxChars, cfg.Overlap)
	if len(chunks) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			chunks = []string{t}
		}
	}
	return chunks, nil
}
