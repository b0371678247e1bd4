package chunk

import (
	"regexp"
	"strings"
)

// TableAwareStrategy keeps table structures intact. Contiguous table
// lines become a single [TABLE] chunk; surrounding text accumulates
// line by line up to the chunk size.
type TableAwareStrategy struct{}

var _ Strategy = (*TableAwareStrategy)(nil)

var tableBorderLinePattern = regexp.MustCompile(`^[|+\-].*[|+\-]$`)

func (s *TableAwareStrategy) Name() string { return "table_aware" }

func (s *TableAwareStrategy) Description() string {
	return "Preserves table structures (| col | or tabs)"
}

func (s *TableAwareStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1000, Overlap: 100}
}

func (s *TableAwareStrategy) Applicability(sm string, meta Metadata) float64 {
	tableLines := 0
	tabLines := 0
	for _, line := range strings.Split(sm, "\n") {
		if tableBorderLinePattern.MatchString(strings.TrimSpace(line)) {
			tableLines++
		}
		if strings.Count(line, "\t") >= 2 {
			tabLines++
		}
	}
	if tableLines > 3 || tabLines > 3 {
		return 0.85
	}
	return 0.2
}

func (s *TableAwareStrategy) Chunk(text string, cfg Config) ([]string, error) {
	lines := strings.Split(text, "\n")

	var chunks []string
	var current []string
	var tableBuf []string
	inTable := false

	flushText := func(upTo int) {
		joined := strings.Join(current[:upTo], "\n")
		if strings.TrimSpace(joined) != "" {
			chunks = append(chunks, joined)
		}
	}

	for _, line := range lines {
		isTableLine := tableBorderLinePattern.MatchString(strings.TrimSpace(line)) ||
			strings.Count(line, "\t") >= 2

		if isTableLine {
			if !inTable && len(current) > 0 {
				flushText(len(current))
				current = nil
			}
			inTable = true
			tableBuf = append(tableBuf, line)
			continue
		}

		if inTable && len(tableBuf) > 0 {
			chunks = append(chunks, "[TABLE]\n"+strings.Join(tableBuf, "\n"))
			tableBuf = nil
			inTable = false
		}

		current = append(current, line)
		if len(strings.Join(current, "\n")) > cfg.MaxChars {
			flushText(len(current) - 1)
			if cfg.Overlap > 0 {
				current = []string{current[len(current)-1]}
			} else {
				current = nil
			}
		}
	}

	if len(tableBuf) > 0 {
		chunks = append(chunks, "[TABLE]\n"+strings.Join(tableBuf, "\n"))
	}
	if len(current) > 0 {
		flushText(len(current))
	}

	if len(chunks) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}
	return chunks, nil
}
