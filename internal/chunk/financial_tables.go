package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FinancialTablesStrategy targets financial documents with tables:
// annual reports, financial statements, quotes, and price lists.
// Tables are chunked row per row with the header retained, or per
// KPI over a year range when the table is a long time series.
type FinancialTablesStrategy struct{}

var _ Strategy = (*FinancialTablesStrategy)(nil)

// Row count above which a table is chunked per KPI column instead of per row.
const financialColumnModeRows = 20

var (
	financialSectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(balans|balance\s+sheet)`),
		regexp.MustCompile(`(?i)(resultatenrekening|winst[- ]en[- ]verlies|profit\s+and\s+loss|p&l|v&w)`),
		regexp.MustCompile(`(?i)(kasstroom|cashflow|cash\s+flow)`),
		regexp.MustCompile(`(?i)(toelichting|notes?|verklarende)`),
		regexp.MustCompile(`(?i)(waardering|valuation)`),
		regexp.MustCompile(`(?i)(eigen\s+vermogen|equity)`),
		regexp.MustCompile(`(?i)(bezittingen|assets|activa)`),
		regexp.MustCompile(`(?i)(schulden|liabilities|passiva)`),
	}

	contractSectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(scope|omvang|werkzaamheden)`),
		regexp.MustCompile(`(?i)(prijs|price|bedrag|tarief|kosten)`),
		regexp.MustCompile(`(?i)(looptijd|duration|termijn)`),
		regexp.MustCompile(`(?i)(levering|delivery|voorwaarden)`),
		regexp.MustCompile(`(?i)(betalings?voorwaarden|payment\s+terms)`),
		regexp.MustCompile(`(?i)(garantie|warranty)`),
	}

	kpiPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(omzet|revenue|turnover)`),
		regexp.MustCompile(`(?i)(ebitda|ebit)`),
		regexp.MustCompile(`(?i)(winst|profit|resultaat)`),
		regexp.MustCompile(`(?i)(marge|margin)`),
		regexp.MustCompile(`(?i)(kosten|costs|expenses)`),
		regexp.MustCompile(`(?i)(activa|assets|bezittingen)`),
		regexp.MustCompile(`(?i)(passiva|liabilities|schulden)`),
		regexp.MustCompile(`(?i)(eigen\s+vermogen|equity)`),
		regexp.MustCompile(`(?i)(liquiditeit|liquidity|solvabiliteit)`),
	}

	pipeTablePattern      = regexp.MustCompile(`\|.*\|.*\|`)
	tableBorderPattern    = regexp.MustCompile(`^\s*[-+=|]+\s*$`)
	decimalNumberPattern  = regexp.MustCompile(`\d+[.,]\d{2,}`)
	currencyAmountPattern = regexp.MustCompile(`[€$£]\s*\d+|EUR|USD`)
	yearPattern           = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	columnNumberPattern   = regexp.MustCompile(`\b\d+[.,]?\d*\b`)
	multiSpacePattern     = regexp.MustCompile(`\s{2,}`)

	financialFilenameHints = []string{
		"jaarrekening", "annual", "financial", "financieel",
		"balans", "resultaat", "offerte", "quote", "contract",
		"prijslijst", "tarief", "kosten", "taxatie",
	}
)

func (s *FinancialTablesStrategy) Name() string { return "financial_tables" }

func (s *FinancialTablesStrategy) Description() string {
	return "Optimized for financial documents with tables and numbers (annual reports, quotes, contracts)"
}

func (s *FinancialTablesStrategy) DefaultConfig() Config {
	return Config{MaxChars: 1500, Overlap: 100}
}

func (s *FinancialTablesStrategy) Applicability(sm string, meta Metadata) float64 {
	score := 0.3

	financialSections := 0
	for _, re := range financialSectionPatterns {
		if re.MatchString(sm) {
			financialSections++
		}
	}
	switch {
	case financialSections >= 2:
		score += 0.3
	case financialSections == 1:
		score += 0.15
	}

	contractSections := 0
	for _, re := range contractSectionPatterns {
		if re.MatchString(sm) {
			contractSections++
		}
	}
	if contractSections >= 2 {
		score += 0.2
	}

	kpis := 0
	for _, re := range kpiPatterns {
		if re.MatchString(sm) {
			kpis++
		}
	}
	if kpis >= 3 {
		score += 0.2
	}

	tabLines := 0
	borderLines := 0
	for _, line := range strings.Split(sm, "\n") {
		if strings.Count(line, "\t") >= 2 {
			tabLines++
		}
		if tableBorderPattern.MatchString(line) {
			borderLines++
		}
	}
	if countMatches(pipeTablePattern, sm) > 3 || tabLines > 3 || borderLines > 3 {
		score += 0.2
	}

	if countMatches(decimalNumberPattern, sm) > 10 || countMatches(currencyAmountPattern, sm) > 5 {
		score += 0.15
	}

	years := make(map[string]struct{})
	for _, y := range yearPattern.FindAllString(sm, -1) {
		years[y] = struct{}{}
	}
	if len(years) >= 2 {
		score += 0.15
	}

	if containsAny(meta.Filename(), financialFilenameHints) {
		score += 0.15
	}

	return clampScore(score)
}

func (s *FinancialTablesStrategy) Chunk(text string, cfg Config) ([]string, error) {
	sections := s.splitSections(text)

	var chunks []string
	for _, sec := range sections {
		for _, part := range s.extractParts(sec.content) {
			if part.isTable {
				chunks = append(chunks, s.chunkTable(part.content, sec.header)...)
				continue
			}
			body := part.content
			if sec.header != "" {
				body = fmt.Sprintf("[%s]\n\n%s", sec.header, part.content)
			}
			if len(body) > cfg.MaxChars {
				chunks = append(chunks, accumulateParagraphs(splitParagraphs(body), cfg.MaxChars, 0)...)
			} else if strings.TrimSpace(body) != "" {
				chunks = append(chunks, body)
			}
		}
	}

	if len(chunks) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}
	return chunks, nil
}

type financialSection struct {
	header  string
	content string
}

// splitSections splits the document on financial and contract section
// headers. The line containing the match becomes the section header.
func (s *FinancialTablesStrategy) splitSections(text string) []financialSection {
	type match struct {
		pos    int
		header string
	}

	var matches []match
	for _, re := range append(append([]*regexp.Regexp{}, financialSectionPatterns...), contractSectionPatterns...) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			lineStart := strings.LastIndexByte(text[:loc[0]], '\n') + 1
			lineEnd := strings.IndexByte(text[loc[0]:], '\n')
			if lineEnd == -1 {
				lineEnd = len(text)
			} else {
				lineEnd += loc[0]
			}
			matches = append(matches, match{pos: loc[0], header: strings.TrimSpace(text[lineStart:lineEnd])})
		}
	}

	if len(matches) == 0 {
		return []financialSection{{content: text}}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	var sections []financialSection
	if pre := strings.TrimSpace(text[:matches[0].pos]); pre != "" {
		sections = append(sections, financialSection{header: "Inleiding", content: pre})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1].pos
		}
		content := strings.TrimSpace(text[m.pos:end])
		content = strings.TrimSpace(strings.TrimPrefix(content, m.header))
		sections = append(sections, financialSection{header: m.header, content: content})
	}
	return sections
}

type sectionPart struct {
	isTable bool
	content string
}

// extractParts separates table runs from regular text within a section.
func (s *FinancialTablesStrategy) extractParts(text string) []sectionPart {
	var parts []sectionPart
	var buf []string
	inTable := false

	flush := func() {
		if len(buf) > 0 {
			parts = append(parts, sectionPart{isTable: inTable, content: strings.Join(buf, "\n")})
			buf = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if isFinancialTableLine(line) != inTable {
			flush()
			inTable = !inTable
		}
		buf = append(buf, line)
	}
	flush()
	return parts
}

func isFinancialTableLine(line string) bool {
	if pipeTablePattern.MatchString(line) {
		return true
	}
	if strings.Count(line, "\t") >= 2 {
		return true
	}
	if tableBorderPattern.MatchString(line) {
		return true
	}
	// Numbers in columns: at least 3 numbers on a short line.
	if len(columnNumberPattern.FindAllString(line, -1)) >= 3 && len(strings.TrimSpace(line)) < 200 {
		return true
	}
	return false
}

// chunkTable emits one chunk per row for small tables, or one chunk
// per KPI over the year range for long time-series tables.
func (s *FinancialTablesStrategy) chunkTable(tableText, sectionHeader string) []string {
	var lines []string
	for _, l := range strings.Split(tableText, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	headerIdx := 0
	for i, line := range lines {
		if !tableBorderPattern.MatchString(line) {
			headerIdx = i
			break
		}
	}
	header := lines[headerIdx]

	var dataLines []string
	for _, l := range lines[headerIdx+1:] {
		if !tableBorderPattern.MatchString(l) {
			dataLines = append(dataLines, l)
		}
	}

	context := "[TABEL]\n"
	if sectionHeader != "" {
		context = fmt.Sprintf("[%s]\n%s", sectionHeader, context)
	}

	var chunks []string
	if len(dataLines) <= financialColumnModeRows {
		for _, row := range dataLines {
			chunks = append(chunks, context+header+"\n"+row)
		}
	} else {
		kpis := parseTimeSeriesTable(header, dataLines)
		if len(kpis) > 0 {
			for _, kpi := range kpis {
				var b strings.Builder
				fmt.Fprintf(&b, "%sKPI: %s\n", context, kpi.name)
				for i, year := range kpi.years {
					if i > 0 {
						b.WriteByte('\n')
					}
					fmt.Fprintf(&b, "%s: %s", year, kpi.values[i])
				}
				chunks = append(chunks, b.String())
			}
		} else {
			limit := len(dataLines)
			if limit > 10 {
				limit = 10
			}
			for _, row := range dataLines[:limit] {
				chunks = append(chunks, context+header+"\n"+row)
			}
		}
	}

	if len(chunks) == 0 {
		chunks = []string{context + tableText}
	}
	return chunks
}

type kpiSeries struct {
	name   string
	years  []string
	values []string
}

// parseTimeSeriesTable parses a table whose columns are years into
// per-KPI series. Returns nil when no year columns are found.
func parseTimeSeriesTable(header string, rows []string) []kpiSeries {
	cols := splitTableCells(header)
	if len(cols) < 2 {
		return nil
	}

	var yearCols []string
	for _, col := range cols[1:] {
		if y := yearPattern.FindString(col); y != "" {
			yearCols = append(yearCols, y)
		}
	}
	if len(yearCols) == 0 {
		return nil
	}

	var result []kpiSeries
	limit := len(rows)
	if limit > 50 {
		limit = 50
	}
	for _, row := range rows[:limit] {
		cells := splitTableCells(row)
		if len(cells) < 2 {
			continue
		}
		series := kpiSeries{name: cells[0]}
		for i, val := range cells[1:] {
			if i >= len(yearCols) || val == "" {
				break
			}
			series.years = append(series.years, yearCols[i])
			series.values = append(series.values, val)
		}
		if series.name != "" && len(series.values) > 0 {
			result = append(result, series)
		}
	}
	return result
}

func splitTableCells(line string) []string {
	var raw []string
	switch {
	case strings.Contains(line, "|"):
		raw = strings.Split(line, "|")
	case strings.Contains(line, "\t"):
		raw = strings.Split(line, "\t")
	default:
		raw = multiSpacePattern.Split(line, -1)
	}

	cells := make([]string, 0, len(raw))
	for _, c := range raw {
		if t := strings.TrimSpace(c); t != "" {
			cells = append(cells, t)
		}
	}
	return cells
}
