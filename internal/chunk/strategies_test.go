package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStrategyAccumulatesParagraphs(t *testing.T) {
	s := &DefaultStrategy{}

	text := "Para one.\n\nPara two.\n\nPara three."
	chunks, err := s.Chunk(text, Config{MaxChars: 800})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "Para one.")
	assert.Contains(t, chunks[0], "Para three.")
}

func TestDefaultStrategySplitsOnOverflow(t *testing.T) {
	s := &DefaultStrategy{}

	long := strings.Repeat("x", 400)
	text := long + "\n\n" + long + "\n\n" + long
	chunks, err := s.Chunk(text, Config{MaxChars: 500})
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestDefaultStrategyOversizeParagraphKeptWhole(t *testing.T) {
	s := &DefaultStrategy{}

	text := strings.Repeat("y", 1200)
	chunks, err := s.Chunk(text, Config{MaxChars: 500})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestFreeTextStrategySentenceBoundaries(t *testing.T) {
	s := &FreeTextStrategy{}

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "This is sentence number %d of the running narrative text. ", i)
	}
	chunks, err := s.Chunk(b.String(), Config{MaxChars: 400, MinChunkChars: 100})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		trimmed := strings.TrimSpace(c)
		assert.True(t, strings.HasSuffix(trimmed, "."), "chunk should end at a sentence boundary: %q", trimmed)
	}
}

func TestFreeTextMergeSmallChunks(t *testing.T) {
	merged := mergeSmallChunks([]string{"tiny", strings.Repeat("a", 150)}, 200)
	require.Len(t, merged, 1)
	assert.Contains(t, merged[0], "tiny")
}

func TestPageAwareStrategySplitsOnMarkers(t *testing.T) {
	s := &PageAwareStrategy{}

	text := "[PAGE 1]\nFirst page content.\n[PAGE 2]\nSecond page content."
	chunks, err := s.Chunk(text, Config{MaxChars: 1500})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], "[PAGE 1]\n"))
	assert.True(t, strings.HasPrefix(chunks[1], "[PAGE 2]\n"))
}

func TestPageAwareStrategyOversizePageKeepsHeader(t *testing.T) {
	s := &PageAwareStrategy{}

	long := strings.Repeat("content sentence here. ", 30)
	text := "[PAGE 1]\n" + long + "\n\n" + long
	chunks, err := s.Chunk(text, Config{MaxChars: 400})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "[PAGE 1]\n"), "every subchunk keeps the page header")
	}
}

func TestSemanticSectionsStrategy(t *testing.T) {
	s := &SemanticSectionsStrategy{}

	text := "# Introduction\n\nIntro text.\n\n# Details\n\nDetail text.\n\n# Summary\n\nSummary text."
	assert.Greater(t, s.Applicability(text, nil), 0.8)

	chunks, err := s.Chunk(text, Config{MaxChars: 1200})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0], "# Introduction"))
	assert.Contains(t, chunks[1], "Detail text.")
}

func TestConversationStrategyTurns(t *testing.T) {
	s := &ConversationStrategy{}

	text := "User: first question here\nAssistant: first answer here\nUser: second question here\nAssistant: second answer here"
	chunks, err := s.Chunk(text, Config{MaxChars: 60})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[0], "User:")
}

func TestConversationStrategyMergesSmallTurns(t *testing.T) {
	s := &ConversationStrategy{}

	text := "Q: one\nA: two\nQ: three\nA: four"
	chunks, err := s.Chunk(text, Config{MaxChars: 600})
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestTableAwareStrategyPreservesTables(t *testing.T) {
	s := &TableAwareStrategy{}

	text := "Some intro text.\n| a | b |\n| 1 | 2 |\n| 3 | 4 |\nSome closing text."
	chunks, err := s.Chunk(text, Config{MaxChars: 1000})
	require.NoError(t, err)

	var tableChunk string
	for _, c := range chunks {
		if strings.HasPrefix(c, "[TABLE]\n") {
			tableChunk = c
		}
	}
	require.NotEmpty(t, tableChunk, "expected a [TABLE] chunk")
	assert.Contains(t, tableChunk, "| 1 | 2 |")
	assert.Contains(t, tableChunk, "| 3 | 4 |")
}

func TestFinancialTablesRowMode(t *testing.T) {
	s := &FinancialTablesStrategy{}

	text := "Balans\nPost\t2022\t2023\nOmzet\t100\t200\nKosten\t50\t80\n"
	chunks, err := s.Chunk(text, Config{MaxChars: 1500})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	found := false
	for _, c := range chunks {
		if strings.Contains(c, "[TABEL]") && strings.Contains(c, "Omzet\t100\t200") {
			found = true
			assert.Contains(t, c, "Post\t2022\t2023", "row chunks keep the header row")
		}
	}
	assert.True(t, found, "expected a per-row table chunk")
}

func TestFinancialTablesColumnMode(t *testing.T) {
	var rows strings.Builder
	rows.WriteString("Balans\nPost\t2022\t2023\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&rows, "KPI%02d\t%d\t%d\n", i, i*10, i*20)
	}

	s := &FinancialTablesStrategy{}
	chunks, err := s.Chunk(rows.String(), Config{MaxChars: 1500})
	require.NoError(t, err)

	found := false
	for _, c := range chunks {
		if strings.Contains(c, "KPI: KPI00") {
			found = true
			assert.Contains(t, c, "2022: 0")
			assert.Contains(t, c, "2023: 0")
		}
	}
	assert.True(t, found, "expected per-KPI time series chunks")
}

func TestLegalStrategyArticles(t *testing.T) {
	s := &LegalStrategy{}

	text := "Artikel 1 Definities\nIn deze overeenkomst wordt verstaan onder partijen.\n" +
		"Artikel 2 Looptijd\nDe overeenkomst geldt voor onbepaalde tijd.\n" +
		"Artikel 3 Aansprakelijkheid\nDe aansprakelijkheid is beperkt."
	assert.Greater(t, s.Applicability(text, nil), 0.6)

	chunks, err := s.Chunk(text, Config{MaxChars: 2000})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.True(t, strings.HasPrefix(chunks[0], "[ARTIKEL 1]"))
	assert.Contains(t, chunks[0], "[TITEL: Definities]")
	assert.True(t, strings.HasPrefix(chunks[2], "[ARTIKEL 3]"))
}

func TestLegalStrategyForcesZeroOverlap(t *testing.T) {
	s := &LegalStrategy{}

	var long strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&long, "De partij is verplicht tot nakoming van bepaling nummer %d. ", i)
	}
	text := "Artikel 1 Verplichtingen\n" + long.String() + "\nArtikel 2 Slot\nDeze overeenkomst eindigt."
	chunks, err := s.Chunk(text, Config{MaxChars: 400, Overlap: 100})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	// No clause text repeats across adjacent chunks.
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-40:]
		assert.NotContains(t, chunks[i], prevTail)
	}
}

func TestAdministrativeSpecialSections(t *testing.T) {
	s := &AdministrativeStrategy{}

	text := "Het college van de gemeente heeft het volgende vastgesteld.\n\n" +
		"BESLUIT\nDe subsidie wordt verleend.\n\n" +
		"VOORWAARDEN\nDe aanvrager voldoet aan de termijn.\n"
	assert.Greater(t, s.Applicability(text, nil), 0.5)

	chunks, err := s.Chunk(text, Config{MaxChars: 1200})
	require.NoError(t, err)

	var besluit string
	for _, c := range chunks {
		if strings.Contains(c, "[SECTIE: BESLUIT]") {
			besluit = c
		}
	}
	require.NotEmpty(t, besluit, "BESLUIT section should be its own chunk")
	assert.Contains(t, besluit, "[TYPE: BELANGRIJK]")
	assert.Contains(t, besluit, "De subsidie wordt verleend.")
}

func TestReviewsStrategyOneReviewPerChunk(t *testing.T) {
	s := &ReviewsStrategy{}

	text := "Rating: 5\nGeweldig restaurant, echt een aanrader.\n" +
		"Rating: 2\nSlecht eten en trage bediening.\n" +
		"Rating: 4\nPrima ervaring, fijn personeel.\n"
	assert.Greater(t, s.Applicability(text, nil), 0.5)

	chunks, err := s.Chunk(text, Config{MaxTokens: 700})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "[REVIEW]\n"))
	}
	assert.Contains(t, chunks[0], "Geweldig restaurant")
	assert.Contains(t, chunks[1], "Slecht eten")
}

func TestReviewsStrategySplitsLongReview(t *testing.T) {
	s := &ReviewsStrategy{}

	long := strings.Repeat("De service was werkelijk uitstekend tijdens ons bezoek. ", 60)
	chunks, err := s.Chunk(long, Config{MaxTokens: 100})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[0], "[PART: 1/")
}

func TestMenusStrategyStructuredItems(t *testing.T) {
	s := &MenusStrategy{}

	text := "Gerecht: Biefstuk van de grill\nOmschrijving: Met friet en salade\nPrijs: 24,50 EUR\n\n" +
		"Gerecht: Zalm uit de oven\nOmschrijving: Met seizoensgroenten\nPrijs: 21,00 EUR\n"
	assert.Greater(t, s.Applicability(text, nil), 0.5)

	chunks, err := s.Chunk(text, Config{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasPrefix(chunks[0], "[MENU ITEM]"))
	assert.Contains(t, chunks[0], "Gerecht: Biefstuk van de grill")
	assert.Contains(t, chunks[0], "Prijs: 24.50 EUR")
}

func TestMenusStrategyBlockFormat(t *testing.T) {
	s := &MenusStrategy{}

	text := "=== Hoofdgerechten ===\n\nStamppot met rookworst\nKlassiek gerecht\n€ 14,50\n\nKipsaté met friet\nMet pindasaus\n€ 16,00"
	chunks, err := s.Chunk(text, Config{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Contains(t, chunks[0], "Gerecht: Stamppot met rookworst")
	assert.Contains(t, chunks[0], "Prijs: 14.50 EUR")
}

func TestSplitSentencesKeepsPunctuation(t *testing.T) {
	sentences := splitSentences("First one. Second one! Third one? Tail without end")
	require.Len(t, sentences, 4)
	assert.Equal(t, "First one.", sentences[0])
	assert.Equal(t, "Second one!", sentences[1])
	assert.Equal(t, "Third one?", sentences[2])
	assert.Equal(t, "Tail without end", sentences[3])
}
