package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"dutch", "De jaarrekening toont een positief resultaat over het boekjaar.", "nl"},
		{"english", "The balance sheet shows a healthy cash position.", "en"},
		{"unknown", "12345 67890", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}

func TestHasTables(t *testing.T) {
	tabular := "Revenue 2021: 1.250.000\nRevenue 2022: 1.380.000\nRevenue 2023: 1.410.000\n" +
		"Costs 2022: 890.000\nCosts 2023: 910.000\n"
	assert.True(t, hasTables(tabular))
	assert.False(t, hasTables("Plain prose without any figures worth mentioning."))
}

func TestClassifyDocument(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		filename string
		want     string
	}{
		{"annual report by filename", "content", "jaarrekening-2023.pdf", "annual_report_pdf"},
		{"offer by content", "Hierbij onze offerte voor de levering.", "", "offer_doc"},
		{"chatlog", "User: hello\nAssistant: hi there", "", "chatlog"},
		{"review", "Review by Anna: great service, five sterren", "", "review_doc"},
		{"generic", "Nothing special here.", "notes.txt", "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDocument(tt.text, tt.filename))
		})
	}
}

func TestChunkStrategyFor(t *testing.T) {
	assert.Equal(t, "page_plus_table_aware", chunkStrategyFor("annual_report_pdf", true))
	assert.Equal(t, "semantic_sections", chunkStrategyFor("offer_doc", false))
	assert.Equal(t, "conversation_turns", chunkStrategyFor("chatlog", false))
	assert.Equal(t, "table_aware", chunkStrategyFor("generic", true))
	assert.Equal(t, "default", chunkStrategyFor("generic", false))
}

func TestHeuristicAnalyze(t *testing.T) {
	req := &Request{
		Document: "De jaarrekening van Acme Holding toont de balans per 31 december. " +
			"Activa: 2.500.000\nPassiva: 2.500.000\nWinst: 340.000\nVerlies: 12.000\nOmzet: 4.100.000\n",
		Filename: "jaarrekening.pdf",
	}
	result := heuristicAnalyze(req)

	assert.Equal(t, "annual_report_pdf", result.DocumentType)
	assert.Equal(t, "nl", result.Language)
	assert.True(t, result.HasTables)
	assert.Equal(t, "page_plus_table_aware", result.SuggestedChunkStrategy)
	assert.Equal(t, DefaultEmbedModel, result.SuggestedEmbedModel)
	assert.Equal(t, "finance", result.Extra["domain"])
	assert.NotEmpty(t, result.MainEntities)
	assert.NotEmpty(t, result.MainTopics)
}

func TestHeuristicEntitiesDedup(t *testing.T) {
	entities := heuristicEntities("Acme Corp met Acme Corp en Beta Group. Acme Corp again.", 5)
	count := 0
	for _, e := range entities {
		if e == "Acme Corp" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
