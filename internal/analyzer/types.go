// Package analyzer classifies documents before chunking: language,
// domain, entities and topics, table presence, and a suggested chunk
// strategy. Small documents go through a single LLM call with a
// heuristic fallback; large ones fan out over GPU-pinned endpoints.
package analyzer

// DefaultEmbedModel is the embedding model suggested with every
// analysis.
const DefaultEmbedModel = "BAAI/bge-m3"

// Analysis is the result of analyzing one document.
type Analysis struct {
	DocumentType string `json:"document_type"`
	MimeType     string `json:"mime_type,omitempty"`
	Language     string `json:"language,omitempty"`
	PageCount    int    `json:"page_count,omitempty"`

	HasTables bool `json:"has_tables"`
	HasImages bool `json:"has_images"`

	MainEntities []string `json:"main_entities"`
	MainTopics   []string `json:"main_topics"`

	SuggestedChunkStrategy string `json:"suggested_chunk_strategy"`
	SuggestedEmbedModel    string `json:"suggested_embed_model"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Request is one analysis request.
type Request struct {
	Document      string `json:"document"`
	Filename      string `json:"filename,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	ForceParallel bool   `json:"force_parallel,omitempty"`

	// DocID routes status updates; empty disables them.
	DocID string `json:"doc_id,omitempty"`
}
