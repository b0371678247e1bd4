// Package chunk splits document text into retrievable units.
//
// A Registry holds named strategies. Each strategy scores its own
// applicability against a sample of the input, and the registry picks
// the best match when the caller does not name one explicitly.
package chunk

import "strings"

// Default limits shared across strategies.
const (
	DefaultMaxChars = 800
	// SampleSize is how much of the input applicability scoring sees.
	SampleSize = 2000
	// TokensPerChar is a rough approximation: 4 chars = 1 token.
	TokensPerChar = 4
)

// Config controls how a strategy splits text. Zero values mean
// "use the strategy default" when merged by the registry.
type Config struct {
	// MaxChars is a soft upper bound on chunk length.
	MaxChars int
	// Overlap is how many characters (or sentences, strategy-dependent)
	// are carried into the next chunk.
	Overlap int
	// MinChunkChars is the merge threshold for undersized chunks.
	MinChunkChars int
	// MaxTokens bounds token-oriented strategies (reviews).
	MaxTokens int
}

// Metadata carries optional hints about the document being chunked.
// Recognized keys: "filename", "mime_type", "doc_type", "source".
type Metadata map[string]string

func (m Metadata) get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Filename returns the lowercased filename hint, if any.
func (m Metadata) Filename() string {
	return strings.ToLower(m.get("filename"))
}

// Strategy produces an ordered sequence of chunks from text.
type Strategy interface {
	// Name is the unique registry key.
	Name() string

	// Description is a one-line summary for discovery endpoints.
	Description() string

	// DefaultConfig returns the strategy's preferred limits.
	DefaultConfig() Config

	// Applicability scores how well this strategy fits the sample,
	// between 0 (unsuitable) and 1 (perfect fit).
	Applicability(sample string, meta Metadata) float64

	// Chunk splits the full text. Must not return empty or
	// whitespace-only chunks for well-formed input.
	Chunk(text string, cfg Config) ([]string, error)
}

// Info describes a registered strategy.
type Info struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	DefaultConfig Config `json:"default_config"`
}

// merged overlays caller-supplied values onto the strategy default.
func merged(def Config, override Config) Config {
	cfg := def
	if override.MaxChars > 0 {
		cfg.MaxChars = override.MaxChars
	}
	if override.Overlap > 0 {
		cfg.Overlap = override.Overlap
	}
	if override.MinChunkChars > 0 {
		cfg.MinChunkChars = override.MinChunkChars
	}
	if override.MaxTokens > 0 {
		cfg.MaxTokens = override.MaxTokens
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return cfg
}
