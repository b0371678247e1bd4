package chunk

import (
	"regexp"
	"strings"
)

// ConversationStrategy splits chat logs on speaker turns. Small turns
// are merged back together up to the configured chunk size.
type ConversationStrategy struct{}

var _ Strategy = (*ConversationStrategy)(nil)

var (
	speakerPattern     = regexp.MustCompile(`(?i)(?:User|Assistant|Client|Therapist|Coach|Coachee|Q|A|Vraag|Antwoord)\s*:`)
	speakerLinePattern = regexp.MustCompile(`(?im)^(?:User|Assistant|Client|Therapist|Coach|Coachee|Q|A|Vraag|Antwoord)\s*:`)

	conversationFilenameHints = []string{"chat", "conversation", "whatsapp", "telegram", "slack"}
)

func (s *ConversationStrategy) Name() string { return "conversation_turns" }

func (s *ConversationStrategy) Description() string {
	return "Splits on conversation turns (User:, Assistant:, Q:, etc.)"
}

func (s *ConversationStrategy) DefaultConfig() Config {
	return Config{MaxChars: 600, Overlap: 0}
}

func (s *ConversationStrategy) Applicability(sm string, meta Metadata) float64 {
	matches := countMatches(speakerPattern, sm)
	if matches > 5 {
		return 0.90
	}
	if matches > 2 {
		return 0.75
	}
	if containsAny(meta.Filename(), conversationFilenameHints) {
		return 0.85
	}
	return 0.1
}

func (s *ConversationStrategy) Chunk(text string, cfg Config) ([]string, error) {
	starts := speakerLinePattern.FindAllStringIndex(text, -1)
	if len(starts) == 0 {
		return (&DefaultStrategy{}).Chunk(text, cfg)
	}

	var turns []string
	if pre := strings.TrimSpace(text[:starts[0][0]]); pre != "" {
		turns = append(turns, pre)
	}
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		if turn := strings.TrimSpace(text[loc[0]:end]); turn != "" {
			turns = append(turns, turn)
		}
	}

	// Merge small turns up to max_chars.
	merged := accumulateParagraphs(turns, cfg.MaxChars, 0)
	if len(merged) == 0 {
		merged = turns
	}
	return merged, nil
}
