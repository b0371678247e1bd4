package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// ReviewsStrategy chunks review data (Google Reviews, customer
// feedback) one review per chunk. Reviews are never combined; reviews
// longer than the token budget split on sentences with a part marker.
type ReviewsStrategy struct{}

var _ Strategy = (*ReviewsStrategy)(nil)

const reviewMinLength = 10

var (
	reviewIndicatorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(rating|beoordeling|sterren|stars)\b`),
		regexp.MustCompile(`(?i)\b(review|recensie|ervaring)\b`),
		regexp.MustCompile(`(?i)\b(google|yelp|tripadvisor)\b`),
		regexp.MustCompile(`[★⭐]{1,5}`),
		regexp.MustCompile(`\b[1-5]/5\b`),
	}

	reviewRatingSeparator = regexp.MustCompile(`(?:Rating:|Beoordeling:|\*+|★+)\s*[1-5](?:/5)?\s*\n`)
	reviewAuthorSeparator = regexp.MustCompile(`(?:Review by|Recensie van|Door)\s+[A-Z][a-z]+(?:\s+[A-Z]\.?)?\s*\n`)

	reviewSentimentWords = map[string][]string{
		"positive": {"geweldig", "fantastisch", "uitstekend", "top", "prima", "goed", "fijn", "aanrader"},
		"negative": {"slecht", "teleurstellend", "nooit meer", "niet aanraden", "verschrikkelijk", "onacceptabel"},
		"neutral":  {"oké", "gemiddeld", "redelijk", "normaal"},
	}

	reviewFilenameHints = []string{"review", "recensie", "google", "yelp", "feedback"}
)

func (s *ReviewsStrategy) Name() string { return "reviews" }

func (s *ReviewsStrategy) Description() string {
	return "Optimized for review data: Google Reviews, customer feedback (1 review = 1 chunk)"
}

func (s *ReviewsStrategy) DefaultConfig() Config {
	return Config{MaxTokens: 700}
}

func (s *ReviewsStrategy) Applicability(sm string, meta Metadata) float64 {
	sm = sample(sm, 1000)
	score := 0.3

	indicators := 0
	for _, re := range reviewIndicatorPatterns {
		indicators += countMatches(re, sm)
	}
	switch {
	case indicators >= 2:
		score += 0.25
	case indicators == 1:
		score += 0.15
	}

	lower := strings.ToLower(sm)
	sentiment := 0
	for _, words := range reviewSentimentWords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				sentiment++
			}
		}
	}
	switch {
	case sentiment >= 3:
		score += 0.20
	case sentiment >= 1:
		score += 0.10
	}

	if meta.get("doc_type") == "review" {
		score += 0.30
	}
	switch meta.get("source") {
	case "google", "yelp", "tripadvisor", "reviews":
		score += 0.25
	}
	if meta.get("rating") != "" {
		score += 0.15
	}
	if containsAny(meta.Filename(), reviewFilenameHints) {
		score += 0.15
	}

	return clampScore(score)
}

func (s *ReviewsStrategy) Chunk(text string, cfg Config) ([]string, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 700
	}

	reviews := extractReviews(text)
	if len(reviews) == 0 {
		reviews = []string{text}
	}

	var chunks []string
	for _, review := range reviews {
		review = strings.TrimSpace(review)
		if len(review) < reviewMinLength {
			continue
		}

		if len(review)/TokensPerChar > maxTokens {
			chunks = append(chunks, splitLongReview(review, maxTokens)...)
		} else {
			chunks = append(chunks, formatReviewChunk(review, ""))
		}
	}

	if len(chunks) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			chunks = []string{t}
		}
	}
	return chunks, nil
}

// extractReviews splits multi-review input on rating or author
// separators. Returns nil when no multi-review structure is found.
func extractReviews(text string) []string {
	for _, re := range []*regexp.Regexp{reviewRatingSeparator, reviewAuthorSeparator} {
		if countMatches(re, text) > 1 {
			var reviews []string
			for _, part := range re.Split(text, -1) {
				if t := strings.TrimSpace(part); t != "" {
					reviews = append(reviews, t)
				}
			}
			return reviews
		}
	}
	return nil
}

// splitLongReview splits on sentence boundaries and tags each part
// with a part i/n marker.
func splitLongReview(review string, maxTokens int) []string {
	maxChars := maxTokens * TokensPerChar
	parts := accumulateSentences(splitSentences(review), maxChars)
	total := len(parts)

	chunks := make([]string, 0, total)
	for i, part := range parts {
		chunks = append(chunks, formatReviewChunk(part, fmt.Sprintf("%d/%d", i+1, total)))
	}
	return chunks
}

func formatReviewChunk(text, part string) string {
	var b strings.Builder
	b.WriteString("[REVIEW]\n")
	if part != "" {
		fmt.Fprintf(&b, "[PART: %s]\n", part)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Reviewtekst:\n\"%s\"", text)
	return b.String()
}
