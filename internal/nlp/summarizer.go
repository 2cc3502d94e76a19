package nlp

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// ExtractiveSummarizer builds summaries by ranking sentences on word
// frequency and keeping the highest scoring ones. No model involved, so it
// works offline and never fails.
type ExtractiveSummarizer struct {
	maxLength int
}

// NewExtractiveSummarizer creates a summarizer that targets roughly
// maxLength words of output.
func NewExtractiveSummarizer(maxLength int) *ExtractiveSummarizer {
	if maxLength <= 0 {
		maxLength = 100
	}
	return &ExtractiveSummarizer{maxLength: maxLength}
}

var _ Summarizer = (*ExtractiveSummarizer)(nil)

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Summarize joins the messages, splits them into sentences, and returns the
// top sentences by average word frequency. Short inputs are returned as-is.
func (s *ExtractiveSummarizer) Summarize(_ context.Context, messages []string) (string, error) {
	combined := strings.TrimSpace(strings.Join(messages, " "))
	if combined == "" {
		return "", nil
	}
	if len(strings.Fields(combined)) < 30 {
		return combined, nil
	}

	var sentences []string
	for _, raw := range sentenceSplit.Split(combined, -1) {
		sent := strings.TrimSpace(raw)
		if len(sent) > 10 {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) == 0 {
		return combined, nil
	}

	// Frequency of meaningful words; short filler words are skipped.
	freq := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(combined)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) >= 4 {
			freq[word]++
		}
	}

	type scored struct {
		index int
		text  string
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sent := range sentences {
		words := strings.Fields(strings.ToLower(sent))
		if len(words) == 0 {
			continue
		}
		var total int
		for _, word := range words {
			total += freq[strings.Trim(word, ".,!?;:\"'()")]
		}
		ranked = append(ranked, scored{
			index: i,
			text:  sent,
			score: float64(total) / float64(len(words)),
		})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	budget := s.maxLength * 5
	var picked []scored
	var used int
	for _, cand := range ranked {
		if used+len(cand.text) > budget && len(picked) > 0 {
			break
		}
		picked = append(picked, cand)
		used += len(cand.text)
	}
	// Restore document order so the summary reads naturally.
	sort.Slice(picked, func(a, b int) bool {
		return picked[a].index < picked[b].index
	})

	parts := make([]string, len(picked))
	for i, p := range picked {
		parts[i] = p.text
	}
	return strings.Join(parts, ". ") + ".", nil
}
