package nlp

import (
	"context"
	"regexp"
	"strings"

	"github.com/scrypster/chatsense/pkg/types"
)

// HeuristicExtractor finds question/answer pairs in a message window by
// pairing each question-looking message with the next plausible answer.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates a rule-based QA extractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

var _ QAExtractor = (*HeuristicExtractor)(nil)

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(what|how|why|when|where|who|which|can|could|would|should|is|are|do|does|did)\b.*\?$`),
	regexp.MustCompile(`\?$`),
	regexp.MustCompile(`(?i)^(tell me|explain|describe|show me)\b`),
	regexp.MustCompile(`(?i)^i\s+(want|need|would like)\s+to\s+know\b`),
}

var answerIndicators = []string{
	"you can", "you should", "to do this", "the answer is",
	"yes,", "no,", "sure,", "basically", "essentially",
	"it is", "it's", "they are", "this is",
}

// ExtractPairs walks the messages in order and emits a candidate for each
// question followed by an answer-shaped message from a different sender.
func (x *HeuristicExtractor) ExtractPairs(_ context.Context, messages []types.Message) ([]types.QACandidate, error) {
	var out []types.QACandidate
	for i := 0; i < len(messages)-1; i++ {
		q := messages[i]
		if !isQuestion(q.Content) {
			continue
		}
		// Scan forward a few messages for the first answer-shaped reply.
		for j := i + 1; j < len(messages) && j <= i+3; j++ {
			a := messages[j]
			if a.Sender == q.Sender {
				continue
			}
			if !isAnswer(a.Content) {
				continue
			}
			out = append(out, types.QACandidate{
				Question:        strings.TrimSpace(q.Content),
				Answer:          strings.TrimSpace(a.Content),
				Confidence:      pairConfidence(q.Content, a.Content),
				SourceMessageID: q.ID,
			})
			break
		}
	}
	return out, nil
}

func isQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	for _, re := range questionPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

func isAnswer(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 || isQuestion(trimmed) {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, ind := range answerIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return len(trimmed) > 50
}

// pairConfidence starts at 0.5 and earns bonuses for a well-formed question,
// a substantial answer, and explanatory language. Capped at 1.0.
func pairConfidence(question, answer string) float64 {
	conf := 0.5
	if strings.HasSuffix(strings.TrimSpace(question), "?") {
		conf += 0.1
	}
	if len(answer) > 100 {
		conf += 0.1
	}
	if len(answer) > 200 {
		conf += 0.1
	}
	lower := strings.ToLower(answer)
	for _, marker := range []string{"because", "therefore", "so that", "in order to"} {
		if strings.Contains(lower, marker) {
			conf += 0.1
			break
		}
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}
