package scoring

import (
	"log"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Scorer computes priority scores for messages. It is stateless apart from
// its policy and safe for concurrent use.
type Scorer struct {
	policy          *Policy
	keywordPatterns []*regexp.Regexp
}

var exclamationRun = regexp.MustCompile(`!{2,}`)

// NewScorer creates a scorer for the given policy. A nil policy uses the
// defaults.
func NewScorer(policy *Policy) *Scorer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.normalize()

	// Keywords match on word boundaries so "now" does not fire inside
	// "know".
	patterns := make([]*regexp.Regexp, len(policy.UrgencyKeywords))
	for i, kw := range policy.UrgencyKeywords {
		patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}

	return &Scorer{policy: policy, keywordPatterns: patterns}
}

// Score computes the priority score for a message: the intent's base weight
// plus a capped contribution from distinct urgency-keyword matches and
// structural patterns. The result is clamped to [0.0, 10.0] and rounded to
// one decimal. Identical inputs always produce identical outputs.
func (s *Scorer) Score(intent, text string) (float64, []string) {
	base, ok := s.policy.IntentWeights[strings.ToLower(intent)]
	if !ok {
		base = s.policy.lowestWeight()
		log.Printf("WARNING: scoring: unknown intent %q, falling back to lowest base weight %.1f",
			intent, base)
	}

	var matched []string
	for i, re := range s.keywordPatterns {
		if re.MatchString(text) {
			matched = append(matched, s.policy.UrgencyKeywords[i])
		}
	}

	contribution := float64(len(matched)) * s.policy.KeywordIncrement
	contribution += s.patternBoost(text)
	if contribution > s.policy.KeywordCap {
		contribution = s.policy.KeywordCap
	}

	score := base + contribution
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return math.Round(score*10) / 10, matched
}

// RankedScore attenuates a stored score by message age for ranked views.
// The stored score is never mutated; decay is purely presentation-time.
func (s *Scorer) RankedScore(score float64, age time.Duration) float64 {
	if s.policy.DecayHalfLifeHours <= 0 || age <= 0 {
		return score
	}
	halfLives := age.Hours() / s.policy.DecayHalfLifeHours
	return score * math.Pow(0.5, halfLives)
}

// patternBoost scores structural urgency signals: repeated exclamation
// marks, mostly-uppercase text, and question marks.
func (s *Scorer) patternBoost(text string) float64 {
	var boost float64

	if exclamationRun.MatchString(text) {
		boost += s.policy.PatternBoosts.Exclamation
	}
	if isShouting(text) {
		boost += s.policy.PatternBoosts.AllCaps
	}
	if strings.ContainsRune(text, '?') {
		boost += s.policy.PatternBoosts.Question
	}
	return boost
}

// isShouting reports whether more than 30% of a message's characters are
// uppercase letters. Short messages are exempt.
func isShouting(text string) bool {
	if len(text) <= 10 {
		return false
	}
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper)/float64(len(text)) > 0.3
}
