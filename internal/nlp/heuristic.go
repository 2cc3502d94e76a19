package nlp

import (
	"context"
	"regexp"
	"strings"
)

// intentProfile is the keyword/pattern table for one intent label.
type intentProfile struct {
	label    string
	keywords []string
	patterns []*regexp.Regexp
	weight   float64
}

// intentProfiles drive the heuristic classifier. Keyword hits score 1.0,
// pattern hits 2.0, both scaled by the intent weight before normalization.
var intentProfiles = []intentProfile{
	{
		label: "urgent",
		keywords: []string{
			"urgent", "asap", "immediately", "emergency", "critical",
			"crisis", "now", "hurry", "quick", "fast",
			"important", "priority", "deadline", "rush",
		},
		patterns: compilePatterns(
			`\basap\b`, `\burgent\b`, `!!!+`,
			`need.*now`, `right away`, `as soon as possible`,
		),
		weight: 1.5,
	},
	{
		label: "support",
		keywords: []string{
			"help", "issue", "problem", "error", "broken", "fix",
			"not working", "trouble", "stuck", "confused", "question",
			"how do i", "can't", "unable", "support", "assist",
		},
		patterns: compilePatterns(
			`how (do|can|to) (i|we)`, `(doesn't|don't|can't) work`,
			`having (trouble|issues|problems)`, `\?$`,
		),
		weight: 1.0,
	},
	{
		label: "sales",
		keywords: []string{
			"buy", "purchase", "price", "cost", "discount", "offer",
			"deal", "plan", "subscription", "upgrade", "premium",
			"quote", "pricing", "interested", "demo", "trial",
		},
		patterns: compilePatterns(
			`how much`, `what('s| is) the price`, `interested in`,
			`want to (buy|purchase)`, `looking for.*plan`,
		),
		weight: 1.2,
	},
	{
		label: "casual",
		keywords: []string{
			"hi", "hello", "hey", "thanks", "thank you", "bye",
			"good", "great", "nice", "cool", "okay", "ok",
			"sure", "yes", "no", "maybe",
		},
		patterns: compilePatterns(
			`^(hi|hey|hello)\b`, `^(thanks|thank you)`,
			`^(ok|okay|sure)\b`, `^(bye|goodbye)`,
		),
		weight: 0.5,
	},
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// HeuristicClassifier labels intent with keyword and pattern matching only.
// It is fully deterministic and needs no external service.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates a keyword-based intent classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

var _ IntentClassifier = (*HeuristicClassifier)(nil)

// Classify scores the text against each intent profile and returns the best
// label with its normalized share of the total score as confidence. Empty
// text classifies as casual with zero confidence.
func (c *HeuristicClassifier) Classify(_ context.Context, text string) (string, float64, error) {
	if strings.TrimSpace(text) == "" {
		return "casual", 0.0, nil
	}

	lower := strings.ToLower(text)

	var total float64
	best := "casual"
	var bestScore float64
	for _, profile := range intentProfiles {
		var score float64
		for _, kw := range profile.keywords {
			if strings.Contains(lower, kw) {
				score += 1.0
			}
		}
		for _, re := range profile.patterns {
			if re.MatchString(lower) {
				score += 2.0
			}
		}
		score *= profile.weight
		total += score
		if score > bestScore {
			best = profile.label
			bestScore = score
		}
	}

	if total == 0 {
		return "casual", 0.0, nil
	}
	return best, bestScore / total, nil
}
