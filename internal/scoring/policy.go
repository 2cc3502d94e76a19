// Package scoring implements the message priority scorer. Scoring is a pure
// function over a policy: intent base weights, the urgency keyword list, and
// pattern boosts all live in a YAML policy file rather than in code.
package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable scoring parameters.
type Policy struct {
	// IntentWeights maps an intent label to its base score contribution.
	IntentWeights map[string]float64 `yaml:"intent_weights"`

	// UrgencyKeywords is the ordered list of keywords scanned in message
	// text. Each distinct match adds KeywordIncrement to the score.
	UrgencyKeywords []string `yaml:"urgency_keywords"`

	// KeywordIncrement is the score added per distinct keyword match.
	KeywordIncrement float64 `yaml:"keyword_increment"`

	// KeywordCap bounds the combined keyword and pattern contribution.
	KeywordCap float64 `yaml:"keyword_cap"`

	// PatternBoosts are folded into the keyword-capped contribution.
	PatternBoosts PatternBoosts `yaml:"pattern_boosts"`

	// DecayHalfLifeHours controls presentation-time recency decay in
	// RankedScore. Zero disables decay.
	DecayHalfLifeHours float64 `yaml:"decay_half_life_hours"`
}

// PatternBoosts are scores for structural urgency signals in the text.
type PatternBoosts struct {
	Exclamation float64 `yaml:"exclamation"` // repeated "!!" runs
	AllCaps     float64 `yaml:"all_caps"`    // mostly-uppercase messages
	Question    float64 `yaml:"question"`    // contains a question mark
}

// DefaultPolicy returns the stock scoring policy.
func DefaultPolicy() *Policy {
	return &Policy{
		IntentWeights: map[string]float64{
			"urgent":  6.0,
			"support": 3.0,
			"sales":   2.0,
			"casual":  0.5,
		},
		UrgencyKeywords: []string{
			"urgent", "asap", "emergency", "critical", "immediately",
			"important", "deadline", "now", "today", "broken", "error",
			"failed", "down", "blocked", "stuck", "help",
		},
		KeywordIncrement: 1.0,
		KeywordCap:       4.0,
		PatternBoosts: PatternBoosts{
			Exclamation: 1.0,
			AllCaps:     1.0,
			Question:    0.5,
		},
		DecayHalfLifeHours: 24,
	}
}

// LoadPolicy reads a policy YAML file. Fields left unset in the file fall
// back to the defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: failed to read policy file: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("scoring: failed to parse policy file: %w", err)
	}
	p.normalize()
	return p, nil
}

// normalize fills zero-valued required fields from the defaults so a sparse
// policy file cannot produce a degenerate scorer.
func (p *Policy) normalize() {
	def := DefaultPolicy()
	if len(p.IntentWeights) == 0 {
		p.IntentWeights = def.IntentWeights
	}
	if len(p.UrgencyKeywords) == 0 {
		p.UrgencyKeywords = def.UrgencyKeywords
	}
	if p.KeywordIncrement <= 0 {
		p.KeywordIncrement = def.KeywordIncrement
	}
	if p.KeywordCap <= 0 {
		p.KeywordCap = def.KeywordCap
	}
}

// lowestWeight returns the smallest configured intent weight, the fallback
// for unrecognized intents.
func (p *Policy) lowestWeight() float64 {
	first := true
	var lowest float64
	for _, w := range p.IntentWeights {
		if first || w < lowest {
			lowest = w
			first = false
		}
	}
	return lowest
}
