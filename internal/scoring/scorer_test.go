package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreUrgentScenario(t *testing.T) {
	scorer := NewScorer(nil)

	score, keywords := scorer.Score("urgent", "URGENT: payment failed immediately")

	assert.GreaterOrEqual(t, score, 8.0)
	assert.Contains(t, keywords, "urgent")
	assert.Contains(t, keywords, "failed")
	assert.Contains(t, keywords, "immediately")
}

func TestScoreCasualScenario(t *testing.T) {
	scorer := NewScorer(nil)

	score, keywords := scorer.Score("casual", "thanks so much!")

	assert.LessOrEqual(t, score, 1.5)
	assert.Empty(t, keywords)
}

func TestScoreBounds(t *testing.T) {
	scorer := NewScorer(nil)

	cases := []struct {
		name   string
		intent string
		text   string
	}{
		{"empty text", "support", ""},
		{"keyword flood", "urgent", "urgent asap emergency critical immediately broken failed down blocked stuck help now today"},
		{"shouting", "urgent", "EVERYTHING IS ON FIRE RIGHT NOW!!!"},
		{"punctuation only", "casual", "?!?!?!"},
		{"unicode", "support", "héllo wörld — ça ne marche pas"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, _ := scorer.Score(tc.intent, tc.text)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 10.0)
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	scorer := NewScorer(nil)

	first, firstKw := scorer.Score("support", "the server is broken and I am stuck")
	for i := 0; i < 10; i++ {
		score, kw := scorer.Score("support", "the server is broken and I am stuck")
		assert.Equal(t, first, score)
		assert.Equal(t, firstKw, kw)
	}
}

func TestScoreMonotonicInKeywords(t *testing.T) {
	scorer := NewScorer(nil)

	texts := []string{
		"the deployment went fine",
		"the deployment is broken",
		"the deployment is broken and blocked",
		"the deployment is broken and blocked, this is urgent",
		"the deployment is broken and blocked, this is urgent, fix it today",
	}

	prev := -1.0
	prevMatches := -1
	for _, text := range texts {
		score, kw := scorer.Score("support", text)
		require.Greater(t, len(kw), prevMatches, "each case should add a keyword")
		assert.GreaterOrEqual(t, score, prev,
			"score must not decrease as distinct keyword matches grow: %q", text)
		prev = score
		prevMatches = len(kw)
	}
}

func TestKeywordContributionCapped(t *testing.T) {
	scorer := NewScorer(nil)

	// Many keywords plus all pattern boosts: the capped contribution keeps
	// casual messages from outscoring the urgent base ceiling.
	score, kw := scorer.Score("casual",
		"URGENT BROKEN FAILED DOWN BLOCKED STUCK EMERGENCY CRITICAL ASAP?!!")
	assert.Greater(t, len(kw), 4)
	assert.InDelta(t, 0.5+4.0, score, 0.001)
}

func TestKeywordsMatchOnWordBoundaries(t *testing.T) {
	scorer := NewScorer(nil)

	_, kw := scorer.Score("casual", "who knows what downtown is like")
	assert.Empty(t, kw, `"knows" must not match "now", "downtown" must not match "down"`)
}

func TestUnknownIntentFallsBack(t *testing.T) {
	scorer := NewScorer(nil)

	score, _ := scorer.Score("philosophy", "plain text with no keywords")
	lowest, _ := scorer.Score("casual", "plain text with no keywords")
	assert.Equal(t, lowest, score)
}

func TestScoreRoundedToOneDecimal(t *testing.T) {
	scorer := NewScorer(&Policy{
		IntentWeights:    map[string]float64{"support": 3.14159},
		UrgencyKeywords:  []string{"broken"},
		KeywordIncrement: 1.0,
		KeywordCap:       4.0,
	})

	score, _ := scorer.Score("support", "nothing to see here")
	assert.Equal(t, 3.1, score)
}

func TestRankedScoreDecay(t *testing.T) {
	scorer := NewScorer(nil)

	fresh := scorer.RankedScore(8.0, 0)
	assert.Equal(t, 8.0, fresh)

	// One half-life.
	aged := scorer.RankedScore(8.0, 24*time.Hour)
	assert.InDelta(t, 4.0, aged, 0.001)

	older := scorer.RankedScore(8.0, 48*time.Hour)
	assert.Less(t, older, aged)
}

func TestLoadPolicyOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	content := []byte(`
intent_weights:
  urgent: 7.5
  casual: 0.2
keyword_cap: 2.0
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.InDelta(t, 7.5, policy.IntentWeights["urgent"], 1e-9)
	assert.InDelta(t, 2.0, policy.KeywordCap, 1e-9)
	// Unset fields keep defaults.
	assert.NotEmpty(t, policy.UrgencyKeywords)
	assert.InDelta(t, 1.0, policy.KeywordIncrement, 1e-9)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
