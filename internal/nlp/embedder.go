package nlp

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder produces deterministic embeddings by feature-hashing the
// text's tokens into a fixed number of buckets. It is a stand-in for a real
// embedding model: vectors are stable across runs and similar texts land
// close together, but there is no semantic understanding behind them.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates an embedder producing vectors of the given
// dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{dimension: dimension}
}

var _ Embedder = (*HashEmbedder)(nil)

func (e *HashEmbedder) Dimension() int {
	return e.dimension
}

// Embed hashes each token and token bigram into a bucket and L2-normalizes
// the result. Empty or all-punctuation text yields the zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	tokens := tokenize(text)
	for i, tok := range tokens {
		e.bump(vec, tok)
		if i+1 < len(tokens) {
			e.bump(vec, tok+" "+tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *HashEmbedder) bump(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dimension))
	// Top bit picks the sign so hash collisions partially cancel.
	if sum&(1<<63) != 0 {
		vec[bucket] -= 1
	} else {
		vec[bucket] += 1
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
