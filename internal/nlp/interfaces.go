// Package nlp provides the model adapters used by the enrichment pipeline:
// intent classification, embeddings, summarization, and Q&A extraction.
//
// Two implementations exist for each concern: a remote Ollama-backed adapter
// and a deterministic heuristic fallback that needs no external service.
package nlp

import (
	"context"

	"github.com/scrypster/chatsense/pkg/types"
)

// IntentClassifier labels a message with an intent.
type IntentClassifier interface {
	// Classify returns the intent label and a confidence in [0, 1].
	Classify(ctx context.Context, text string) (intent string, confidence float64, err error)
}

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of vectors this embedder produces.
	Dimension() int
}

// Summarizer condenses a batch of messages into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []string) (string, error)
}

// QAExtractor proposes question/answer pairs from a conversation window.
type QAExtractor interface {
	ExtractPairs(ctx context.Context, messages []types.Message) ([]types.QACandidate, error)
}

// Adapters bundles one implementation of each adapter concern.
type Adapters struct {
	Classifier IntentClassifier
	Embedder   Embedder
	Summarizer Summarizer
	Extractor  QAExtractor
}
