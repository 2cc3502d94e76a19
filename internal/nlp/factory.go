package nlp

import (
	"fmt"
	"log"

	"github.com/scrypster/chatsense/internal/config"
)

// New builds the adapter bundle for the configured provider. The Q&A
// extractor is always heuristic: pairing questions with replies is cheap and
// deterministic, and a model adds nothing there.
func New(cfg config.AdaptersConfig, dimension int) (*Adapters, error) {
	switch cfg.Provider {
	case "ollama":
		client := NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			Model:          cfg.OllamaModel,
			EmbeddingModel: cfg.OllamaEmbeddingModel,
			Timeout:        cfg.RequestTimeout,
			RateLimit:      cfg.RateLimit,
			RateBurst:      cfg.RateBurst,
		})
		log.Printf("Using Ollama adapters at %s (model: %s, embeddings: %s)",
			cfg.OllamaURL, cfg.OllamaModel, cfg.OllamaEmbeddingModel)
		return &Adapters{
			Classifier: client,
			Embedder:   client,
			Summarizer: client,
			Extractor:  NewHeuristicExtractor(),
		}, nil
	case "heuristic", "":
		log.Printf("Using heuristic adapters (no model server)")
		return &Adapters{
			Classifier: NewHeuristicClassifier(),
			Embedder:   NewHashEmbedder(dimension),
			Summarizer: NewExtractiveSummarizer(100),
			Extractor:  NewHeuristicExtractor(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown adapter provider: %s", cfg.Provider)
	}
}
