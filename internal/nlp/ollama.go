package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OllamaClient talks to a local Ollama server for classification, embedding,
// and summarization. Calls go through a rate limiter and a circuit breaker
// so a struggling model server degrades instead of piling up requests.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
	model          string
	embeddingModel string
	timeout        time.Duration
}

// OllamaConfig configures the Ollama adapter client.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	RateLimit      float64
	RateBurst      int
}

// NewOllamaClient creates an Ollama client against the given base URL.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return &OllamaClient{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker(),
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        cfg.Timeout,
	}
}

var (
	_ IntentClassifier = (*OllamaClient)(nil)
	_ Embedder         = (*OllamaClient)(nil)
	_ Summarizer       = (*OllamaClient)(nil)
)

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

const classifyPromptTemplate = `Classify the intent of this chat message as exactly one of: urgent, support, sales, casual.
Reply with only the label and a confidence between 0 and 1, separated by a space.

Message: %s

Label and confidence:`

const summarizePromptTemplate = `Summarize the following chat messages in 2-3 sentences. Focus on decisions, questions, and action items.

Messages:
%s

Summary:`

// Classify asks the model for an intent label. Unrecognized replies fall
// back to casual with low confidence rather than failing the task.
func (c *OllamaClient) Classify(ctx context.Context, text string) (string, float64, error) {
	prompt := fmt.Sprintf(classifyPromptTemplate, text)
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return "", 0, err
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return "casual", 0.1, nil
	}
	label := strings.Trim(fields[0], ".,:")
	switch label {
	case "urgent", "support", "sales", "casual":
	default:
		return "casual", 0.1, nil
	}
	confidence := 0.5
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(strings.Trim(fields[1], ".,"), 64); err == nil && v >= 0 && v <= 1 {
			confidence = v
		}
	}
	return label, confidence, nil
}

// Embed returns the embedding vector for the text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		body, err := json.Marshal(embedRequest{Model: c.embeddingModel, Input: text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embed request: %w", err)
		}

		resp, err := c.post(ctx, "/api/embed", body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("ollama embed returned status %d: %s", resp.StatusCode, data)
		}

		var parsed embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("failed to decode embed response: %w", err)
		}
		if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama embed returned no embeddings")
		}
		return parsed.Embeddings[0], nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

// Dimension reports the vector width of nomic-embed-text, the default
// embedding model.
func (c *OllamaClient) Dimension() int {
	return 768
}

// Summarize asks the model for a short summary of the message window.
func (c *OllamaClient) Summarize(ctx context.Context, messages []string) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	prompt := fmt.Sprintf(summarizePromptTemplate, strings.Join(messages, "\n"))
	out, err := c.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generate request: %w", err)
		}

		resp, err := c.post(ctx, "/api/generate", body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("ollama generate returned status %d: %s", resp.StatusCode, data)
		}

		var parsed generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("failed to decode generate response: %w", err)
		}
		return parsed.Response, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	return resp, nil
}
