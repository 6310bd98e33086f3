package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"intelligence-hub/internal/config"
)

const (
	requestTimeout    = 30 * time.Second
	fallbackDimension = 1024
)

// OpenAIService calls an OpenAI-compatible /v1/embeddings endpoint. Results
// are cached by model and text so re-archived documents do not hit the API
// again.
type OpenAIService struct {
	client    openai.Client
	model     string
	dimension int
	cache     *Cache
	limiter   *RateLimiter
}

// NewOpenAIService builds the embedding client from the vector configuration.
func NewOpenAIService(cfg *config.VectorDBConfig) *OpenAIService {
	// The circuit breaker counts every failure, so the SDK must not retry.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.EmbeddingToken != "" {
		opts = append(opts, option.WithAPIKey(cfg.EmbeddingToken))
	}
	if cfg.EmbeddingURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.EmbeddingURL))
	}

	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = fallbackDimension
	}

	return &OpenAIService{
		client:    openai.NewClient(opts...),
		model:     cfg.EmbeddingModel,
		dimension: dim,
		cache:     NewCache(0, 0),
		limiter:   NewRateLimiter(0, 0),
	}
}

// GenerateEmbedding embeds a single text.
func (s *OpenAIService) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}

	if cached, ok := s.cache.Get(s.model, text); ok {
		return cached, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model:          openai.EmbeddingModel(s.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	vector := resp.Data[0].Embedding
	s.cache.Set(s.model, text, vector)
	return vector, nil
}

// GenerateBatchEmbeddings embeds several texts in one request. Cached texts
// are served locally; empty texts keep a nil row in the result.
func (s *OpenAIService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, errors.New("texts cannot be empty")
	}

	results := make([][]float64, len(texts))
	var pending []string
	var pendingAt []int
	for i, text := range texts {
		if text == "" {
			continue
		}
		if cached, ok := s.cache.Get(s.model, text); ok {
			results[i] = cached
			continue
		}
		pending = append(pending, text)
		pendingAt = append(pendingAt, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: pending},
		Model:          openai.EmbeddingModel(s.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch embeddings: %w", err)
	}
	if len(resp.Data) != len(pending) {
		return nil, fmt.Errorf("requested %d embeddings, got %d", len(pending), len(resp.Data))
	}

	for i, data := range resp.Data {
		results[pendingAt[i]] = data.Embedding
		s.cache.Set(s.model, pending[i], data.Embedding)
	}
	return results, nil
}

// GetDimension reports the configured vector width.
func (s *OpenAIService) GetDimension() int {
	return s.dimension
}

// GetModel reports the embedding model name.
func (s *OpenAIService) GetModel() string {
	return s.model
}

// HealthCheck embeds a fixed probe text.
func (s *OpenAIService) HealthCheck(ctx context.Context) error {
	_, err := s.GenerateEmbedding(ctx, "health check")
	return err
}

// CacheStats exposes the cache counters for the status endpoint.
func (s *OpenAIService) CacheStats() CacheStats {
	return s.cache.Stats()
}
