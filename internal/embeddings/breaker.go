package embeddings

import (
	"context"
	"fmt"

	"intelligence-hub/internal/circuitbreaker"
	"intelligence-hub/internal/logging"
)

// BreakerService shields the embedding backend behind a circuit breaker so a
// dead endpoint fails archive indexing fast instead of stalling the workers.
type BreakerService struct {
	inner   EmbeddingService
	breaker *circuitbreaker.Breaker
}

// NewBreakerService wraps service with the default breaker profile.
func NewBreakerService(service EmbeddingService, logger logging.Logger) *BreakerService {
	cfg := circuitbreaker.DefaultConfig()
	if logger != nil {
		cfg.OnStateChange = func(from, to circuitbreaker.State) {
			logger.Warn("Embedding circuit breaker state changed",
				"from", from.String(), "to", to.String())
		}
	}
	return &BreakerService{inner: service, breaker: circuitbreaker.New(cfg)}
}

// GenerateEmbedding embeds a single text behind the breaker.
func (s *BreakerService) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	var result []float64
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.inner.GenerateEmbedding(ctx, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	return result, nil
}

// GenerateBatchEmbeddings embeds several texts behind the breaker.
func (s *BreakerService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	var result [][]float64
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.inner.GenerateBatchEmbeddings(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	return result, nil
}

// GetDimension reports the inner service dimension.
func (s *BreakerService) GetDimension() int {
	return s.inner.GetDimension()
}

// GetModel reports the inner service model.
func (s *BreakerService) GetModel() string {
	return s.inner.GetModel()
}

// HealthCheck probes the inner service behind the breaker.
func (s *BreakerService) HealthCheck(ctx context.Context) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.inner.HealthCheck(ctx)
	})
}

// BreakerStats exposes the breaker counters for the status endpoint.
func (s *BreakerService) BreakerStats() circuitbreaker.Stats {
	return s.breaker.Stats()
}
