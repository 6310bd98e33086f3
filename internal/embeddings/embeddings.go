// Package embeddings produces dense vectors for chunked intelligence text
// through an OpenAI-compatible endpoint.
package embeddings

import "context"

// EmbeddingService generates embeddings for the vector collections.
type EmbeddingService interface {
	// GenerateEmbedding embeds a single text.
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)

	// GenerateBatchEmbeddings embeds several texts in one request.
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error)

	// GetDimension reports the vector width produced by the backing model.
	GetDimension() int

	// GetModel reports the embedding model name.
	GetModel() string

	// HealthCheck verifies the backend answers embedding requests.
	HealthCheck(ctx context.Context) error
}
