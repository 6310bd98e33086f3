package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEmbedder struct {
	dim int
}

func (e *staticEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float64, error) {
	return make([]float64, e.dim), nil
}

func (e *staticEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = make([]float64, e.dim)
	}
	return out, nil
}

func (e *staticEmbedder) GetDimension() int { return e.dim }

func (e *staticEmbedder) GetModel() string { return "static-test-embedder" }

func (e *staticEmbedder) HealthCheck(_ context.Context) error { return nil }

func newIdleService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(ServiceOptions{
		QdrantHost: "127.0.0.1",
		QdrantPort: 6334,
		Embedder:   &staticEmbedder{dim: 4},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresEmbedder(t *testing.T) {
	_, err := NewService(ServiceOptions{QdrantHost: "h"})
	require.Error(t, err)
}

func TestServiceGatesBeforeStart(t *testing.T) {
	svc := newIdleService(t)
	assert.Equal(t, StateInitializing, svc.State())
	assert.False(t, svc.Ready())

	_, err := svc.Search(context.Background(), "c", "q", 5, 0, nil)
	assert.ErrorIs(t, err, ErrInitializing)

	_, err = svc.Upsert(context.Background(), "c", "d", "t", nil)
	assert.ErrorIs(t, err, ErrInitializing)

	err = svc.Clear(context.Background(), "c")
	assert.ErrorIs(t, err, ErrInitializing)
}

func TestServiceStatusBeforeStart(t *testing.T) {
	svc := newIdleService(t)
	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initializing", status.Status)
	assert.Equal(t, "qdrant://127.0.0.1:6334", status.DBPath)
	assert.Equal(t, "static-test-embedder", status.Model)
	assert.Empty(t, status.Error)
}

func TestServiceTerminalFailure(t *testing.T) {
	svc := newIdleService(t)
	svc.fail(errors.New("qdrant unreachable"))

	assert.Equal(t, StateError, svc.State())

	_, err := svc.Search(context.Background(), "c", "q", 5, 0, nil)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "qdrant unreachable", failed.Reason)
	assert.Equal(t, "Engine failed to start: qdrant unreachable", failed.Error())

	status, statusErr := svc.Status(context.Background())
	require.NoError(t, statusErr)
	assert.Equal(t, "error", status.Status)
	assert.Equal(t, "qdrant unreachable", status.Error)
}

func TestServiceWaitUntilReadyObservesFailure(t *testing.T) {
	svc := newIdleService(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		svc.fail(fmt.Errorf("embedding backend: connection refused"))
	}()

	err := svc.WaitUntilReady(context.Background())
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Reason, "connection refused")
}

func TestServiceWaitUntilReadyHonorsContext(t *testing.T) {
	svc := newIdleService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := svc.WaitUntilReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceRepeatedFailureKeepsFirstReason(t *testing.T) {
	svc := newIdleService(t)
	svc.fail(errors.New("first"))
	svc.fail(errors.New("second"))

	// The failed channel closes once; the reason tracks the latest report.
	err := svc.WaitUntilReady(context.Background())
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "second", failed.Reason)
}
