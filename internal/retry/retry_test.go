package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	huberrors "intelligence-hub/internal/errors"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryIf:      DefaultRetryIf,
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := New(fastConfig(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return huberrors.NewAIHTTPError(429, "throttled", nil)
		}
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	calls := 0
	result := New(fastConfig(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return huberrors.NewAITransportError(fmt.Errorf("refused"))
	})

	require.Error(t, result.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetrier_StopsOnTerminalError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"sensitive refusal", huberrors.NewAIHTTPError(400, "refused", nil)},
		{"auth failure", huberrors.NewAIHTTPError(401, "bad key", nil)},
		{"permanent marker", &PermanentError{Err: fmt.Errorf("no such collection")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
				calls++
				return tt.err
			})

			require.Error(t, result.Err)
			assert.Equal(t, 1, calls, "terminal errors must not be retried")
		})
	}
}

func TestRetrier_WrappedAIErrorClassified(t *testing.T) {
	calls := 0
	result := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("analyze: %w", huberrors.NewAIHTTPError(400, "refused", nil))
	})

	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := New(fastConfig(3)).Do(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run after cancellation")
		return nil
	})

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "context cancelled")
}

func TestRetrier_TemporaryMarkerRetried(t *testing.T) {
	calls := 0
	result := New(fastConfig(2)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &TemporaryError{Err: fmt.Errorf("flaky")}
	})

	require.Error(t, result.Err)
	assert.Equal(t, 2, calls)
}

func TestGrow_CapsAtMaxDelay(t *testing.T) {
	r := New(&Config{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   10,
	})

	assert.Equal(t, 3*time.Second, r.grow(time.Second))
}

func TestAnalysisConfig(t *testing.T) {
	cfg := AnalysisConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.False(t, cfg.RetryIf(huberrors.NewAIHTTPError(400, "refused", nil)))
	assert.True(t, cfg.RetryIf(huberrors.NewAIHTTPError(500, "upstream", nil)))
}
