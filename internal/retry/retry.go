// Package retry provides bounded retries with exponential backoff for
// model calls and store operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	huberrors "intelligence-hub/internal/errors"
)

// Config holds a retry policy.
type Config struct {
	MaxAttempts     int              // 0 means unlimited
	InitialDelay    time.Duration    // delay before the second attempt
	MaxDelay        time.Duration    // backoff cap
	Multiplier      float64          // backoff growth factor
	RandomizeFactor float64          // jitter fraction, 0..1
	RetryIf         func(error) bool // retry predicate
}

// DefaultConfig is the general-purpose policy for store operations.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         DefaultRetryIf,
	}
}

// AnalysisConfig is the policy for model calls: three attempts, backoff
// starting at one second, capped at thirty. Only transient failures per
// the AI taxonomy are retried.
func AnalysisConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryIf:      DefaultRetryIf,
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Result reports how a retried operation ended.
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier runs operations under a policy.
type Retrier struct {
	config *Config
}

// New creates a retrier, normalizing out-of-range policy values.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = DefaultRetryIf
	}
	return &Retrier{config: config}
}

// Do runs the operation until success, a non-retryable error, attempt
// exhaustion, or context cancellation.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}

	var lastErr error
	delay := r.config.InitialDelay

loop:
	for attempt := 1; r.config.MaxAttempts == 0 || attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("context cancelled: %w", err)
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) {
			break
		}
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jitter(delay)):
			delay = r.grow(delay)
		case <-ctx.Done():
			lastErr = fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			break loop
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	low := float64(delay) - delta
	return time.Duration(low + rand.Float64()*2*delta)
}

func (r *Retrier) grow(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * r.config.Multiplier)
	if next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

// TemporaryError marks an error as retryable regardless of its type.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return fmt.Sprintf("temporary error: %v", e.Err) }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Temporary() bool { return true }

// PermanentError marks an error as final regardless of its type.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// DefaultRetryIf applies the AI taxonomy when present, then the
// Temporary/Permanent markers, and retries unknown errors.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if aiErr, ok := huberrors.AsAIError(err); ok {
		return aiErr.Retryable()
	}
	type temporary interface{ Temporary() bool }
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return true
}

// Retry runs op under the default policy.
func Retry(ctx context.Context, op Operation) error {
	return New(DefaultConfig()).Do(ctx, op).Err
}

// RetryWithConfig runs op under a custom policy.
func RetryWithConfig(ctx context.Context, config *Config, op Operation) error {
	return New(config).Do(ctx, op).Err
}
