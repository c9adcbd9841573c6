package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = 50 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

type Func func(ctx context.Context) error

type config struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
	onRetry      func(attempt int, err error)
}

type Option func(*config) error

// Do runs fn with exponential backoff, retrying only errors for which
// retryable returns true. Waits are baseDelay, 2*baseDelay, 4*baseDelay...
// plus jitter, and are cut short by ctx.
func Do(ctx context.Context, fn Func, retryable func(error) bool, options ...Option) error {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
	for _, option := range options {
		if err := option(cfg); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			if cfg.onRetry != nil {
				cfg.onRetry(attempt, lastErr)
			}
			select {
			case <-time.After(Backoff(cfg.baseDelay, attempt, cfg.jitterFactor)):
			case <-ctx.Done():
				return lastErr
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Backoff returns base * 2^(attempt-1) with up to jitterFactor extra.
func Backoff(base time.Duration, attempt int, jitterFactor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	delay := base * time.Duration(1<<(attempt-1))
	jitter := rand.Float64() * float64(delay) * jitterFactor //nolint:gosec
	return delay + time.Duration(jitter)
}

func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		cfg.maxAttempts = attempts
		return nil
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		cfg.baseDelay = delay
		return nil
	}
}

func WithJitterFactor(factor float64) Option {
	return func(cfg *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		cfg.jitterFactor = factor
		return nil
	}
}

// WithOnRetry registers a hook called before each retry with the error that
// caused it.
func WithOnRetry(hook func(attempt int, err error)) Option {
	return func(cfg *config) error {
		cfg.onRetry = hook
		return nil
	}
}
