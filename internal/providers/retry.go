package providers

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls the bounded retry policy every adapter applies to its
// own transport calls (§4.7): default 3 attempts, exponential backoff
// starting at 1s, factor 2, with jitter.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig matches §4.7's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}
}

// Classify maps a raw transport error to its retry class, recognizing the
// StatusError this package's HTTP helpers return.
func Classify(err error, contextOverflowMatch func(*StatusError) bool) ErrorClass {
	se, ok := err.(*StatusError)
	if !ok {
		return ErrFatal
	}
	switch {
	case se.StatusCode == 429 || se.StatusCode == 529:
		return ErrRateLimited
	case se.StatusCode >= 500:
		return ErrTransient
	case contextOverflowMatch != nil && contextOverflowMatch(se):
		return ErrContextOverflow
	default:
		return ErrFatal
	}
}

// WithRetry runs attempt, retrying per cfg only when classify(err) is
// retryable. It never retries context-overflow or fatal errors — those
// surface immediately so the dispatcher can escalate/fallback instead of
// waiting out a retry budget that cannot succeed.
func WithRetry(ctx context.Context, cfg RetryConfig, attempt func() ([]byte, error), classify func(error) ErrorClass) ([]byte, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}

	var lastErr error
	delay := cfg.BaseDelay
	for i := 0; i < cfg.MaxAttempts; i++ {
		body, err := attempt()
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !classify(err).Retryable() {
			return nil, err
		}
		if i == cfg.MaxAttempts-1 {
			break
		}
		jitter := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter):
		}
		delay *= 2
	}
	return nil, lastErr
}
