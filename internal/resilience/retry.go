package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls exponential backoff behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// DefaultRetryConfig matches the service-wide retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Factor:     2.0,
	}
}

// Retryer runs operations with exponential backoff. Only transient categories
// (network, api) are retried; everything else fails immediately.
type Retryer struct {
	cfg    RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// RetryerOption customizes a Retryer.
type RetryerOption func(*Retryer)

// WithRetrySleep replaces the sleep function, used by tests to avoid real
// delays.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) RetryerOption {
	return func(r *Retryer) { r.sleep = fn }
}

func NewRetryer(cfg RetryConfig, logger zerolog.Logger, opts ...RetryerOption) *Retryer {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	r := &Retryer{cfg: cfg, logger: logger.With().Str("component", "retryer").Logger(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retryable reports whether an error category warrants another attempt.
func Retryable(cat Category) bool {
	return cat == CategoryNetwork || cat == CategoryAPI
}

// Delay returns the backoff before the given zero-based attempt, capped at
// MaxDelay.
func (r *Retryer) Delay(attempt int) time.Duration {
	d := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt)))
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

// Do runs fn, retrying transient failures up to MaxRetries times. The last
// error is returned when attempts are exhausted. An open circuit breaker is
// never retried; waiting out the backoff schedule would defeat the point of
// rejecting the call.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrOpen) {
			r.logger.Debug().Str("op", op).Msg("circuit open, failing fast")
			return lastErr
		}
		cat := Classify(lastErr)
		if !Retryable(cat) {
			r.logger.Debug().Str("op", op).Str("category", string(cat)).Err(lastErr).
				Msg("error not retryable")
			return lastErr
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		delay := r.Delay(attempt)
		r.logger.Warn().Str("op", op).Int("attempt", attempt+1).
			Dur("delay", delay).Err(lastErr).Msg("retrying after transient error")
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
