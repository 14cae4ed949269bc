package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is an exponential backoff policy. Zero fields take the values
// from DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int // total tries, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64 // ± share of each delay

	// ShouldRetry defaults to IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig suits model and mailbox calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// delay is the wait after the given failed attempt.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(c.MaxBackoff))
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// Do calls fn until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx ends. The last error is returned unchanged.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalize()
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !wait(ctx, cfg.delay(attempt)) {
			return zero, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger returns an OnRetry hook logging at warn level.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
