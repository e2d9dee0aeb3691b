// Package retry implements bounded exponential backoff for the engine's two
// fallible boundaries: pool creation and external model calls.
package retry

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0 random spread to avoid thundering herd
}

// DefaultConfig suits database connection attempts: 3 retries starting at
// 100ms, doubling, capped at 5s.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// RetryableError lets error types declare their own retryability. Model and
// engine errors implement this so the retry loop never wastes attempts on
// deterministic failures.
type RetryableError interface {
	error
	IsRetryable() bool
}

func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

func (c *Config) wait(ctx context.Context, delay time.Duration) (time.Duration, error) {
	select {
	case <-time.After(applyJitter(delay, c.JitterFactor)):
		next := time.Duration(float64(delay) * c.Multiplier)
		if next > c.MaxDelay {
			next = c.MaxDelay
		}
		return next, nil
	case <-ctx.Done():
		return delay, ctx.Err()
	}
}

// Do runs fn until it succeeds, retries are exhausted, or the context is
// cancelled. Non-retryable errors (per IsRetryable) fail immediately.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
		}

		if attempt < cfg.MaxRetries {
			var err error
			if delay, err = cfg.wait(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// DoWithResult is Do for functions returning a value, e.g. pool constructors.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return result, err
		}

		if attempt < cfg.MaxRetries {
			if delay, err = cfg.wait(ctx, delay); err != nil {
				return result, err
			}
		}
	}
	return result, lastErr
}

// retryablePatterns match transient driver and HTTP failures from errors that
// do not implement RetryableError.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"timeout",
	"temporary failure",
	"too many connections",
	"network is unreachable",
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"service unavailable",
	"too many requests",
}

// IsRetryable reports whether an error is transient. Errors implementing
// RetryableError decide for themselves; anything else is pattern-matched
// against known transient failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if r, ok := err.(RetryableError); ok {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
