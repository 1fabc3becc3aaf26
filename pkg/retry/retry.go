// Package retry provides retry logic with exponential backoff for hotfetch
// operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BaseDelay is the backoff before the first retry; subsequent retries
	// wait BaseDelay * Multiplier^attempt.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay to avoid thundering herds.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryIf overrides the default retryability check when set.
	RetryIf func(error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry configuration used when callers pass zero
// values.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero values from DefaultConfig.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic and no cancellation.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, exhausts retries, or the
// context is done. The context is checked before every attempt, so a deadline
// set by the caller suppresses further retries without interrupting an
// attempt already in flight.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return r.deadlineError(ctx, attempt, lastErr)
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) || attempt == r.config.MaxRetries {
			break
		}

		delay := r.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return r.deadlineError(ctx, attempt+1, lastErr)
		case <-time.After(delay):
		}
	}

	attempts := r.config.MaxRetries + 1
	if !r.shouldRetry(lastErr) {
		// Permanent failures surface as-is with no retry accounting.
		return lastErr
	}
	return errors.Wrap(errors.ErrCodeRequestFailed, "retries exhausted", lastErr).
		WithAttempts(attempts)
}

// Delay returns the backoff before retry number attempt+1 (attempt counts
// from zero): BaseDelay * Multiplier^attempt, capped and jittered.
func (r *Retryer) Delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func (r *Retryer) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return errors.IsRetryable(err)
}

func (r *Retryer) deadlineError(ctx context.Context, attempts int, lastErr error) error {
	cause := lastErr
	if cause == nil {
		cause = ctx.Err()
	}
	if ctx.Err() == context.Canceled {
		return errors.Wrap(errors.ErrCodeRequestCanceled, "operation canceled", cause).
			WithAttempts(attempts)
	}
	return errors.Wrap(errors.ErrCodeOperationTimeout, "deadline exceeded before retry", cause).
		WithAttempts(attempts).
		WithRetryable(false)
}
