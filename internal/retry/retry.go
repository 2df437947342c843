// Package retry runs a fallible operation with bounded, exponentially backed-off
// retries driven by txerrors categorization.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tsender/airdrop/internal/txerrors"
)

// Config bounds one call site's retry loop. It is never modified by Do.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

var ErrInvalidConfig = errors.New("retry: invalid config")

// Validate rejects configs whose delays would be negative or shrink between attempts.
func (c Config) Validate() error {
	if c.MaxRetries < 0 || c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: values must be non-negative", ErrInvalidConfig)
	}
	if !(c.BackoffFactor >= 1) {
		return fmt.Errorf("%w: backoff factor %v must be at least 1", ErrInvalidConfig, c.BackoffFactor)
	}
	return nil
}

var (
	// DefaultConfig is the policy for operations without a dedicated config.
	DefaultConfig = Config{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}

	AllowanceConfig = DefaultConfig
	ApproveConfig   = withMaxRetries(DefaultConfig, 2)
	TransferConfig  = withMaxRetries(DefaultConfig, 2)
)

func withMaxRetries(c Config, n int) Config {
	c.MaxRetries = n
	return c
}

// Delay is the wait before retry number attempt+1: min(base*factor^attempt, max).
func (c Config) Delay(attempt int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d >= math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Observer is told about each automatic retry before its backoff wait.
// attempt is 1 for the first retry.
type Observer func(attempt int, err *txerrors.CategorizedError, wait time.Duration)

type options struct {
	observer   Observer
	sleep      func(ctx context.Context, d time.Duration) error
	categorize func(error) *txerrors.CategorizedError
}

// Option customizes one Do call.
type Option func(*options)

// WithObserver registers fn to be told about each automatic retry.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithSleep replaces the backoff wait, e.g. with a fake clock in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithCategorizer replaces txerrors.Categorize for classifying failures.
func WithCategorizer(fn func(error) *txerrors.CategorizedError) Option {
	return func(o *options) {
		if fn != nil {
			o.categorize = fn
		}
	}
}

// Do runs op until it succeeds or the loop gives up. The returned error is
// always a *txerrors.CategorizedError.
//
// A failure ends the loop when its category is not retryable, when
// cfg.MaxRetries retries have already happened, or when the category does
// not allow automatic retries (those are left to an explicit user retry).
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		sleep:      Sleep,
		categorize: txerrors.Categorize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		ce := o.categorize(err)

		if !ce.Retryable || attempt >= cfg.MaxRetries {
			return zero, ce
		}
		if !ce.AutoRetry {
			return zero, ce
		}

		wait := cfg.Delay(attempt)
		if o.observer != nil {
			o.observer(attempt+1, ce, wait)
		}
		if err := o.sleep(ctx, wait); err != nil {
			return zero, o.categorize(err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
