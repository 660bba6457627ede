// Package retry wraps upstream calls in a bounded exponential backoff.
// Transient failures (transport errors, 5xx, 429) are retried; anything else
// is returned immediately. Exhausting the budget yields
// domain.ErrRetryableFetchFailed.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to every interval; 0.5
	// spreads each wait over [0.5x, 1.5x].
	Jitter float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. name identifies the call in logs and error messages.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !domain.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if logger != nil {
			logger.WarnContext(ctx, "retrying upstream request",
				slog.String("call", name),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}
	})
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if domain.IsRetryable(err) {
		return res, fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrRetryableFetchFailed, name, attempt, err)
	}
	return res, err
}
