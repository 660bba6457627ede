package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(5), nil, "test", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("upstream: %w", domain.ErrRateLimited)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), nil, "test", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, domain.ErrRateLimited
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetryableFetchFailed)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	boom := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), nil, "test", func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrRetryableFetchFailed)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastPolicy(5), nil, "test", func(context.Context) (int, error) {
		return 0, domain.ErrRateLimited
	})
	assert.ErrorIs(t, err, context.Canceled)
}
