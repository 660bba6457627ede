package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func TestBackfillOnlyLooksUpUnresolvableTokens(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedCatalog(t, env, market("m1", "T1", "T2"))
	now := time.Now().UTC()
	require.NoError(t, env.store.MissingTokens.Append(ctx, []domain.MissingToken{
		{TokenID: "T1", TxHash: "0x1", Timestamp: 1, RecordedAt: now},
		{TokenID: "Z", TxHash: "0x2", Timestamp: 2, RecordedAt: now},
		{TokenID: "Z", TxHash: "0x2", Timestamp: 2, RecordedAt: now},
	}))
	resolver := &fakeResolver{}

	report, err := NewBackfiller(env.store.MissingTokens, env.store.Markets, env.store.Discovered, resolver, quietLogger()).Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Zero(t, report.Resolved)
	assert.Equal(t, []string{"Z"}, report.StillMissing)
	assert.Equal(t, 1, resolver.calls)
}

func TestBackfillStopsOnExhaustedLookup(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	require.NoError(t, env.store.MissingTokens.Append(ctx, []domain.MissingToken{
		{TokenID: "Z", TxHash: "0x2", Timestamp: 2, RecordedAt: time.Now().UTC()},
	}))

	_, err := NewBackfiller(env.store.MissingTokens, env.store.Markets, env.store.Discovered,
		&fakeResolver{err: domain.ErrRetryableFetchFailed}, quietLogger()).Backfill(ctx)
	assert.ErrorIs(t, err, domain.ErrRetryableFetchFailed)
}

func TestBackfillLooksPastUnknownTokenCache(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	src := &fakeCatalog{}
	cache := &memTokenCache{unknown: map[string]bool{}}
	syncer := env.syncer(src).WithTokenCache(cache, time.Hour)

	_, err := syncer.ResolveMarket(ctx, "X1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.True(t, cache.unknown["X1"])
	require.NoError(t, env.store.MissingTokens.Append(ctx, []domain.MissingToken{
		{TokenID: "X1", TxHash: "0x1", Timestamp: 1, RecordedAt: time.Now().UTC()},
	}))

	// The market is listed upstream while the token is still marked unknown.
	src.addExtra(market("x", "X1", "X2"))
	_, err = syncer.ResolveMarket(ctx, "X1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	report, err := NewBackfiller(env.store.MissingTokens, env.store.Markets, env.store.Discovered, syncer, quietLogger()).Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Empty(t, report.StillMissing)
	assert.Equal(t, 2, src.lookupCalls)

	discovered, err := env.store.Discovered.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, marketIDs(discovered))
}
