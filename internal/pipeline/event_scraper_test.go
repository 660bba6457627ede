package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// upstreamEvents has a bucket at 2 wider than the page size used below.
func upstreamEvents() []domain.RawFill {
	return []domain.RawFill{
		ev(1, "a"),
		ev(2, "b"), ev(2, "c"), ev(2, "d"), ev(2, "e"), ev(2, "f"),
		ev(3, "g"),
		ev(4, "h"), ev(4, "i"),
	}
}

func scrapeAll(t *testing.T, env *testEnv, src FillSource, pageSize int) int {
	t.Helper()
	n, err := NewEventScraper(src, env.store.Fills, env.cursors, quietLogger()).Scrape(context.Background(), pageSize)
	require.NoError(t, err)
	return n
}

func storedTxs(t *testing.T, env *testEnv) []string {
	t.Helper()
	all, err := env.store.Fills.All(context.Background())
	require.NoError(t, err)
	return txs(all)
}

func TestScrapeSingleFetch(t *testing.T) {
	env := newEnv(t)
	n := scrapeAll(t, env, &fakeFills{events: upstreamEvents()}, 3)

	assert.Equal(t, 9, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}, storedTxs(t, env))

	c, ok, err := env.cursors.LoadScrape(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), c.Timestamp)
	assert.True(t, c.Complete)
}

func TestScrapeSplitFetchMatchesSingleFetch(t *testing.T) {
	single := newEnv(t)
	scrapeAll(t, single, &fakeFills{events: upstreamEvents()}, 3)

	// The first run sees only part of the bucket at 2.
	split := newEnv(t)
	first := scrapeAll(t, split, &fakeFills{events: upstreamEvents()[:4]}, 3)
	assert.Equal(t, 4, first)
	second := scrapeAll(t, split, &fakeFills{events: upstreamEvents()}, 3)
	assert.Equal(t, 5, second)

	assert.Equal(t, storedTxs(t, single), storedTxs(t, split))
}

func TestScrapeIsIdempotent(t *testing.T) {
	env := newEnv(t)
	src := &fakeFills{events: upstreamEvents()}
	scrapeAll(t, env, src, 3)

	assert.Zero(t, scrapeAll(t, env, src, 3))
	assert.Len(t, storedTxs(t, env), 9)
}

func TestScrapeResumesFromStoreWhenCursorLags(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	events := upstreamEvents()

	// Events through 3 are stored but the cursor file says 1.
	require.NoError(t, env.store.Fills.Append(ctx, events[:7]))
	require.NoError(t, env.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: 1}))

	n := scrapeAll(t, env, &fakeFills{events: events}, 3)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}, storedTxs(t, env))
}

func TestScrapeResumesFromCursorAheadOfStore(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	events := upstreamEvents()

	require.NoError(t, env.store.Fills.Append(ctx, events[:1]))
	require.NoError(t, env.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: 3, Complete: true}))

	n := scrapeAll(t, env, &fakeFills{events: events}, 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "g", "h", "i"}, storedTxs(t, env))
}

func TestScrapeWalksPersistedBucketWiderThanPage(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	var events []domain.RawFill
	for _, tx := range []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7"} {
		events = append(events, ev(9, tx))
	}
	require.NoError(t, env.store.Fills.Append(ctx, events))

	events = append(events, ev(9, "late"), ev(10, "next"))
	n := scrapeAll(t, env, &fakeFills{events: events}, 2)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "late", "next"}, storedTxs(t, env))
}

func TestScrapeFailedPageIsNotPersisted(t *testing.T) {
	env := newEnv(t)
	src := &fakeFills{events: upstreamEvents(), failAt: 2}

	n, err := NewEventScraper(src, env.store.Fills, env.cursors, quietLogger()).Scrape(context.Background(), 3)
	require.ErrorIs(t, err, domain.ErrRetryableFetchFailed)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, storedTxs(t, env))
	c, _, err := env.cursors.LoadScrape(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Complete, "an interrupted scrape leaves its newest bucket unsettled")

	// Resuming completes the log without duplicates.
	src.failAt = 0
	scrapeAll(t, env, src, 3)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}, storedTxs(t, env))
}

// repeatingFills ignores its arguments and always answers the same page.
type repeatingFills struct {
	page  []domain.RawFill
	calls int
}

func (r *repeatingFills) FetchOrderFills(context.Context, int64, int, int) (domain.FillPage, error) {
	r.calls++
	return domain.FillPage{Fills: r.page, Received: len(r.page)}, nil
}

func TestScrapeStopsWhenSourceStalls(t *testing.T) {
	env := newEnv(t)
	src := &repeatingFills{page: []domain.RawFill{ev(5, "x"), ev(6, "y"), ev(7, "z")}}

	n := scrapeAll(t, env, src, 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, src.calls)

	c, _, err := env.cursors.LoadScrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.Timestamp)
	assert.False(t, c.Complete)
}
