package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

// DefaultScrapePageSize is the page size used when Scrape is given zero.
const DefaultScrapePageSize = 1000

// stallLimit is the number of consecutive pages without a new event after
// which a scrape gives up. Pages stepping over events already known at the
// current lower bound do not count.
const stallLimit = 2

// FillSource is the upstream order-fill event feed.
type FillSource interface {
	FetchOrderFills(ctx context.Context, since int64, first, skip int) (domain.FillPage, error)
}

// EventScraper appends new order-fill events to the raw event store.
type EventScraper struct {
	source  FillSource
	fills   domain.FillStore
	cursors domain.CursorStore
	logger  *slog.Logger
}

// NewEventScraper creates an EventScraper.
func NewEventScraper(source FillSource, fills domain.FillStore, cursors domain.CursorStore, logger *slog.Logger) *EventScraper {
	return &EventScraper{
		source:  source,
		fills:   fills,
		cursors: cursors,
		logger:  logger.With(slog.String("component", "event_scraper")),
	}
}

// Scrape fetches events from the last persisted timestamp onwards and
// appends the ones not stored yet. The bucket at the resume timestamp is
// always re-fetched and filtered through a BucketDeduper. It returns the
// number of events appended.
func (s *EventScraper) Scrape(ctx context.Context, pageSize int) (int, error) {
	started := time.Now()
	added, err := s.scrape(ctx, pageSize)
	metrics.RecordStage("scrape", started, err)
	return added, err
}

func (s *EventScraper) scrape(ctx context.Context, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultScrapePageSize
	}

	start, err := s.resumeAt(ctx)
	if err != nil {
		return 0, err
	}
	persisted, err := s.fills.AtTimestamp(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("event scrape: read bucket %d: %w", start, err)
	}
	dedup := NewBucketDeduper(start, persisted)

	s.logger.InfoContext(ctx, "event scrape starting",
		slog.Int64("since", start),
		slog.Int("bucket_size", dedup.Size()),
		slog.Int("page_size", pageSize),
	)

	var (
		lower   = start
		skip    = 0
		known   = dedup.Size()
		added   = 0
		stalls  = 0
		newest  = start
		drained = false
	)
	for {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		page, err := s.source.FetchOrderFills(ctx, lower, pageSize, skip)
		metrics.RecordPage("goldsky", err)
		if err != nil {
			return added, fmt.Errorf("event scrape: fetch since %d skip %d: %w", lower, skip, err)
		}
		if page.Received == 0 {
			drained = true
			break
		}

		fresh := dedup.Filter(page.Fills)
		if len(fresh) > 0 {
			if err := s.fills.Append(ctx, fresh); err != nil {
				return added, fmt.Errorf("event scrape: append page: %w", err)
			}
			last := fresh[len(fresh)-1].Timestamp
			newest = max(newest, last)
			if err := s.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: newest}); err != nil {
				return added, fmt.Errorf("event scrape: save cursor: %w", err)
			}
			added += len(fresh)
			metrics.RecordAdded("fills", len(fresh))
			metrics.RecordCursor("scrape", last)
			stalls = 0
		} else if skip == 0 || skip >= known {
			stalls++
		}

		s.logger.InfoContext(ctx, "scraped event page",
			slog.Int64("since", lower),
			slog.Int("skip", skip),
			slog.Int("received", page.Received),
			slog.Int("added", len(fresh)),
		)

		if page.Received < pageSize {
			drained = true
			break
		}
		if stalls >= stallLimit {
			s.logger.WarnContext(ctx, "event scrape stalled, stopping",
				slog.Int64("since", lower),
			)
			break
		}

		// A page that never leaves the lower bound means the bucket is wider
		// than a page: step through it. Otherwise restart at the page's last
		// bucket, which the deduper filters.
		if n := len(page.Fills); n == 0 || page.Fills[n-1].Timestamp == lower {
			skip += page.Received
		} else {
			lower = page.Fills[n-1].Timestamp
			skip = 0
			known = dedup.Size()
		}
	}

	// Only a drained feed settles the newest bucket for the reconciler.
	if drained {
		if err := s.cursors.SaveScrape(ctx, domain.ScrapeCursor{Timestamp: newest, Complete: true}); err != nil {
			return added, fmt.Errorf("event scrape: save cursor: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "event scrape complete",
		slog.Int("added", added),
		slog.Int64("bucket", dedup.Timestamp()),
		slog.Bool("drained", drained),
	)
	return added, nil
}

// resumeAt returns the later of the scrape cursor and the last stored event.
// A cursor file behind the store is left by a crash between the append and
// the cursor write. Only the resume bucket is deduplicated.
func (s *EventScraper) resumeAt(ctx context.Context) (int64, error) {
	var start int64
	c, ok, err := s.cursors.LoadScrape(ctx)
	if err != nil {
		return 0, fmt.Errorf("event scrape: load cursor: %w", err)
	}
	if ok {
		start = c.Timestamp
	}

	last, err := s.fills.Last(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("event scrape: read last event: %w", err)
	case last.Timestamp > start:
		start = last.Timestamp
	}
	return start, nil
}
