package pipeline

import "github.com/alanyoungcy/polyledger/internal/domain"

// BucketDeduper filters re-fetched events against those already persisted.
//
// The event source can only resume at timestamp granularity, so every resumed
// query re-reads the whole bucket of events sharing the highest timestamp
// seen so far. The deduper remembers the keys of that bucket only: events
// older than it were persisted before, events in it are new unless their key
// is known, and an event with a later timestamp starts a fresh bucket.
type BucketDeduper struct {
	ts   int64
	keys map[string]struct{}
}

// NewBucketDeduper seeds the deduper with the persisted events at ts.
func NewBucketDeduper(ts int64, persisted []domain.RawFill) *BucketDeduper {
	d := &BucketDeduper{ts: ts, keys: make(map[string]struct{}, len(persisted))}
	for _, f := range persisted {
		if f.Timestamp == ts {
			d.keys[f.Key()] = struct{}{}
		}
	}
	return d
}

// Filter returns the events of page not seen before, in page order, and
// records them as seen. page must be sorted by timestamp.
func (d *BucketDeduper) Filter(page []domain.RawFill) []domain.RawFill {
	var fresh []domain.RawFill
	for _, f := range page {
		switch {
		case f.Timestamp < d.ts:
			continue
		case f.Timestamp > d.ts:
			d.ts = f.Timestamp
			clear(d.keys)
		}
		k := f.Key()
		if _, seen := d.keys[k]; seen {
			continue
		}
		d.keys[k] = struct{}{}
		fresh = append(fresh, f)
	}
	return fresh
}

// Timestamp returns the bucket currently tracked.
func (d *BucketDeduper) Timestamp() int64 { return d.ts }

// Size returns the number of keys in the current bucket.
func (d *BucketDeduper) Size() int { return len(d.keys) }
