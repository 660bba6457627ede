package domain

// CatalogCursor is the number of catalog entries already requested from the
// source.
type CatalogCursor struct {
	Offset int64 `json:"offset"`
}

// ScrapeCursor is the timestamp of the last persisted event. Zero means
// genesis. Complete is set once a scrape has drained the feed, so every
// upstream event at Timestamp is known to be stored.
type ScrapeCursor struct {
	Timestamp int64 `json:"timestamp"`
	Complete  bool  `json:"complete,omitempty"`
}

// ReconcileCursor is the (timestamp, tx hash) position of the last event
// consumed by the reconciler. Positions are ordered lexicographically.
type ReconcileCursor struct {
	Timestamp int64  `json:"timestamp"`
	TxHash    string `json:"tx_hash"`
}

// Less reports whether c sorts before o.
func (c ReconcileCursor) Less(o ReconcileCursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	return c.TxHash < o.TxHash
}

// After reports whether c sorts strictly after o.
func (c ReconcileCursor) After(o ReconcileCursor) bool {
	return o.Less(c)
}

// IsZero reports whether the cursor is at genesis.
func (c ReconcileCursor) IsZero() bool {
	return c.Timestamp == 0 && c.TxHash == ""
}
