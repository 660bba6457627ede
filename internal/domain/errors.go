package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrLockHeld    = errors.New("lock already held")

	// ErrRetryableFetchFailed is returned once a transient upstream failure
	// has exhausted its retry budget. The calling stage aborts.
	ErrRetryableFetchFailed = errors.New("retryable fetch failed")
	// ErrMalformedRecord marks a single event or market that cannot be
	// interpreted. The record is skipped and the run continues.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrMarketUnresolved marks an event whose token maps to no known market,
	// even after a lookup. The event is retried on the next run.
	ErrMarketUnresolved = errors.New("market unresolved")
	// ErrStoreIO is fatal for the current stage call.
	ErrStoreIO = errors.New("store i/o")
)

// retryable is implemented by errors that know whether the failed request
// may be repeated, such as upstream API errors carrying a status code.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is a transient transport failure worth
// another attempt. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
