package polymarket

import (
	"fmt"
	"net/http"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// APIError is a non-2xx response from the Gamma API.
type APIError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("gamma api error %d: %v: %s", e.StatusCode, e.kind, e.Body)
	}
	return fmt.Sprintf("gamma api error %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.kind }

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512]
	}
	apiErr := &APIError{StatusCode: statusCode, Body: bodyStr}
	switch statusCode {
	case http.StatusNotFound:
		apiErr.kind = domain.ErrNotFound
	case http.StatusTooManyRequests:
		apiErr.kind = domain.ErrRateLimited
	}
	return apiErr
}
