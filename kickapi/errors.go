package kickapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chataroo/backend/chat"
)

// APIError carries a non-2xx response status and a bounded body excerpt.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kick api status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// statusError maps an error response. 429 becomes *chat.RateLimitedError so
// the send limiter re-queues the task instead of failing it; everything else
// becomes *APIError.
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		var retry time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
		}
		return &chat.RateLimitedError{RetryAfter: retry}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: string(b)}
}
