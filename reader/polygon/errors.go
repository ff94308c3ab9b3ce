package polygon

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout is wrapped by errors returned when a request exceeds the
// client timeout.
var ErrTimeout = errors.New("polygon request timed out")

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Path       string
	Body       []byte
}

func (e *HTTPError) Error() string {
	msg := http.StatusText(e.StatusCode)
	if len(e.Body) > 0 {
		body := e.Body
		if len(body) > 256 {
			body = body[:256]
		}
		msg = string(body)
	}
	return fmt.Sprintf("polygon GET %s: status %d: %s", e.Path, e.StatusCode, msg)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
