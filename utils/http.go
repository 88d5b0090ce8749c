// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds a single outbound call so a hang becomes an error.
const DefaultRequestTimeout = 10 * time.Second

// NewHTTPClient returns a client with the given timeout (DefaultRequestTimeout when zero).
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}
