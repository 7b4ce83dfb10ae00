package gpsapi

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotFound             = errors.New("resource not found")
)

// APIError is any other non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("api error %d %s", e.StatusCode, e.Status)
}

// TransportError covers failures below HTTP: dial, TLS, timeouts, an open
// circuit breaker, or a broken websocket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
