package gateway

import (
	"errors"
	"fmt"
)

// ErrNotConnected indicates the target instance cannot send right now.
// Callers may retry with backoff since connectivity can recover.
var ErrNotConnected = errors.New("instance is not connected")

// GatewayError is returned for any non-success HTTP response or transport
// failure from the provider. It carries the status code and raw body for
// diagnostics; retry policy belongs to the caller.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ValidationError marks malformed input rejected at the boundary. It is
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
