/*
errors.go - Error taxonomy for the accounting service client

PURPOSE:
  Every failure the client can surface maps onto one of a handful of
  sentinel errors so callers can branch with errors.Is() without parsing
  messages.

ERROR CATEGORIES:
  1. Transport errors  - connection failures, non-2xx GET, non-JSON bodies
  2. Envelope errors   - malformed envelope, non-"success" status
  3. Lookup errors     - alias resolution misses

SEE ALSO:
  - response.go: Produces envelope errors
  - client.go:   Produces transport errors
*/
package accounting

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTransport covers network failures and undecodable response bodies.
	ErrTransport = errors.New("accounting transport error")

	// ErrMalformedResponse is returned when the envelope lacks status or result.
	ErrMalformedResponse = errors.New("malformed accounting response")

	// ErrUnsuccessfulResponse is returned when status is present but not "success".
	ErrUnsuccessfulResponse = errors.New("unsuccessful accounting response")

	// ErrNoSuchUser is returned when an external alias does not resolve.
	ErrNoSuchUser = errors.New("no such accounting user")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedResponseError names what was wrong with the envelope.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed accounting response: %s", e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return ErrMalformedResponse
}

// UnsuccessfulResponseError carries the status the service reported.
type UnsuccessfulResponseError struct {
	Status  string
	Message string
}

func (e *UnsuccessfulResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("accounting service returned status %q: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("accounting service returned status %q", e.Status)
}

func (e *UnsuccessfulResponseError) Unwrap() error {
	return ErrUnsuccessfulResponse
}

// TransportError wraps an I/O level failure for a single request.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

// Is reports ErrTransport so callers need not know the concrete type.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NoSuchUserError names the alias that failed to resolve.
type NoSuchUserError struct {
	Alias string
}

func (e *NoSuchUserError) Error() string {
	return fmt.Sprintf("no valid accounting username found for %s", e.Alias)
}

func (e *NoSuchUserError) Unwrap() error {
	return ErrNoSuchUser
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsUpstreamError returns true if the error came from the accounting service
// or the path to it, rather than from local processing.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrUnsuccessfulResponse)
}
