package palapi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoBaseURL is returned when no server base URL is configured. It is a
// configuration error: the operation is not attempted and not retried.
var ErrNoBaseURL = errors.New("palapi: server base url is not configured")

// ErrBadBaseURL wraps a base URL that cannot be parsed.
var ErrBadBaseURL = errors.New("palapi: invalid server base url")

// AuthError is a 401 from a reachable peer: the credential was rejected.
type AuthError struct {
	URL string
}

func (e *AuthError) Error() string { return "credential rejected by " + e.URL }

// PeerError is a non-success status other than 401.
type PeerError struct {
	URL    string
	Status int
	Body   string
}

func (e *PeerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.Status, e.Body)
}

// routeMissing reports statuses that mean the path itself is wrong, so other
// payload shapes on the same URL are pointless.
func (e *PeerError) routeMissing() bool {
	return e.Status == 404 || e.Status == 405
}

// TransportError is a connection level failure (dial, TLS, timeout, reset).
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return e.URL + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// AttemptsError aggregates every failed candidate of one logical operation.
type AttemptsError struct {
	Op   string
	Errs []error
}

func (e *AttemptsError) Error() string {
	if len(e.Errs) == 0 {
		return e.Op + ": no candidates attempted"
	}
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%s: all %d attempts failed: %s", e.Op, len(e.Errs), strings.Join(parts, "; "))
}

func (e *AttemptsError) Unwrap() []error { return e.Errs }

// IsConfigError reports whether err means the client cannot be used at all.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNoBaseURL) || errors.Is(err, ErrBadBaseURL)
}

// IsAuthError reports whether any attempt behind err was a rejected credential.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
