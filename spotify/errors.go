package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrAuth means the access token was rejected (401/403).
	ErrAuth = errors.New("spotify: unauthorized")
	// ErrNotFound means the search had no match or the target resource (device, track) is missing.
	ErrNotFound = errors.New("spotify: not found")
	// ErrTransient covers rate limiting, 5xx responses and network failures.
	ErrTransient = errors.New("spotify: transient failure")
)

// APIError is a non-2xx response from the Web API.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration // from Retry-After on 429/503
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("spotify api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("spotify api: %d %s", e.Status, http.StatusText(e.Status))
}

func (e *APIError) Unwrap() error { return e.kind }

func newAPIError(resp *http.Response, message string) *APIError {
	e := &APIError{Status: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.kind = ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		e.kind = ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e.kind = ErrTransient
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// ErrorClass tells the playback controller what to do with a failed call.
type ErrorClass int

const (
	// ClassRetryable: try again after backing off.
	ClassRetryable ErrorClass = iota
	// ClassAuth: refresh the credential, then retry once.
	ClassAuth
	// ClassFatal: retrying will not help.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error from this package to an ErrorClass.
//
// NotFound is retryable: a search miss is often a transient index or device state
// and the retry budget is small. Cancellation and other 4xx responses are fatal.
// Unrecognized errors are treated as retryable to avoid giving up too early.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrTransient), errors.Is(err, ErrNotFound), errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return ClassFatal
	}
	return ClassRetryable
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// ResultLabel is the metrics label for a call outcome.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
