package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorClass partitions provider failures for retry policy.
type ErrorClass int

const (
	// ClassTransient covers rate limits, 5xx responses and timeouts.
	// Only these are retried.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers auth failures and malformed requests.
	ClassPermanent
	// ClassIntegrity covers identifier mismatches between a lane job and
	// its session/provider/run. Always fatal, never retried.
	ClassIntegrity
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassIntegrity:
		return "integrity"
	}
	return "unknown"
}

// Error is a classified provider failure. RetryAfter carries the provider's
// suggested wait when one was supplied.
type Error struct {
	Provider   string
	Code       string
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider error [%s/%s]: %v", e.Provider, e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewIntegrityError builds the fatal identifier-mismatch error.
func NewIntegrityError(provider string, err error) *Error {
	return &Error{Provider: provider, Code: "identity_mismatch", Class: ClassIntegrity, Err: err}
}

// Classify determines the retry class of an arbitrary error. Unrecognized
// errors are treated as permanent: retrying an unknown failure against a
// paid research API is worse than surfacing it.
func Classify(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassPermanent
}

// httpError maps an HTTP status to a classified error. Retry-After is parsed
// from the response when present (seconds form only; HTTP-date is ignored).
func httpError(provider string, resp *http.Response, body string) *Error {
	class := ClassPermanent
	code := fmt.Sprintf("http_%d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		class = ClassTransient
		code = "rate_limited"
	case resp.StatusCode >= 500:
		class = ClassTransient
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = "auth"
	}

	var retryAfter time.Duration
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	return &Error{
		Provider:   provider,
		Code:       code,
		Class:      class,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Backoff computes the wait before retry attempt (1-based): exponential with
// jitter, or the provider's suggested Retry-After with up to one second of
// jitter on either side when a suggestion was given.
func Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		wait := retryAfter - time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
		if wait < 0 {
			wait = 0
		}
		return wait
	}
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base + time.Duration(rand.Int63n(int64(time.Second)))
}
