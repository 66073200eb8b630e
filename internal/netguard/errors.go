package netguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrAdmissionRejected is returned before any network call when the request
	// budget or the concurrency ceiling is exhausted. Callers should try later.
	ErrAdmissionRejected = errors.New("netguard: request blocked")

	// ErrTimeout is returned when an attempt does not settle within Config.Timeout.
	ErrTimeout = errors.New("netguard: request timeout")

	// ErrCancelled is returned to callers whose attempt was aborted by Cancel,
	// CancelMatching or Reset.
	ErrCancelled = errors.New("netguard: request cancelled")

	// ErrInvalidRequest is returned when the request cannot be built at all.
	ErrInvalidRequest = errors.New("netguard: invalid request")
)

// errAttemptTimeout is the cause attached to the per-attempt deadline.
var errAttemptTimeout = errors.New("attempt deadline")

// Admission rejection reasons.
const (
	ReasonBudgetExhausted  = "request budget exceeded"
	ReasonConcurrencyLimit = "too many concurrent requests"
)

// AdmissionError describes why a request was not admitted.
type AdmissionError struct {
	Reason string
	Key    string
	// RetryAfter is the time left in the budget window, zero for
	// concurrency rejections.
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s - %s for %s", ErrAdmissionRejected, e.Reason, e.Key)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// HTTPError is returned for any non-2xx response. Body holds the raw response
// payload so upper layers can extract provider error messages.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return "HTTP " + status
}

// Retryable reports whether the status is transient. 4xx responses other
// than 429 describe a request the caller has to fix.
func (e *HTTPError) Retryable() bool {
	return !IsClientError(e.StatusCode)
}

// IsClientError reports whether code is a 4xx status other than 429.
func IsClientError(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// IsRetryable classifies an error returned by an attempt. Transport failures,
// timeouts, 429 and 5xx are transient; admission rejections, cancellations,
// caller context errors and client errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAdmissionRejected),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}
