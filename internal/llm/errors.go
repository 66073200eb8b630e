package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"agrimater/internal/netguard"
)

// Completion errors
var (
	// ErrAPIKeyMissing is returned when no Groq API key is configured.
	ErrAPIKeyMissing = errors.New("GROQ_API_KEY environment variable is not set")

	// ErrMalformedResponse is returned for a 2xx response without completion
	// text. It is retried.
	ErrMalformedResponse = errors.New("invalid API response: no content returned")

	// ErrAllModelsExhausted matches the error returned once the preferred model
	// and every fallback model failed.
	ErrAllModelsExhausted = errors.New("all models failed")
)

// APIError is a non-2xx answer from the completion API.
type APIError struct {
	StatusCode int
	// Message is the provider's error.message, or "HTTP <code>".
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if netguard.IsClientError(e.StatusCode) {
		return "client error: " + e.Message
	}
	return "API error: " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// newAPIError extracts the provider message from an HTTP error body.
func newAPIError(httpErr *netguard.HTTPError) *APIError {
	msg := fmt.Sprintf("HTTP %d", httpErr.StatusCode)
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(httpErr.Body, &body) == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	return &APIError{StatusCode: httpErr.StatusCode, Message: msg, Err: httpErr}
}

// FallbackError is returned when every model failed. It unwraps to the
// preferred model's error.
type FallbackError struct {
	// Tried lists the models attempted, preferred first.
	Tried []string
	Err   error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrAllModelsExhausted, strings.Join(e.Tried, ", "), e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

func (e *FallbackError) Is(target error) bool { return target == ErrAllModelsExhausted }

// isRetryable classifies errors at the completion layer. Malformed responses
// are retried here even though the governor saw a successful exchange.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAPIKeyMissing),
		errors.Is(err, netguard.ErrAdmissionRejected),
		errors.Is(err, netguard.ErrCancelled),
		errors.Is(err, netguard.ErrInvalidRequest),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !netguard.IsClientError(apiErr.StatusCode)
	}
	return true
}

// StatusForError maps a completion error to the HTTP status returned to
// gateway clients.
func StatusForError(err error) int {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrAPIKeyMissing):
		return http.StatusInternalServerError
	case errors.Is(err, netguard.ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, netguard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, netguard.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrMalformedResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// SetErrorResponseHeaders sets the appropriate headers for error responses
func SetErrorResponseHeaders(w http.ResponseWriter, err error) {
	var admission *netguard.AdmissionError
	if errors.As(err, &admission) {
		secs := int(admission.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
}
