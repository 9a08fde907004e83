package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorType classifies provider API errors for retry and handling strategy.
type ErrorType int

const (
	ErrRateLimit          ErrorType = iota // HTTP 429
	ErrProviderOverloaded                  // HTTP 502, 503
	ErrContextTooLong                      // HTTP 400 + context_length_exceeded
	ErrContentFiltered                     // HTTP 400 + content_filter
	ErrAuth                                // HTTP 401, 403
	ErrMalformedResponse                   // JSON/stream parse failure
	ErrTimeout                             // Request deadline exceeded
	ErrUnknown                             // Anything else
)

// String returns the human-readable name of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrRateLimit:
		return "rate_limit"
	case ErrProviderOverloaded:
		return "provider_overloaded"
	case ErrContextTooLong:
		return "context_length_exceeded"
	case ErrContentFiltered:
		return "content_filter"
	case ErrAuth:
		return "auth_error"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an API error with its classification and metadata.
type ClassifiedError struct {
	Provider   string
	Type       ErrorType
	StatusCode int
	Message    string
	RetryAfter time.Duration // only set for rate limit errors
}

func (e *ClassifiedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s (HTTP %d): %s (retry after %s)", e.Provider, e.Type, e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s %s (HTTP %d): %s", e.Provider, e.Type, e.StatusCode, e.Message)
}

// Retryable returns true if this error type supports automatic retry.
func (e *ClassifiedError) Retryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrProviderOverloaded, ErrTimeout, ErrMalformedResponse:
		return true
	default:
		return false
	}
}

// MaxRetries returns the maximum number of retries for this error type.
func (e *ClassifiedError) MaxRetries() int {
	switch e.Type {
	case ErrRateLimit, ErrProviderOverloaded:
		return 5
	case ErrMalformedResponse:
		return 3
	case ErrTimeout:
		return 1
	default:
		return 0
	}
}

// apiErrorBody is the JSON error body used by OpenAI-compatible APIs.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ClassifyHTTPError reads a non-200 response body and classifies it.
func ClassifyHTTPError(providerName string, resp *http.Response) *ClassifiedError {
	body, _ := io.ReadAll(resp.Body)

	var errBody apiErrorBody
	json.Unmarshal(body, &errBody) //nolint:errcheck // best-effort parse

	msg := errBody.Error.Message
	if msg == "" {
		msg = string(body)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}

	ce := &ClassifiedError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ce.Type = ErrRateLimit
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		ce.Type = ErrProviderOverloaded
	case http.StatusUnauthorized, http.StatusForbidden:
		ce.Type = ErrAuth
	case http.StatusBadRequest:
		switch errBody.Error.Code {
		case "context_length_exceeded":
			ce.Type = ErrContextTooLong
		case "content_filter":
			ce.Type = ErrContentFiltered
		default:
			ce.Type = ErrUnknown
		}
	default:
		ce.Type = ErrUnknown
	}
	return ce
}

// parseRetryAfter parses a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
