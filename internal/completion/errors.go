package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrProviderUnavailable covers network failures, 5xx answers, malformed
	// bodies and an open circuit breaker.
	ErrProviderUnavailable = errors.New("completion provider unavailable")
	// ErrRateLimited is returned for HTTP 429.
	ErrRateLimited = errors.New("completion provider rate limited")
	// ErrRejected covers requests the provider refuses outright (auth, context length).
	ErrRejected = errors.New("completion request rejected")
)

// ErrorType classifies provider failures.
type ErrorType int

const (
	ErrTypeRateLimit ErrorType = iota
	ErrTypeOverloaded
	ErrTypeContextTooLong
	ErrTypeAuth
	ErrTypeMalformedResponse
	ErrTypeTimeout
	ErrTypeUnknown
)

func (e ErrorType) String() string {
	switch e {
	case ErrTypeRateLimit:
		return "rate_limit"
	case ErrTypeOverloaded:
		return "provider_overloaded"
	case ErrTypeContextTooLong:
		return "context_length_exceeded"
	case ErrTypeAuth:
		return "auth_error"
	case ErrTypeMalformedResponse:
		return "malformed_response"
	case ErrTypeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifiedError is a provider failure with its classification.
type ClassifiedError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("completion %s (HTTP %d): %s (retry after %s)", e.Type, e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("completion %s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// Unwrap maps the classification onto the package sentinels.
func (e *ClassifiedError) Unwrap() error {
	switch e.Type {
	case ErrTypeRateLimit:
		return ErrRateLimited
	case ErrTypeAuth, ErrTypeContextTooLong:
		return ErrRejected
	default:
		return ErrProviderUnavailable
	}
}

// Transient reports whether a later attempt may succeed.
func (e *ClassifiedError) Transient() bool {
	return !errors.Is(e, ErrRejected)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func classifyHTTPError(resp *http.Response) *ClassifiedError {
	body, _ := io.ReadAll(resp.Body)

	var eb errorBody
	json.Unmarshal(body, &eb) //nolint:errcheck // best-effort parse

	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	ce := &ClassifiedError{StatusCode: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ce.Type = ErrTypeRateLimit
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ce.Type = ErrTypeAuth
	case resp.StatusCode == http.StatusBadRequest && tooLong(eb, msg):
		ce.Type = ErrTypeContextTooLong
	case resp.StatusCode >= 500:
		ce.Type = ErrTypeOverloaded
	default:
		ce.Type = ErrTypeUnknown
	}
	return ce
}

func tooLong(eb errorBody, msg string) bool {
	combined := strings.ToLower(eb.Error.Code + " " + eb.Error.Type + " " + msg)
	return strings.Contains(combined, "context_length_exceeded") ||
		strings.Contains(combined, "maximum context length")
}

// parseRetryAfter reads the Retry-After header as seconds.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
