package source

import (
	"errors"
	"fmt"

	"geofuse/internal/signal/models"
)

// ErrorCategory defines the normalized upstream failure taxonomy
type ErrorCategory string

const (
	// ErrorUpstreamUnavailable indicates a network failure or 5xx from the source
	ErrorUpstreamUnavailable ErrorCategory = "upstream_unavailable"

	// ErrorUpstreamTimeout indicates the fetch exceeded the domain's timeout
	ErrorUpstreamTimeout ErrorCategory = "upstream_timeout"

	// ErrorMalformedPayload indicates the source returned data that does not match its schema
	ErrorMalformedPayload ErrorCategory = "malformed_payload"

	// ErrorDegraded indicates the breaker is open and the fetch was skipped
	ErrorDegraded ErrorCategory = "degraded"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// SourceError wraps upstream failures with normalized categorization
type SourceError struct {
	Category   ErrorCategory
	Domain     models.Domain
	Message    string
	Underlying error
	Retryable  bool
}

func (e *SourceError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("source %s [%s]: %s: %v", e.Domain, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("source %s [%s]: %s", e.Domain, e.Category, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Underlying
}

// NewSourceError creates a new normalized source error. Everything except a
// malformed payload is worth retrying on the next interval.
func NewSourceError(category ErrorCategory, domain models.Domain, message string, underlying error) *SourceError {
	retryable := category == ErrorUpstreamTimeout ||
		category == ErrorUpstreamUnavailable ||
		category == ErrorDegraded

	return &SourceError{
		Category:   category,
		Domain:     domain,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorInternal
}

var (
	ErrNotPolled        = errors.New("source has not been polled yet")
	ErrDuplicateFetcher = errors.New("fetcher already registered for domain")
	ErrMissingFetcher   = errors.New("no fetcher registered for domain")
)
