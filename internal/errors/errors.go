// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a failure against the remote source or the store.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindTransient    Kind = "transient"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
)

// SourceError wraps a remote-source failure with its classification and, for
// rate limits, the retry-after hint provided by the source.
type SourceError struct {
	Kind       Kind
	Resource   string
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Resource, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Kind)
}

func (e *SourceError) Unwrap() error { return e.Err }

// New builds a SourceError of the given kind.
func New(kind Kind, resource string, err error) *SourceError {
	return &SourceError{Kind: kind, Resource: resource, Err: err}
}

// RateLimited builds a rate-limit error carrying the source's retry-after hint.
func RateLimited(resource string, retryAfter time.Duration, err error) *SourceError {
	return &SourceError{Kind: KindRateLimited, Resource: resource, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the classification of err, or "" if err carries none.
func KindOf(err error) Kind {
	var se *SourceError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable reports whether err is worth another bounded attempt.
// Only rate limits and transient failures qualify.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindTransient
}

// RetryAfterHint returns the source-provided wait before retrying, or 0.
func RetryAfterHint(err error) time.Duration {
	var se *SourceError
	if stderrors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// MissingAuthorizationError is fatal for a whole sync run: the organization
// has no usable credential and must be re-authorized upstream.
type MissingAuthorizationError struct {
	Organization string
}

func (e *MissingAuthorizationError) Error() string {
	return fmt.Sprintf("organization %q has no data-source authorization", e.Organization)
}
