// Package apperr carries the error taxonomy shared by dispatch, queue, store and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pick a response without string matching.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindDispatchTimeout     Kind = "dispatch_timeout"
	KindDispatchUnavailable Kind = "dispatch_unavailable"
	KindDispatchUpstream    Kind = "dispatch_upstream"
	KindDispatchPersist     Kind = "dispatch_persist"
	KindQueueUnavailable    Kind = "queue_unavailable"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindReconciliationGap   Kind = "reconciliation_gap"
)

// Error is an application error with a kind, a user-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	// Detail is forwarded verbatim to callers, e.g. an upstream error body.
	Detail string
	// Status is the upstream HTTP status for KindDispatchUpstream.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation is shorthand for a local input error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrDispatchTimeout     = &Error{Kind: KindDispatchTimeout}
	ErrDispatchUnavailable = &Error{Kind: KindDispatchUnavailable}
	ErrDispatchUpstream    = &Error{Kind: KindDispatchUpstream}
	ErrDispatchPersist     = &Error{Kind: KindDispatchPersist}
	ErrQueueUnavailable    = &Error{Kind: KindQueueUnavailable}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable}
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
