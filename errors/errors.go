// Package errors provides error handling for waitline.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrQueueClosed) {
//	    // handle closed queue
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the queue core. Use these with errors.Is() for
// type-safe checking; wrap with errors.Wrap() to add context while
// preserving the kind.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed, referenced an
	// unknown id, or referenced an entity from the wrong shop
	ErrInvalidRequest = New("invalid request")

	// ErrQueueClosed indicates a join was attempted on a closed or paused queue
	ErrQueueClosed = New("queue closed")

	// ErrAtCapacity indicates the queue has reached max_capacity
	ErrAtCapacity = New("queue at capacity")

	// ErrDuplicateCustomer indicates the customer already holds an active
	// ticket in the queue
	ErrDuplicateCustomer = New("customer already in queue")

	// ErrIllegalState indicates a ticket state transition that the state
	// machine does not permit
	ErrIllegalState = New("illegal state transition")

	// ErrWrongDay indicates an appointment arrival on a day other than the
	// scheduled one
	ErrWrongDay = New("appointment not scheduled for today")

	// ErrUnauthorized indicates the request lacks valid authentication
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the request is not allowed for this user
	ErrForbidden = New("forbidden")

	// ErrForbiddenGroup indicates a subscription to a group the session may
	// not join
	ErrForbiddenGroup = New("forbidden group")

	// ErrShopHalted indicates the shop's engine detected an invariant
	// violation and refuses further mutations until operator intervention
	ErrShopHalted = New("shop halted after invariant violation")
)

// Kind classifies an error per the core's taxonomy. Kinds drive wire codes
// and retry policy, not control flow inside the engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPrecondition
	KindAuthorization
	KindTransient
	KindFatal
)

// KindOf maps an error to its taxonomy kind via sentinel matching.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case IsAny(err, ErrNotFound, ErrInvalidRequest, ErrWrongDay):
		return KindValidation
	case IsAny(err, ErrQueueClosed, ErrAtCapacity, ErrDuplicateCustomer, ErrIllegalState):
		return KindPrecondition
	case IsAny(err, ErrUnauthorized, ErrForbidden, ErrForbiddenGroup):
		return KindAuthorization
	case Is(err, ErrShopHalted):
		return KindFatal
	default:
		return KindUnknown
	}
}

// Code returns the short machine-readable code carried to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrQueueClosed):
		return "queue_closed"
	case Is(err, ErrAtCapacity):
		return "at_capacity"
	case Is(err, ErrDuplicateCustomer):
		return "duplicate_customer"
	case Is(err, ErrIllegalState):
		return "illegal_state"
	case Is(err, ErrWrongDay):
		return "wrong_day"
	case Is(err, ErrUnauthorized):
		return "unauthorized"
	case Is(err, ErrForbiddenGroup):
		return "forbidden_group"
	case Is(err, ErrForbidden):
		return "forbidden"
	case Is(err, ErrShopHalted):
		return "shop_halted"
	case Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
