// Package apperr defines the error taxonomy shared by the orchestration
// components. Callers branch with errors.Is against the sentinel values and
// log the kind under the error_kind field.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions and logging
type Kind string

const (
	KindValidation        Kind = "validation"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindProvider          Kind = "provider"
	KindReferenceNotFound Kind = "reference_not_found"
	KindExpiredContext    Kind = "expired_context"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrBudgetExceeded    = &Error{Kind: KindBudgetExceeded}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrReferenceNotFound = &Error{Kind: KindReferenceNotFound}
	ErrExpiredContext    = &Error{Kind: KindExpiredContext}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error carries a Kind, the failing operation and the underlying cause
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so wrapped instances compare
// equal to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorKind implements the logger's kinded interface
func (e *Error) ErrorKind() string { return string(e.Kind) }

// New builds an error of the given kind for an operation
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a validation error with a formatted message
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// StoreUnavailable wraps a storage failure
func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
}

// NotFound reports a missing record
func NotFound(op string, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.New(what + " not found")}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
