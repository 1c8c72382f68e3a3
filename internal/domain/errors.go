package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the transport layer can map them once.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindInvalidTransition
	KindForbidden
	KindValidation
	KindUnauthorized
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified failure. Reason narrows the kind, e.g.
// "already_completed" under KindInvalidTransition.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches another *Error with the same kind and reason, so wrapped
// instances compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Reason: "not_found", Message: "not found"}
	ErrAlreadyCompleted  = &Error{Kind: KindInvalidTransition, Reason: "already_completed", Message: "task already completed"}
	ErrAlreadyInProgress = &Error{Kind: KindInvalidTransition, Reason: "already_in_progress", Message: "task already in progress"}
	ErrNotInProgress     = &Error{Kind: KindInvalidTransition, Reason: "not_in_progress", Message: "task is not in progress"}
	ErrForbidden         = &Error{Kind: KindForbidden, Reason: "forbidden", Message: "forbidden"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Reason: "unauthorized", Message: "authentication required"}
)

// NotFoundf reports a missing entity.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: "validation", Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf reports an authenticated caller lacking permission.
func Forbiddenf(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Reason: "forbidden", Message: fmt.Sprintf(format, args...)}
}

// Conflictf reports a write that lost against concurrent state.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Reason: "conflict", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, KindInternal when unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
