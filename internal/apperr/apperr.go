// Package apperr is the error taxonomy shared by the room directory, the
// share registry and admission control. Callers match concrete sentinels
// with errors.Is and coarse categories with KindOf.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error so transports can pick a response without
// knowing which component produced it.
type Kind int

const (
	Internal Kind = iota
	Validation
	AuthRequired
	InvalidCredential
	NotFound
	PermissionDenied
	ResourceExhausted
	Conflict
	Gone
)

var kindNames = map[Kind]string{
	Internal:          "internal",
	Validation:        "validation",
	AuthRequired:      "auth_required",
	InvalidCredential: "invalid_credential",
	NotFound:          "not_found",
	PermissionDenied:  "permission_denied",
	ResourceExhausted: "resource_exhausted",
	Conflict:          "conflict",
	Gone:              "gone",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error carries a Kind and a human-readable reason.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New returns an *Error. Sentinels built with New compare by identity.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Validationf is shorthand for input errors that are built per call.
func Validationf(msg string) *Error {
	return New(Validation, msg)
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal
// when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// IsRetryable reports whether the caller may succeed by trying again later.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == ResourceExhausted
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case AuthRequired:
		return http.StatusUnauthorized
	case InvalidCredential, PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
