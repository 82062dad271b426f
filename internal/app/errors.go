package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lmco/mcf/internal/store"
)

// Error codes carried in API responses. Callers branch on the code, never on
// the message text.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeForbidden  = "FORBIDDEN"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeDatabase   = "DATABASE_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

// databaseError wraps a store failure. The cause stays available through
// errors.Unwrap for logging but is never serialized to the caller.
func databaseError(message string, err error) *DomainError {
	wrapped := domainError(http.StatusInternalServerError, CodeDatabase, message, nil)
	wrapped.Err = err
	return wrapped
}

// storeError translates a store-layer error: a single-document miss becomes a
// typed not-found, anything else a database error.
func storeError(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(what + " not found")
	}
	return databaseError("failed to access "+what, err)
}

// isCode reports whether err is a DomainError with the given code.
func isCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
