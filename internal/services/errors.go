package services

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION_ERROR"
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindConflict     ErrorKind = "CONFLICT"
	KindStore        ErrorKind = "STORE_ERROR"
)

// ServiceError is the one error shape that crosses from services to the
// transports. Err holds the internal cause and is never shown to clients.
type ServiceError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Err
}

func (e ServiceError) Code() string {
	return string(e.Kind)
}

func ErrValidation(msg string) error {
	return ServiceError{Kind: KindValidation, Status: 400, Message: msg}
}

func ErrUnauthorized(msg string) error {
	return ServiceError{Kind: KindUnauthorized, Status: 401, Message: msg}
}

func ErrForbidden(msg string) error {
	return ServiceError{Kind: KindUnauthorized, Status: 403, Message: msg}
}

func ErrNotFound(msg string) error {
	return ServiceError{Kind: KindNotFound, Status: 404, Message: msg}
}

func ErrConflict(msg string) error {
	return ServiceError{Kind: KindConflict, Status: 409, Message: msg}
}

// ErrStore hides the cause behind a generic message; op names the failed step
// for the logs.
func ErrStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr ServiceError
	if errors.As(err, &serr) {
		return err
	}
	return ServiceError{Kind: KindStore, Status: 500, Message: "Internal server error", Err: fmt.Errorf("%s: %w", op, err)}
}

// AsServiceError classifies any error; unknown errors become store errors.
func AsServiceError(err error) ServiceError {
	var serr ServiceError
	if errors.As(err, &serr) {
		return serr
	}
	return ServiceError{Kind: KindStore, Status: 500, Message: "Internal server error", Err: err}
}

func IsKind(err error, kind ErrorKind) bool {
	var serr ServiceError
	return errors.As(err, &serr) && serr.Kind == kind
}
