package service

import (
	"errors"
	"fmt"

	"billbook/internal/store"
)

var (
	ErrValidation      = errors.New("invalid input")
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotAuthorized   = errors.New("not authorized for this shop")
	ErrAlreadyExists   = store.ErrAlreadyExists
	ErrSelfReference   = errors.New("shop owner cannot be added or removed as staff")
	ErrNotFound        = store.ErrNotFound
)

// validationError carries a user-facing message and matches ErrValidation.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func (e *validationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}
