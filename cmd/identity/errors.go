package identity

import (
	"errors"
	"fmt"
)

// Error kinds. Stable targets for errors.Is; the HTTP layer maps them to
// status codes (invalid input 400, not found 404, conflict 409).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")
)

// Predicates for the common checks at call sites.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }

// IsConflict matches any ConflictError regardless of field.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// OpError tags a failure with the store operation that produced it and one
// of the kinds above. Msg carries context for logs, never secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError is a uniqueness violation on one logical field ("email" or
// "username"). Handlers errors.As it out to name the field in the 409 body.
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError names the resource a lookup missed.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }
