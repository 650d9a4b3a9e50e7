package core

import (
	"errors"
	"fmt"

	"github.com/petrel-ci/petrel/internal/actions"
	"github.com/petrel-ci/petrel/internal/persistence"
	"github.com/petrel-ci/petrel/internal/secrets"
)

// NotFoundError names a resource a request addressed but the store does not
// hold.
type NotFoundError struct {
	Resource string
	Handle   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Handle)
}

func notFound(resource string, handle fmt.Stringer) *NotFoundError {
	return &NotFoundError{Resource: resource, Handle: handle.String()}
}

// BadRequestError covers illegal handles, bad declarations and malformed
// action output.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

func badRequest(format string, args ...any) *BadRequestError {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError covers requests that collide with existing state, like
// creating a project twice or rerunning a job that is still running.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func conflict(format string, args ...any) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a resource lookup failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, persistence.ErrNotFound)
}

// IsUserError reports whether err should surface as the caller's fault
// rather than an internal failure.
func IsUserError(err error) bool {
	var (
		br *BadRequestError
		cf *ConflictError
	)
	return errors.As(err, &br) || errors.As(err, &cf) ||
		IsNotFound(err) ||
		errors.Is(err, actions.ErrScriptNotFound) ||
		errors.Is(err, actions.ErrInvalidSecrets) ||
		errors.Is(err, secrets.ErrNoMatchingKeys) ||
		errors.Is(err, secrets.ErrMalformed)
}
