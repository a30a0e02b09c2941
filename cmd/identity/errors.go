package identity

import (
	"context"
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may carry human-readable context; it never carries secrets.
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

// ConflictError reports a uniqueness violation for a logical field ("email", "external_id").
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

// NotFoundError reports a missing referenced resource (e.g., FK violation) or missing row.
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

// AuthError is returned for any credential, token or session failure.
// Msg is safe to show to clients and never says which check failed.
type AuthError struct {
	Op  string
	Msg string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrUnauthenticated, e.Message())
}

func (e AuthError) Unwrap() error { return ErrUnauthenticated }

// Message returns the client-facing text.
func (e AuthError) Message() string {
	if e.Msg == "" {
		return "could not validate credentials"
	}
	return e.Msg
}

// PermissionError is returned when an authenticated caller lacks a required role.
type PermissionError struct {
	Op  string
	Msg string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrForbidden, e.Message())
}

func (e PermissionError) Unwrap() error { return ErrForbidden }

// Message returns the client-facing text.
func (e PermissionError) Message() string {
	if e.Msg == "" {
		return "not enough permissions"
	}
	return e.Msg
}

// TransientError wraps a store/infrastructure failure that callers may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrUnavailable)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// Transient wraps err as a TransientError unless it already carries a domain kind.
// Nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return TransientError{Op: op, Err: err}
}

// BadCredentials returns the uniform login failure.
func BadCredentials(op string) error {
	return AuthError{Op: op, Msg: MsgBadCredentials}
}

// IsDomain reports whether err carries one of the sentinel kinds.
func IsDomain(err error) bool {
	for _, k := range []error{ErrInvalidInput, ErrNotFound, ErrConflict, ErrUnauthenticated, ErrForbidden, ErrUnavailable} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsAuth reports whether err represents ErrUnauthenticated.
func IsAuth(err error) bool { return errors.Is(err, ErrUnauthenticated) }

// IsPermission reports whether err represents ErrForbidden.
func IsPermission(err error) bool { return errors.Is(err, ErrForbidden) }

// IsTransient reports whether err represents ErrUnavailable, including deadline expiry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
