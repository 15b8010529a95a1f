package registry

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a lookup for an entity that does not exist or
// has been soft-deleted.
type NotFoundError struct {
	Kind string // "group", "proxy key", "key"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConflictError indicates a write that would violate a uniqueness rule,
// such as reusing a group name that is already taken.
type ConflictError struct {
	Kind   string
	Field  string
	Value  string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s conflict on %s=%q: %s", e.Kind, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s conflict on %s=%q", e.Kind, e.Field, e.Value)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// ValidationError indicates a group or key definition that fails the
// registry's structural rules before it reaches storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
