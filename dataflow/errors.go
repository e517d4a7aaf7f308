package dataflow

import (
	"errors"
	"fmt"
)

// ErrIdentity marks data-consistency violations: a tuple that is removed or
// modified but was never seen, or added twice.
var ErrIdentity = errors.New("tuple identity violation")

// ConfigError reports an invalid operator definition or parameter. It is
// raised while an operator is being constructed or re-parameterized, before
// any pulse reaches it.
type ConfigError struct {
	Operator string
	Param    string
	Reason   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Operator != "" && e.Param != "":
		return fmt.Sprintf("%s: parameter %q: %s", e.Operator, e.Param, e.Reason)
	case e.Operator != "":
		return fmt.Sprintf("%s: %s", e.Operator, e.Reason)
	case e.Param != "":
		return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
	}
	return e.Reason
}

// NewConfigError is a shorthand for building a ConfigError.
func NewConfigError(operator, param, format string, args ...any) *ConfigError {
	return &ConfigError{Operator: operator, Param: param, Reason: fmt.Sprintf(format, args...)}
}

// IdentityError reports a tuple that an operator could not account for.
type IdentityError struct {
	Op     string // removal, modification or insertion
	ID     TupleID
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s of tuple #%d: %s", e.Op, e.ID, e.Reason)
}

func (e *IdentityError) Unwrap() error { return ErrIdentity }

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
