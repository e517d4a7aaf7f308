package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every graph method after Close.
	ErrClosed = errors.New("dataflow graph is closed")
	// ErrCycle is returned when a connection would create a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrNotSource is returned when a changeset targets a non-source operator.
	ErrNotSource = errors.New("operator does not accept changesets")
	// ErrUnknownType is returned when an operator type is not registered.
	ErrUnknownType = errors.New("unknown operator type")
	// ErrForeignOperator is returned when an operator from another graph is
	// passed in.
	ErrForeignOperator = errors.New("operator belongs to another graph")
)

// EvalError reports the operator whose evaluation aborted a run.
type EvalError struct {
	Operator string
	Type     string
	Stamp    int64
	Err      error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %s (%s) at stamp %d: %v", e.Operator, e.Type, e.Stamp, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
