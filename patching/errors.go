package patching

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is; every error Run returns matches exactly one.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrBackend       = errors.New("backend execution error")
)

// ConfigurationError is raised before any forward pass runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ShapeMismatchError reports a source activation that cannot supply the
// destination slice at (Layer, Position). Got is the source activation's
// shape, Want the destination's.
type ShapeMismatchError struct {
	Layer    int
	Position int
	Want     []int
	Got      []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch at layer %d position %d: source activation %v, destination %v",
		e.Layer, e.Position, e.Got, e.Want)
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// BackendExecutionError wraps a failure of the execution backend.
type BackendExecutionError struct {
	Op  string
	Err error
}

func (e *BackendExecutionError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendExecutionError) Unwrap() error { return e.Err }

func (e *BackendExecutionError) Is(target error) bool { return target == ErrBackend }

// backendErr wraps err as a BackendExecutionError unless it already carries
// one of the sentinels, as a remote service's configuration or shape
// rejection does.
func backendErr(op string, err error) error {
	if errors.Is(err, ErrBackend) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrShapeMismatch) {
		return err
	}
	return &BackendExecutionError{Op: op, Err: err}
}
