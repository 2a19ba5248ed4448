package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrNotFound      = errors.New("runtime object not found")
	ErrUnsupported   = errors.New("operation not supported by driver")
	ErrRuntimeDown   = errors.New("container runtime unavailable")
	ErrInvalidLimits = errors.New("invalid resource limits")
	ErrNetworkInUse  = errors.New("network has attached endpoints")
	ErrImageUnusable = errors.New("image cannot be resolved")
	ErrDriverClosed  = errors.New("driver closed")
)

// OpError wraps a driver failure with the operation and object it concerned.
type OpError struct {
	Op  string // The driver operation that failed
	ID  string // Container, network, or image reference
	Err error
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the runtime object is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(op, id string) error {
	return &OpError{Op: op, ID: id, Err: ErrNotFound}
}
