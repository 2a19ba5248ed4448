package lifecycle

import (
	"errors"
	"fmt"

	"lab-sandbox/internal/catalog"
)

var (
	ErrTemplateNotFound   = catalog.ErrTemplateNotFound
	ErrQuotaExceeded      = errors.New("concurrent instance limit reached for this template")
	ErrCapacityExhausted  = errors.New("instance capacity exhausted")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrNotFound           = errors.New("instance not found")
	ErrInstanceNotRunning = errors.New("instance is not running")
	ErrRenewalRejected    = errors.New("renewal rejected")
	ErrCleanupPending     = errors.New("resources not yet released")
)

// ProvisioningError is returned by Start when the runtime could not build
// the sandbox. By the time it is returned the instance is in the error
// state and its slot is free.
type ProvisioningError struct {
	InstanceID string
	Err        error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("instance %s: %s: %s", e.InstanceID, ErrProvisioningFailed, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioningFailed
}

// CleanupError describes resources that could not be released. It is logged
// and counted; Fail and the reaper never return it.
type CleanupError struct {
	InstanceID string
	Stage      string // "containers" or "network"
	Err        error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of instance %s (%s): %s", e.InstanceID, e.Stage, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
