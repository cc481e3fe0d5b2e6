// Package orchestrator turns manifests into provisioned stacks on remote
// engines and tears them down again.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/store"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConnectivity is matched by every docker.ConnectivityError.
	ErrConnectivity = docker.ErrConnectivity

	// ErrProvisioning is matched by every ProvisioningError.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrNotFound is returned for entities that are absent or owned by someone else.
	ErrNotFound = store.ErrNotFound

	// ErrConnectionNotFound also matches ErrNotFound.
	ErrConnectionNotFound = fmt.Errorf("connection %w", store.ErrNotFound)

	// ErrConnectionInUse is returned when deleting a connection that deployments reference.
	ErrConnectionInUse = errors.New("connection is used by deployments")

	// ErrShuttingDown is returned for deployments requested after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// ValidationError reports a pre-flight failure. Nothing was persisted and
// nothing was created on the engine.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(err error) *ValidationError {
	return &ValidationError{Reason: err.Error(), Err: err}
}

// ProvisioningError reports the step that stopped provisioning.
// LeftRunning names services started before the failure.
type ProvisioningError struct {
	Service     string
	Step        string
	LeftRunning []string
	Err         error
}

func (e *ProvisioningError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("provisioning service %s failed at %s: %v", e.Service, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioning
}
