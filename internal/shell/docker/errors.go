package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")

	// Image errors
	ErrImageNotFound   = errors.New("image not found")
	ErrImagePullFailed = errors.New("image pull failed")

	// Connection errors
	ErrPortAlreadyAllocated = errors.New("port is already allocated")
	ErrConnectionFailed     = errors.New("docker connection failed")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrInvalidTLS           = errors.New("invalid TLS material")
	ErrTimeout              = errors.New("operation timed out")

	// ErrConnectivity is matched by every ConnectivityError.
	ErrConnectivity = errors.New("engine unreachable")
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (container, image, engine)
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// ConnectivityError reports that an engine stayed unreachable.
// Err is the error of the first failed probe.
type ConnectivityError struct {
	ConnectionID string
	Attempts     int
	Err          error
}

func (e *ConnectivityError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection %s unreachable after %d reconnect attempts: %v", e.ConnectionID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection %s unreachable: %v", e.ConnectionID, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectivity
}

// IsGone reports whether err means the container is already stopped or removed.
func IsGone(err error) bool {
	return errors.Is(err, ErrContainerNotFound) || errors.Is(err, ErrContainerNotRunning)
}
