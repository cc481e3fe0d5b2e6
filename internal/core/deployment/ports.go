package deployment

import (
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/core/manifest"
)

// =============================================================================
// Port Conflict Detection
// =============================================================================

// ErrPortConflict is matched by every PortConflictError.
var ErrPortConflict = errors.New("port conflict")

// Conflict kinds reported by PortConflictError.
const (
	ConflictHost      = "host"
	ConflictContainer = "container"
)

// PortConflictError names the service and port that failed the pre-flight check.
type PortConflictError struct {
	Service string
	Port    int
	Kind    string // ConflictHost or ConflictContainer
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("service %s: %s port %d is already in use", e.Service, e.Kind, e.Port)
}

func (e *PortConflictError) Is(target error) bool {
	return target == ErrPortConflict
}

// BoundPorts is the set of ports already bound on an engine.
type BoundPorts struct {
	Host      map[int]bool
	Container map[int]bool
}

// NewBoundPorts returns an empty set.
func NewBoundPorts() BoundPorts {
	return BoundPorts{
		Host:      make(map[int]bool),
		Container: make(map[int]bool),
	}
}

// Add records a binding. Zero ports are ignored.
func (b BoundPorts) Add(hostPort, containerPort int) {
	if hostPort > 0 {
		b.Host[hostPort] = true
	}
	if containerPort > 0 {
		b.Container[containerPort] = true
	}
}

// CheckPortConflicts checks every declared port pair of every service against
// the ports already bound on the engine, in a single pass before any mutation.
//
// A pair conflicts when its host port or its container port appears in either
// bound set. Host ports claimed by earlier services in the same manifest are
// treated as bound, so two services publishing the same host port fail here.
//
// The first conflict found is returned as a *PortConflictError.
func CheckPortConflicts(bound BoundPorts, m *manifest.Manifest) error {
	if m == nil {
		return nil
	}

	claimed := make(map[int]bool)
	for _, svc := range m.Services {
		for _, p := range svc.Ports {
			if bound.Host[p.HostPort] || bound.Container[p.HostPort] || claimed[p.HostPort] {
				return &PortConflictError{Service: svc.Name, Port: p.HostPort, Kind: ConflictHost}
			}
			if bound.Host[p.ContainerPort] || bound.Container[p.ContainerPort] {
				return &PortConflictError{Service: svc.Name, Port: p.ContainerPort, Kind: ConflictContainer}
			}
		}
		for _, p := range svc.Ports {
			claimed[p.HostPort] = true
		}
	}

	return nil
}
