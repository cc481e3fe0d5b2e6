package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrResourceContainerID = errors.New("resource requires a remote container id")
	ErrResourceDeployment  = errors.New("resource requires a persisted deployment")
)

// ResourceStatus mirrors the last known state of a remote container.
type ResourceStatus string

const (
	ResourceCreated ResourceStatus = "created"
	ResourceRunning ResourceStatus = "running"
	ResourceExited  ResourceStatus = "exited"
	ResourceMissing ResourceStatus = "missing"
)

// Resource is the persisted mirror of one remote container created for a deployment.
// The connection reference is always copied from the owning deployment.
type Resource struct {
	ID            string         `json:"id"`
	DeploymentID  string         `json:"deployment_id"`
	ConnectionID  string         `json:"connection_id"`
	ServiceName   string         `json:"service_name"`
	ContainerID   string         `json:"container_id"`
	ContainerName string         `json:"container_name"`
	Image         string         `json:"image"`
	Status        ResourceStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewResource records a container that already exists on the deployment's engine.
func NewResource(d *Deployment, serviceName, containerID, containerName, image string) (*Resource, error) {
	if d == nil || d.ID == "" {
		return nil, ErrResourceDeployment
	}
	if containerID == "" {
		return nil, ErrResourceContainerID
	}

	now := time.Now().UTC()
	return &Resource{
		ID:            uuid.New().String(),
		DeploymentID:  d.ID,
		ConnectionID:  d.ConnectionID,
		ServiceName:   serviceName,
		ContainerID:   containerID,
		ContainerName: containerName,
		Image:         image,
		Status:        ResourceCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SetStatus updates the status and timestamp. It reports whether anything changed.
func (r *Resource) SetStatus(status ResourceStatus) bool {
	if r.Status == status {
		return false
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return true
}

// ResourceStatusFromState maps an engine container state onto a resource status.
func ResourceStatusFromState(state string) ResourceStatus {
	switch state {
	case "running", "restarting", "paused":
		return ResourceRunning
	case "created":
		return ResourceCreated
	default:
		return ResourceExited
	}
}
