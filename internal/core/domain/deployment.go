package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDeploymentName     = errors.New("deployment name is required")
	ErrManifestRequired   = errors.New("manifest content is required")
	ErrConnectionRequired = errors.New("connection id is required")
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusFailed  DeploymentStatus = "failed"
	StatusStopped DeploymentStatus = "stopped"
)

// IsTerminal reports whether provisioning has finished for the status.
func (s DeploymentStatus) IsTerminal() bool {
	return s != StatusPending
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the aggregate of every resource provisioned from one manifest submission.
type Deployment struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	ConnectionID string            `json:"connection_id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Manifest     string            `json:"manifest"`
	EnvOverrides map[string]string `json:"env_overrides,omitempty"`
	PullLatest   bool              `json:"pull_latest"`
	Status       DeploymentStatus  `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// NewDeployment creates a pending deployment.
func NewDeployment(ownerID, connectionID, name, manifest string, envOverrides map[string]string) (*Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrDeploymentName
	}
	if strings.TrimSpace(manifest) == "" {
		return nil, ErrManifestRequired
	}
	if connectionID == "" {
		return nil, ErrConnectionRequired
	}
	if envOverrides == nil {
		envOverrides = map[string]string{}
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		Name:         name,
		Manifest:     manifest,
		EnvOverrides: envOverrides,
		PullLatest:   true,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Transition attempts to transition the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = now

	switch to {
	case StatusRunning:
		d.StartedAt = &now
		d.ErrorMessage = ""
	case StatusStopped:
		d.StoppedAt = &now
	}

	return nil
}

// TransitionToFailed transitions to failed status with an error message.
func (d *Deployment) TransitionToFailed(errorMessage string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.ErrorMessage = errorMessage
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning: {StatusStopped, StatusFailed},
	StatusFailed:  {StatusStopped},
	StatusStopped: {StatusStopped},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
