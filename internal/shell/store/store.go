package store

import (
	"context"

	"github.com/artpar/dockyard/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for connections, deployments and
// the resources provisioned for them.
type Store interface {
	// Connection operations
	CreateConnection(ctx context.Context, conn *domain.Connection) error
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
	GetConnectionForOwner(ctx context.Context, id, ownerID string) (*domain.Connection, error)
	UpdateConnection(ctx context.Context, conn *domain.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnectionsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Connection, error)

	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetDeploymentForOwner(ctx context.Context, id, ownerID string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	ListDeploymentsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error)
	CountDeploymentsByConnection(ctx context.Context, connectionID string) (int, error)

	// Resource operations
	CreateResource(ctx context.Context, resource *domain.Resource) error
	UpdateResource(ctx context.Context, resource *domain.Resource) error
	ListResourcesByDeployment(ctx context.Context, deploymentID string) ([]domain.Resource, error)
	DeleteResourcesByDeployment(ctx context.Context, deploymentID string) (int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// List limits applied by Normalize.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  DefaultListLimit,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
