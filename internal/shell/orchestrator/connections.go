package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/store"
)

// Invalidator announces connections whose engine sessions are outdated.
type Invalidator interface {
	Publish(ctx context.Context, connectionID string) error
}

// Prober runs an uncached health check and handshake.
type Prober interface {
	Probe(ctx context.Context, conn *domain.Connection) (*docker.EngineInfo, error)
}

// ConnectionInput describes a new connection.
type ConnectionInput struct {
	Name              string
	Host              string
	Port              int
	TLS               *domain.TLSMaterial
	AutoReconnect     bool
	ConnectionTimeout time.Duration // zero takes the default
	Location          string
}

// ConnectionUpdate changes the fields that are set.
type ConnectionUpdate struct {
	Name              *string
	Host              *string
	Port              *int
	TLS               *domain.TLSMaterial
	ClearTLS          bool
	AutoReconnect     *bool
	ConnectionTimeout *time.Duration
	Location          *string
}

// =============================================================================
// Connections
// =============================================================================

// Connections manages the engine endpoints a user registered.
type Connections struct {
	store  store.Store
	bus    Invalidator
	prober Prober
	logger *slog.Logger
}

// NewConnections creates the connection service.
func NewConnections(s store.Store, bus Invalidator, prober Prober, logger *slog.Logger) *Connections {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connections{
		store:  s,
		bus:    bus,
		prober: prober,
		logger: logger.With("component", "connections"),
	}
}

// Create validates and stores a connection owned by ownerID.
func (c *Connections) Create(ctx context.Context, ownerID string, input ConnectionInput) (*domain.Connection, error) {
	conn, err := domain.NewConnection(ownerID, input.Name, input.Host, input.Port)
	if err != nil {
		return nil, newValidationError(err)
	}
	conn.TLS = normalizeTLS(input.TLS)
	conn.AutoReconnect = input.AutoReconnect
	conn.Location = strings.TrimSpace(input.Location)
	if input.ConnectionTimeout != 0 {
		conn.ConnectionTimeout = input.ConnectionTimeout
	}
	if err := conn.Validate(); err != nil {
		return nil, newValidationError(err)
	}

	if err := c.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}

	c.logger.Info("connection created", "connection_id", conn.ID, "address", conn.Address(), "tls", conn.UsesTLS())
	return conn, nil
}

// List returns the owner's connections.
func (c *Connections) List(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Connection, error) {
	return c.store.ListConnectionsByOwner(ctx, ownerID, opts)
}

// Get returns a connection owned by ownerID.
func (c *Connections) Get(ctx context.Context, ownerID, id string) (*domain.Connection, error) {
	conn, err := c.store.GetConnectionForOwner(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		}
		return nil, err
	}
	return conn, nil
}

// Update applies the set fields and evicts sessions built from the old version.
func (c *Connections) Update(ctx context.Context, ownerID, id string, update ConnectionUpdate) (*domain.Connection, error) {
	conn, err := c.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		conn.Name = strings.TrimSpace(*update.Name)
	}
	if update.Host != nil {
		conn.Host = strings.TrimSpace(*update.Host)
	}
	if update.Port != nil {
		conn.Port = *update.Port
	}
	if update.ClearTLS {
		conn.TLS = nil
	} else if update.TLS != nil {
		conn.TLS = normalizeTLS(update.TLS)
	}
	if update.AutoReconnect != nil {
		conn.AutoReconnect = *update.AutoReconnect
	}
	if update.ConnectionTimeout != nil {
		conn.ConnectionTimeout = *update.ConnectionTimeout
	}
	if update.Location != nil {
		conn.Location = strings.TrimSpace(*update.Location)
	}

	if err := conn.Validate(); err != nil {
		return nil, newValidationError(err)
	}
	conn.Touch()

	if err := c.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}

	c.invalidate(ctx, conn.ID)
	c.logger.Info("connection updated", "connection_id", conn.ID)
	return conn, nil
}

// Delete removes a connection no deployment references.
func (c *Connections) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := c.Get(ctx, ownerID, id); err != nil {
		return err
	}

	count, err := c.store.CountDeploymentsByConnection(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %d deployments", ErrConnectionInUse, count)
	}

	if err := c.store.DeleteConnection(ctx, id); err != nil {
		if errors.Is(err, store.ErrForeignKey) {
			return fmt.Errorf("%w: %v", ErrConnectionInUse, err)
		}
		return err
	}

	c.invalidate(ctx, id)
	c.logger.Info("connection deleted", "connection_id", id)
	return nil
}

// Check probes the engine without touching the session cache.
func (c *Connections) Check(ctx context.Context, ownerID, id string) (*docker.EngineInfo, error) {
	conn, err := c.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return c.prober.Probe(ctx, conn)
}

func (c *Connections) invalidate(ctx context.Context, id string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, id); err != nil {
		c.logger.Warn("publish connection invalidation", "connection_id", id, "error", err)
	}
}

func normalizeTLS(material *domain.TLSMaterial) *domain.TLSMaterial {
	if material.IsZero() {
		return nil
	}
	m := *material
	return &m
}
