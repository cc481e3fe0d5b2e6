// Package workers contains background workers for dockyard.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/metrics"
	"github.com/artpar/dockyard/internal/shell/store"
)

// Sessions hands out verified engine clients.
type Sessions interface {
	GetClientFor(ctx context.Context, conn *domain.Connection) (docker.Client, error)
}

// ResourceMonitorConfig configures the resource monitor worker.
type ResourceMonitorConfig struct {
	// Interval is the time between monitor cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// DeploymentTimeout bounds inspecting all resources of one deployment.
	// Default: 30 seconds.
	DeploymentTimeout time.Duration

	// MaxConcurrent is the maximum number of deployments inspected concurrently.
	// Default: 5.
	MaxConcurrent int

	Metrics *metrics.Recorder
}

// DefaultResourceMonitorConfig returns the default configuration.
func DefaultResourceMonitorConfig() ResourceMonitorConfig {
	return ResourceMonitorConfig{
		Interval:          60 * time.Second,
		DeploymentTimeout: 30 * time.Second,
		MaxConcurrent:     5,
	}
}

// ResourceMonitor periodically inspects the containers of running deployments
// and records drift: containers that exited or disappeared from the engine.
type ResourceMonitor struct {
	store    store.Store
	sessions Sessions
	config   ResourceMonitorConfig
	logger   *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResourceMonitor creates a new resource monitor worker.
func NewResourceMonitor(
	s store.Store,
	sessions Sessions,
	config ResourceMonitorConfig,
	logger *slog.Logger,
) *ResourceMonitor {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.DeploymentTimeout == 0 {
		config.DeploymentTimeout = 30 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ResourceMonitor{
		store:    s,
		sessions: sessions,
		config:   config,
		logger:   logger.With("component", "resource_monitor"),
	}
}

// Start begins the monitor background goroutine.
func (m *ResourceMonitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.run()

	m.logger.Info("resource monitor started",
		"interval", m.config.Interval,
		"max_concurrent", m.config.MaxConcurrent,
	)
}

// Stop stops the monitor and waits for an in-progress cycle to complete.
func (m *ResourceMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("resource monitor stopped")
}

func (m *ResourceMonitor) run() {
	defer m.wg.Done()

	m.runCycle(m.ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(m.ctx)
		}
	}
}

// CheckNow runs one monitor cycle synchronously.
func (m *ResourceMonitor) CheckNow(ctx context.Context) {
	m.runCycle(ctx)
}

// runCycle inspects every running deployment.
func (m *ResourceMonitor) runCycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, m.config.Interval)
	defer cancel()

	deployments, err := m.store.ListDeploymentsByStatus(ctx, domain.StatusRunning, store.ListOptions{Limit: store.MaxListLimit})
	if err != nil {
		m.logger.Error("failed to list running deployments", "error", err)
		return
	}

	if len(deployments) == 0 {
		m.logger.Debug("no deployments to monitor")
		return
	}

	m.logger.Debug("starting monitor cycle", "deployment_count", len(deployments))

	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range deployments {
		d := &deployments[i]

		wg.Add(1)
		go func(d *domain.Deployment) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			m.checkDeployment(ctx, d)
		}(d)
	}

	wg.Wait()
	m.logger.Debug("completed monitor cycle", "deployment_count", len(deployments))
}

// checkDeployment inspects the recorded containers of one deployment.
func (m *ResourceMonitor) checkDeployment(ctx context.Context, d *domain.Deployment) {
	ctx, cancel := context.WithTimeout(ctx, m.config.DeploymentTimeout)
	defer cancel()

	logger := m.logger.With("deployment_id", d.ID, "connection_id", d.ConnectionID)

	resources, err := m.store.ListResourcesByDeployment(ctx, d.ID)
	if err != nil {
		logger.Error("failed to list resources", "error", err)
		return
	}
	if len(resources) == 0 {
		return
	}

	conn, err := m.store.GetConnection(ctx, d.ConnectionID)
	if err != nil {
		logger.Warn("connection unavailable", "error", err)
		return
	}

	client, err := m.sessions.GetClientFor(ctx, conn)
	if err != nil {
		// unreachable engines say nothing about container state
		logger.Warn("engine unreachable, skipping", "error", err)
		return
	}

	for i := range resources {
		res := &resources[i]

		status, err := m.observe(ctx, client, res.ContainerID)
		if err != nil {
			logger.Warn("failed to inspect container", "container_id", res.ContainerID, "error", err)
			continue
		}

		previous := res.Status
		if !res.SetStatus(status) {
			continue
		}

		if err := m.store.UpdateResource(ctx, res); err != nil {
			logger.Error("failed to record resource status", "resource_id", res.ID, "error", err)
			continue
		}
		m.config.Metrics.ResourceStatusChange(string(status))
		logger.Info("resource status changed",
			"service", res.ServiceName,
			"container_id", res.ContainerID,
			"from", previous,
			"to", status,
		)
	}
}

func (m *ResourceMonitor) observe(ctx context.Context, client docker.Client, containerID string) (domain.ResourceStatus, error) {
	info, err := client.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return domain.ResourceMissing, nil
		}
		return "", err
	}
	return domain.ResourceStatusFromState(info.State), nil
}
