package orchestrator

import (
	"context"
	"errors"
	"fmt"

	coredeployment "github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/store"
)

// =============================================================================
// Teardown Report
// =============================================================================

// ResourceFailure is a container that could not be stopped or removed.
type ResourceFailure struct {
	ResourceID  string `json:"resource_id"`
	ServiceName string `json:"service_name"`
	ContainerID string `json:"container_id"`
	Op          string `json:"op"`
	Error       string `json:"error"`
}

// Report summarizes a best-effort teardown.
type Report struct {
	DeploymentID string                  `json:"deployment_id"`
	Status       domain.DeploymentStatus `json:"status,omitempty"`
	Stopped      []string                `json:"stopped,omitempty"`
	Removed      []string                `json:"removed,omitempty"`
	Failures     []ResourceFailure       `json:"failures,omitempty"`
	Deleted      bool                    `json:"deleted"`
}

// OK reports whether every resource was handled.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// LeftoverContainers lists container ids that need manual cleanup.
func (r *Report) LeftoverContainers() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.ContainerID)
	}
	return ids
}

func (r *Report) fail(res domain.Resource, op string, err error) {
	r.Failures = append(r.Failures, ResourceFailure{
		ResourceID:  res.ID,
		ServiceName: res.ServiceName,
		ContainerID: res.ContainerID,
		Op:          op,
		Error:       err.Error(),
	})
}

// =============================================================================
// Stop Deployment
// =============================================================================

// StopDeployment stops every recorded container of a deployment.
//
// An in-flight provisioning task is cancelled and awaited first. The engine
// client is built from the stored connection without the session cache.
// Failures are recorded per resource and never abort the loop; the
// deployment ends up stopped either way.
func (o *Orchestrator) StopDeployment(ctx context.Context, ownerID, id string) (*Report, error) {
	d, err := o.prepareTeardown(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if ok, reason := coredeployment.CanStopDeployment(d.Status); !ok {
		return nil, newValidationError(errors.New(reason))
	}

	logger := o.logger.With("deployment_id", d.ID, "connection_id", d.ConnectionID)
	report := &Report{DeploymentID: d.ID}

	resources, err := o.store.ListResourcesByDeployment(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	client, closeClient, connErr := o.teardownClient(ctx, d.ConnectionID)
	defer closeClient()

	for _, res := range resources {
		if connErr != nil {
			report.fail(res, "connect", connErr)
			o.metrics.TeardownFailure("connect")
			continue
		}

		if err := o.stopContainer(ctx, client, res.ContainerID); err != nil {
			logger.Warn("failed to stop container", "service", res.ServiceName, "container_id", res.ContainerID, "error", err)
			report.fail(res, "stop", err)
			o.metrics.TeardownFailure("stop")
			continue
		}
		report.Stopped = append(report.Stopped, res.ContainerID)

		if res.SetStatus(domain.ResourceExited) {
			if err := o.store.UpdateResource(ctx, &res); err != nil {
				logger.Warn("failed to record resource status", "resource_id", res.ID, "error", err)
			}
			o.metrics.ResourceStatusChange(string(domain.ResourceExited))
		}
	}

	if err := d.Transition(domain.StatusStopped); err != nil {
		return nil, newValidationError(err)
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return nil, err
	}
	report.Status = d.Status

	logger.Info("deployment stopped", "stopped", len(report.Stopped), "failures", len(report.Failures))
	return report, nil
}

// =============================================================================
// Delete Deployment
// =============================================================================

// DeleteDeployment stops and force-removes every recorded container, then
// deletes the resource records and the deployment in one transaction.
// Containers that could not be removed are listed in the report.
func (o *Orchestrator) DeleteDeployment(ctx context.Context, ownerID, id string) (*Report, error) {
	d, err := o.prepareTeardown(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("deployment_id", d.ID, "connection_id", d.ConnectionID)
	report := &Report{DeploymentID: d.ID}

	resources, err := o.store.ListResourcesByDeployment(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	client, closeClient, connErr := o.teardownClient(ctx, d.ConnectionID)
	defer closeClient()

	for _, res := range resources {
		if connErr != nil {
			report.fail(res, "connect", connErr)
			o.metrics.TeardownFailure("connect")
			continue
		}

		if err := o.stopContainer(ctx, client, res.ContainerID); err != nil {
			// force removal below still kills the container
			logger.Debug("stop before remove failed", "container_id", res.ContainerID, "error", err)
		}

		if err := o.removeContainer(ctx, client, res.ContainerID); err != nil {
			logger.Warn("failed to remove container", "service", res.ServiceName, "container_id", res.ContainerID, "error", err)
			report.fail(res, "remove", err)
			o.metrics.TeardownFailure("remove")
			continue
		}
		report.Removed = append(report.Removed, res.ContainerID)
	}

	err = o.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.DeleteResourcesByDeployment(ctx, d.ID); err != nil {
			return err
		}
		return tx.DeleteDeployment(ctx, d.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("delete deployment records: %w", err)
	}
	report.Deleted = true

	if !report.OK() {
		logger.Warn("deployment deleted with leftover containers", "containers", report.LeftoverContainers())
	} else {
		logger.Info("deployment deleted", "removed", len(report.Removed))
	}
	return report, nil
}

// =============================================================================
// Helpers
// =============================================================================

// prepareTeardown checks ownership, waits for in-flight provisioning and
// returns the deployment as provisioning left it.
func (o *Orchestrator) prepareTeardown(ctx context.Context, ownerID, id string) (*domain.Deployment, error) {
	if _, err := o.store.GetDeploymentForOwner(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if err := o.CancelAndWait(ctx, id); err != nil {
		return nil, fmt.Errorf("wait for provisioning to stop: %w", err)
	}
	return o.store.GetDeploymentForOwner(ctx, id, ownerID)
}

// teardownClient builds an uncached client from the stored connection. The
// returned close func is always safe to call.
func (o *Orchestrator) teardownClient(ctx context.Context, connectionID string) (docker.Client, func(), error) {
	noop := func() {}

	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	client, err := o.factory(ctx, conn)
	if err != nil {
		return nil, noop, &docker.ConnectivityError{ConnectionID: connectionID, Err: err}
	}

	return client, func() {
		if err := client.Close(); err != nil {
			o.logger.Debug("close teardown client", "connection_id", connectionID, "error", err)
		}
	}, nil
}

// stopContainer treats a container that is already stopped or gone as stopped.
func (o *Orchestrator) stopContainer(ctx context.Context, client docker.Client, containerID string) error {
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout+o.cfg.StopTimeout)
	defer cancel()

	grace := o.cfg.StopTimeout
	if err := client.StopContainer(opCtx, containerID, &grace); err != nil && !docker.IsGone(err) {
		return err
	}
	return nil
}

// removeContainer treats a container that no longer exists as removed.
func (o *Orchestrator) removeContainer(ctx context.Context, client docker.Client, containerID string) error {
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	err := client.RemoveContainer(opCtx, containerID, docker.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		return err
	}
	return nil
}
