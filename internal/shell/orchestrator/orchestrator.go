package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coredeployment "github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/metrics"
	"github.com/artpar/dockyard/internal/shell/store"
)

// Timeout defaults for engine calls.
const (
	DefaultOperationTimeout = time.Minute
	DefaultPullTimeout      = 10 * time.Minute
	DefaultStopTimeout      = 10 * time.Second

	// persistTimeout bounds store writes made after the task context ended.
	persistTimeout = 10 * time.Second
)

// Sessions hands out verified engine clients.
type Sessions interface {
	GetClientFor(ctx context.Context, conn *domain.Connection) (docker.Client, error)
}

// Config configures the orchestrator.
type Config struct {
	OperationTimeout time.Duration
	PullTimeout      time.Duration
	StopTimeout      time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	Now              func() time.Time
}

// CreateDeploymentInput is the request to deploy a manifest on a connection.
type CreateDeploymentInput struct {
	Name         string
	Description  string
	ConnectionID string
	Manifest     string
	EnvOverrides map[string]string
	// PullLatest defaults to true when nil.
	PullLatest *bool
}

// =============================================================================
// Orchestrator - Manages Deployment Provisioning
// =============================================================================

// Orchestrator validates manifests, provisions their services on the target
// engine and mirrors what it created in the store.
type Orchestrator struct {
	store    store.Store
	sessions Sessions
	factory  docker.ClientFactory
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task // deploymentID -> in-flight task
	closed bool
}

// New creates an orchestrator. factory builds the uncached clients used for teardown.
func New(s store.Store, sessions Sessions, factory docker.ClientFactory, cfg Config) *Orchestrator {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     s,
		sessions:  sessions,
		factory:   factory,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "orchestrator"),
		metrics:   cfg.Metrics,
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]*Task),
	}
}

// =============================================================================
// Create Deployment
// =============================================================================

// CreateDeployment runs the full pre-flight synchronously, then persists a
// pending deployment and provisions it in the background.
//
// Pre-flight failures return with nothing persisted: an unknown or foreign
// connection yields ErrConnectionNotFound, a malformed manifest or a port
// conflict a *ValidationError, and an unreachable engine a
// *docker.ConnectivityError. After Shutdown it returns ErrShuttingDown.
func (o *Orchestrator) CreateDeployment(ctx context.Context, ownerID string, input CreateDeploymentInput) (*domain.Deployment, *Task, error) {
	d, err := domain.NewDeployment(ownerID, input.ConnectionID, input.Name, input.Manifest, input.EnvOverrides)
	if err != nil {
		return nil, nil, newValidationError(err)
	}
	d.Description = input.Description
	if input.PullLatest != nil {
		d.PullLatest = *input.PullLatest
	}

	conn, err := o.store.GetConnectionForOwner(ctx, input.ConnectionID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, input.ConnectionID)
		}
		return nil, nil, err
	}

	m, err := prepareManifest(d.Manifest, d.EnvOverrides)
	if err != nil {
		return nil, nil, err
	}

	client, err := o.sessions.GetClientFor(ctx, conn)
	if err != nil {
		return nil, nil, err
	}

	if err := o.checkPorts(ctx, client, m); err != nil {
		return nil, nil, err
	}

	// The task is tracked before the record exists, so any stop that can
	// see the pending deployment also finds its task.
	task, taskCtx, err := o.track(d.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		o.untrack(task, err)
		return nil, nil, err
	}

	o.logger.Info("deployment accepted",
		"deployment_id", d.ID,
		"connection_id", d.ConnectionID,
		"services", len(m.Services),
	)

	o.run(taskCtx, task)
	return d, task, nil
}

// prepareManifest interpolates overrides into the raw text, then parses and validates it.
func prepareManifest(content string, overrides map[string]string) (*manifest.Manifest, error) {
	interpolated, err := coredeployment.SubstituteVariables(content, overrides)
	if err != nil {
		return nil, newValidationError(err)
	}
	m, err := manifest.ParseAndValidate(interpolated)
	if err != nil {
		return nil, newValidationError(err)
	}
	return m, nil
}

// checkPorts lists every container on the engine once and checks the whole
// manifest against the ports they bind.
func (o *Orchestrator) checkPorts(ctx context.Context, client docker.Client, m *manifest.Manifest) error {
	listCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	containers, err := client.ListContainers(listCtx, docker.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers for port check: %w", err)
	}

	bound := coredeployment.NewBoundPorts()
	for _, c := range containers {
		for _, p := range c.Ports {
			bound.Add(p.HostPort, p.ContainerPort)
		}
	}

	if err := coredeployment.CheckPortConflicts(bound, m); err != nil {
		return newValidationError(err)
	}
	return nil
}

// =============================================================================
// Task Tracking
// =============================================================================

// track registers a task for a deployment. Every tracked task must be
// handed to run or untrack.
func (o *Orchestrator) track(deploymentID string) (*Task, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	task := newTask(deploymentID, cancel)
	o.tasks[deploymentID] = task
	o.wg.Add(1)
	return task, ctx, nil
}

func (o *Orchestrator) untrack(task *Task, err error) {
	o.mu.Lock()
	delete(o.tasks, task.DeploymentID)
	o.mu.Unlock()

	task.finish(domain.StatusFailed, err)
	o.wg.Done()
}

func (o *Orchestrator) run(ctx context.Context, task *Task) {
	go func() {
		defer o.wg.Done()

		status, err := o.provision(ctx, task.DeploymentID)

		o.mu.Lock()
		delete(o.tasks, task.DeploymentID)
		o.mu.Unlock()

		task.finish(status, err)
	}()
}

// Task returns the in-flight task for a deployment.
func (o *Orchestrator) Task(deploymentID string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[deploymentID]
	return task, ok
}

// CancelAndWait cancels the in-flight task of a deployment, if any, and waits for it.
func (o *Orchestrator) CancelAndWait(ctx context.Context, deploymentID string) error {
	task, ok := o.Task(deploymentID)
	if !ok {
		return nil
	}
	task.Cancel()
	select {
	case <-task.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new deployments, cancels every in-flight task and waits
// for them to record their outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancelAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Provisioning
// =============================================================================

// provision creates the deployment's services one at a time. The first
// failure stops the remaining services; containers already started are left
// running and named in the persisted error. Store writes outlive ctx so the
// records always mirror what exists on the engine. The returned status is the
// one persisted, which stays stopped if the deployment was stopped first.
func (o *Orchestrator) provision(ctx context.Context, deploymentID string) (domain.DeploymentStatus, error) {
	start := o.cfg.Now()
	storeCtx := context.WithoutCancel(ctx)

	d, err := o.store.GetDeployment(storeCtx, deploymentID)
	if err != nil {
		o.logger.Error("load deployment for provisioning", "deployment_id", deploymentID, "error", err)
		return domain.StatusFailed, err
	}
	logger := o.logger.With("deployment_id", d.ID, "connection_id", d.ConnectionID)

	if d.Status != domain.StatusPending {
		logger.Info("deployment no longer pending, skipping provisioning", "status", d.Status)
		return d.Status, nil
	}

	fail := func(perr *ProvisioningError) (domain.DeploymentStatus, error) {
		var summary string
		if perr.Service != "" {
			summary = coredeployment.FailureSummary(perr.Service, perr.Step, perr.Err, perr.LeftRunning)
		} else {
			summary = fmt.Sprintf("%s failed: %v", perr.Step, perr.Err)
		}
		status := o.finish(storeCtx, d, domain.StatusFailed, summary)
		o.metrics.DeploymentResult(string(status), o.cfg.Now().Sub(start))
		logger.Error("deployment failed",
			"service", perr.Service,
			"step", perr.Step,
			"left_running", perr.LeftRunning,
			"status", status,
			"error", perr.Err,
		)
		return status, perr
	}

	conn, err := o.store.GetConnection(storeCtx, d.ConnectionID)
	if err != nil {
		return fail(&ProvisioningError{Step: "load connection", Err: err})
	}

	client, err := o.sessions.GetClientFor(ctx, conn)
	if err != nil {
		return fail(&ProvisioningError{Step: "connect", Err: err})
	}

	m, err := prepareManifest(d.Manifest, d.EnvOverrides)
	if err != nil {
		return fail(&ProvisioningError{Step: "parse manifest", Err: err})
	}

	if err := o.checkPorts(ctx, client, m); err != nil {
		return fail(&ProvisioningError{Step: "port check", Err: err})
	}

	suffix := coredeployment.NewNameSuffix(o.cfg.Now())
	var started []string

	for _, svc := range coredeployment.TopologicalSort(m.Services) {
		if step, err := o.provisionService(ctx, storeCtx, client, d, svc, suffix); err != nil {
			return fail(&ProvisioningError{
				Service:     svc.Name,
				Step:        step,
				LeftRunning: append([]string(nil), started...),
				Err:         err,
			})
		}
		started = append(started, svc.Name)
		logger.Debug("service started", "service", svc.Name)
	}

	status := o.finish(storeCtx, d, domain.StatusRunning, "")
	o.metrics.DeploymentResult(string(status), o.cfg.Now().Sub(start))
	logger.Info("deployment provisioned", "status", status, "services", len(started), "duration", o.cfg.Now().Sub(start))
	return status, nil
}

// provisionService pulls, creates, records and starts one service.
// It returns the name of the step that failed.
func (o *Orchestrator) provisionService(ctx, storeCtx context.Context, client docker.Client, d *domain.Deployment, svc manifest.Service, suffix string) (string, error) {
	if err := o.ensureImage(ctx, client, svc.Image, d.PullLatest); err != nil {
		return "pull", err
	}

	plan := coredeployment.BuildContainerPlan(coredeployment.BuildContainerPlanParams{
		DeploymentID: d.ID,
		ConnectionID: d.ConnectionID,
		Service:      svc,
		EnvOverrides: d.EnvOverrides,
		NameSuffix:   suffix,
	})

	createCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	containerID, err := client.CreateContainer(createCtx, toContainerSpec(plan))
	cancel()
	if err != nil {
		return "create", err
	}

	resource, err := domain.NewResource(d, svc.Name, containerID, plan.Name, svc.Image)
	if err != nil {
		return "record", o.discardContainer(storeCtx, client, containerID, plan.Name, err)
	}
	if err := o.store.CreateResource(storeCtx, resource); err != nil {
		return "record", o.discardContainer(storeCtx, client, containerID, plan.Name, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	err = client.StartContainer(startCtx, containerID)
	cancel()
	if err != nil {
		return "start", err
	}

	if resource.SetStatus(domain.ResourceRunning) {
		if err := o.store.UpdateResource(storeCtx, resource); err != nil {
			return "record", err
		}
		o.metrics.ResourceStatusChange(string(domain.ResourceRunning))
	}
	return "", nil
}

// discardContainer force-removes a container that could not be recorded. If
// removal fails too, the returned error names the container left behind.
func (o *Orchestrator) discardContainer(ctx context.Context, client docker.Client, containerID, name string, cause error) error {
	if err := o.removeContainer(ctx, client, containerID); err != nil {
		o.logger.Error("unrecorded container left on engine", "container", name, "container_id", containerID, "error", err)
		return fmt.Errorf("%w; unrecorded container %s (%s) left on engine: %v", cause, name, containerID, err)
	}
	return cause
}

func (o *Orchestrator) ensureImage(ctx context.Context, client docker.Client, image string, pullLatest bool) error {
	present := false
	if !pullLatest {
		inspectCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
		exists, err := client.ImageExists(inspectCtx, image)
		cancel()
		if err != nil {
			return err
		}
		present = exists
	}

	if !coredeployment.ShouldPull(pullLatest, present) {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, o.cfg.PullTimeout)
	defer cancel()
	return client.PullImage(pullCtx, image, docker.PullOptions{})
}

// finish records the final status and returns the status actually
// persisted. A deployment stopped while provisioning keeps its stopped status.
func (o *Orchestrator) finish(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus, message string) domain.DeploymentStatus {
	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if current, err := o.store.GetDeployment(writeCtx, d.ID); err == nil && current.Status == domain.StatusStopped {
		return domain.StatusStopped
	}

	previous := d.Status
	var err error
	if status == domain.StatusFailed {
		err = d.TransitionToFailed(message)
	} else {
		err = d.Transition(status)
	}
	if err != nil {
		o.logger.Warn("skip status update", "deployment_id", d.ID, "status", status, "error", err)
		return previous
	}

	if err := o.store.UpdateDeployment(writeCtx, d); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("persist deployment status", "deployment_id", d.ID, "status", status, "error", err)
		return previous
	}
	return d.Status
}

func toContainerSpec(plan coredeployment.ContainerPlan) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:   plan.Name,
		Image:  plan.Image,
		Env:    plan.Env,
		Labels: plan.Labels,
		Binds:  plan.Binds,
		RestartPolicy: docker.RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
	}
	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	return spec
}

// =============================================================================
// Queries
// =============================================================================

// ListDeployments returns the owner's deployments, newest first.
func (o *Orchestrator) ListDeployments(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Deployment, error) {
	return o.store.ListDeploymentsByOwner(ctx, ownerID, opts)
}

// GetDeployment returns a deployment owned by ownerID.
func (o *Orchestrator) GetDeployment(ctx context.Context, ownerID, id string) (*domain.Deployment, error) {
	return o.store.GetDeploymentForOwner(ctx, id, ownerID)
}

// ListResources returns the resources recorded for a deployment owned by ownerID.
func (o *Orchestrator) ListResources(ctx context.Context, ownerID, id string) ([]domain.Resource, error) {
	if _, err := o.store.GetDeploymentForOwner(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return o.store.ListResourcesByDeployment(ctx, id)
}

// RecoverInterrupted marks deployments left pending by a previous process as failed.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	pending, err := o.store.ListDeploymentsByStatus(ctx, domain.StatusPending, store.ListOptions{Limit: store.MaxListLimit})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range pending {
		d := &pending[i]
		if _, inFlight := o.Task(d.ID); inFlight {
			continue
		}
		if err := d.TransitionToFailed("provisioning interrupted by restart"); err != nil {
			continue
		}
		if err := o.store.UpdateDeployment(ctx, d); err != nil {
			return recovered, err
		}
		recovered++
		o.logger.Warn("marked interrupted deployment as failed", "deployment_id", d.ID)
	}
	return recovered, nil
}
