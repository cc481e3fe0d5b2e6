package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	coredeployment "github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/docker/dockertest"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "user-1"

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	store    *store.SQLiteStore
	engine   *dockertest.Engine
	sessions *docker.SessionRegistry
	orch     *orchestrator.Orchestrator
	conn     *domain.Connection
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine := dockertest.NewEngine()
	checker := docker.NewHealthChecker(docker.HealthCheckerConfig{Sleep: noSleep, Logger: testLogger()})
	sessions := docker.NewSessionRegistry(s, engine.Factory(), checker, docker.SessionRegistryConfig{Logger: testLogger()})

	orch := orchestrator.New(s, sessions, engine.Factory(), orchestrator.Config{Logger: testLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	conn, err := domain.NewConnection(owner, "edge-1", "10.0.0.5", 2376)
	require.NoError(t, err)
	require.NoError(t, s.CreateConnection(context.Background(), conn))

	return &harness{store: s, engine: engine, sessions: sessions, orch: orch, conn: conn}
}

func (h *harness) deploy(t *testing.T, name, content string) (*domain.Deployment, *orchestrator.Task, error) {
	t.Helper()
	return h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         name,
		ConnectionID: h.conn.ID,
		Manifest:     content,
	})
}

// deployRunning deploys content and waits until it is running.
func (h *harness) deployRunning(t *testing.T, content string) *domain.Deployment {
	t.Helper()
	d, task, err := h.deploy(t, "stack", content)
	require.NoError(t, err)
	require.NoError(t, wait(t, task))
	return d
}

func wait(t *testing.T, task *orchestrator.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return err
}

func (h *harness) resources(t *testing.T, deploymentID string) []domain.Resource {
	t.Helper()
	resources, err := h.store.ListResourcesByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)
	return resources
}

func (h *harness) reload(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := h.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (h *harness) countDeployments(t *testing.T) int {
	t.Helper()
	list, err := h.store.ListDeploymentsByOwner(context.Background(), owner, store.DefaultListOptions())
	require.NoError(t, err)
	return len(list)
}

// orchestratorOver builds a second orchestrator that reads and writes through s.
func (h *harness) orchestratorOver(t *testing.T, s store.Store) *orchestrator.Orchestrator {
	t.Helper()
	orch := orchestrator.New(s, h.sessions, h.engine.Factory(), orchestrator.Config{Logger: testLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return orch
}

// stopOnInsertStore marks every new deployment stopped as soon as it is
// inserted, as a stop request racing the create would.
type stopOnInsertStore struct {
	store.Store
	orch    *orchestrator.Orchestrator
	tracked bool
}

func (s *stopOnInsertStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if err := s.Store.CreateDeployment(ctx, d); err != nil {
		return err
	}
	_, s.tracked = s.orch.Task(d.ID)

	stopped := *d
	if err := stopped.Transition(domain.StatusStopped); err != nil {
		return err
	}
	return s.Store.UpdateDeployment(ctx, &stopped)
}

type failingResourceStore struct {
	store.Store
	err error
}

func (s failingResourceStore) CreateResource(context.Context, *domain.Resource) error {
	return s.err
}

func hasCall(calls []string, prefix string) bool {
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

const twoServiceManifest = `
services:
  web:
    image: nginx:1.27
    ports:
      - "8080:80"
  api:
    image: ghcr.io/acme/api:2
    environment:
      LOG_LEVEL: info
`

const threeServiceManifest = `
services:
  db:
    image: postgres:16
  api:
    image: ghcr.io/acme/api:2
    depends_on:
      - db
  web:
    image: nginx:1.27
    depends_on:
      - api
`

// =============================================================================
// Create Deployment
// =============================================================================

func TestCreateDeployment_ProvisionsEveryService(t *testing.T) {
	h := newHarness(t)

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, d.ID, task.DeploymentID)

	require.NoError(t, wait(t, task))
	assert.Equal(t, domain.StatusRunning, task.Status())

	got := h.reload(t, d.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Empty(t, got.ErrorMessage)

	resources := h.resources(t, d.ID)
	require.Len(t, resources, 2)
	assert.Equal(t, "web", resources[0].ServiceName)
	assert.Equal(t, "api", resources[1].ServiceName)
	for _, r := range resources {
		assert.Equal(t, domain.ResourceRunning, r.Status)
		assert.Equal(t, h.conn.ID, r.ConnectionID)

		c, ok := h.engine.Container(r.ContainerID)
		require.True(t, ok)
		assert.Equal(t, string(docker.ContainerStatusRunning), c.State)
		assert.Equal(t, r.ContainerName, c.Name)
		assert.Equal(t, d.ID, c.Labels[coredeployment.LabelDeployment])
	}

	// one verified session serves pre-flight and provisioning
	assert.Equal(t, 1, h.engine.FactoryCount())
}

func TestCreateDeployment_DependenciesStartFirst(t *testing.T) {
	h := newHarness(t)

	d := h.deployRunning(t, threeServiceManifest)

	resources := h.resources(t, d.ID)
	require.Len(t, resources, 3)
	assert.Equal(t, "db", resources[0].ServiceName)
	assert.Equal(t, "api", resources[1].ServiceName)
	assert.Equal(t, "web", resources[2].ServiceName)
}

func TestCreateDeployment_PullFailureLeavesEarlierServicesRunning(t *testing.T) {
	h := newHarness(t)
	h.engine.FailPull("ghcr.io/acme/api:2", errors.New("manifest unknown"))

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)

	err = wait(t, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrProvisioning)

	var perr *orchestrator.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "api", perr.Service)
	assert.Equal(t, "pull", perr.Step)
	assert.Equal(t, []string{"web"}, perr.LeftRunning)
	assert.Equal(t, domain.StatusFailed, task.Status())

	got := h.reload(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "service api")
	assert.Contains(t, got.ErrorMessage, "manifest unknown")
	assert.Contains(t, got.ErrorMessage, "left running: web")

	resources := h.resources(t, d.ID)
	require.Len(t, resources, 1)
	assert.Equal(t, "web", resources[0].ServiceName)

	c, ok := h.engine.Container(resources[0].ContainerID)
	require.True(t, ok)
	assert.Equal(t, string(docker.ContainerStatusRunning), c.State)
	assert.Len(t, h.engine.ContainerIDs(), 1)
}

func TestCreateDeployment_StoppedBeforeProvisioningStarts(t *testing.T) {
	h := newHarness(t)
	racing := &stopOnInsertStore{Store: h.store}
	racing.orch = h.orchestratorOver(t, racing)

	d, task, err := racing.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         "shop",
		ConnectionID: h.conn.ID,
		Manifest:     twoServiceManifest,
	})
	require.NoError(t, err)
	assert.True(t, racing.tracked, "task must be tracked before the record is visible")

	require.NoError(t, wait(t, task))
	assert.Equal(t, domain.StatusStopped, task.Status())
	assert.Equal(t, domain.StatusStopped, h.reload(t, d.ID).Status)

	assert.Empty(t, h.resources(t, d.ID))
	assert.Empty(t, h.engine.ContainerIDs())
	assert.False(t, hasCall(h.engine.Calls(), "create"))
}

func TestCreateDeployment_RecordFailureRemovesContainer(t *testing.T) {
	h := newHarness(t)
	orch := h.orchestratorOver(t, failingResourceStore{Store: h.store, err: errors.New("disk I/O error")})

	d, task, err := orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         "shop",
		ConnectionID: h.conn.ID,
		Manifest:     "services:\n  web:\n    image: nginx\n",
	})
	require.NoError(t, err)

	var perr *orchestrator.ProvisioningError
	require.True(t, errors.As(wait(t, task), &perr))
	assert.Equal(t, "record", perr.Step)
	assert.Equal(t, domain.StatusFailed, task.Status())

	assert.Empty(t, h.engine.ContainerIDs())
	assert.Contains(t, h.engine.Calls(), "remove c001")
	assert.Equal(t, domain.StatusFailed, h.reload(t, d.ID).Status)
}

func TestCreateDeployment_RecordFailureNamesLeftoverContainer(t *testing.T) {
	h := newHarness(t)
	h.engine.FailRemove("c001", errors.New("device or resource busy"))
	orch := h.orchestratorOver(t, failingResourceStore{Store: h.store, err: errors.New("disk I/O error")})

	d, task, err := orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         "shop",
		ConnectionID: h.conn.ID,
		Manifest:     "services:\n  web:\n    image: nginx\n",
	})
	require.NoError(t, err)
	require.Error(t, wait(t, task))

	assert.Equal(t, []string{"c001"}, h.engine.ContainerIDs())
	got := h.reload(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk I/O error")
	assert.Contains(t, got.ErrorMessage, "c001")
	assert.Contains(t, got.ErrorMessage, "left on engine")
}

func TestCreateDeployment_StartFailureKeepsCreatedRecord(t *testing.T) {
	h := newHarness(t)
	h.engine.FailStart("nginx:1.27", errors.New("port is already allocated"))

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)

	var perr *orchestrator.ProvisioningError
	require.True(t, errors.As(wait(t, task), &perr))
	assert.Equal(t, "start", perr.Step)
	assert.Empty(t, perr.LeftRunning)

	resources := h.resources(t, d.ID)
	require.Len(t, resources, 1)
	assert.Equal(t, domain.ResourceCreated, resources[0].Status)
}

func TestCreateDeployment_PortConflictWithEngine(t *testing.T) {
	h := newHarness(t)
	h.engine.AddContainer(docker.ContainerInfo{
		Name:  "legacy",
		Image: "httpd",
		Ports: []docker.PortBinding{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}},
	})

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Nil(t, task)
	assert.ErrorIs(t, err, orchestrator.ErrValidation)
	assert.ErrorIs(t, err, coredeployment.ErrPortConflict)
	assert.Contains(t, err.Error(), "8080")

	assert.Zero(t, h.countDeployments(t))
	assert.False(t, hasCall(h.engine.Calls(), "create"))
	assert.False(t, hasCall(h.engine.Calls(), "pull"))
}

func TestCreateDeployment_StoppedContainersStillHoldPorts(t *testing.T) {
	h := newHarness(t)
	h.engine.AddContainer(docker.ContainerInfo{
		Name:  "old-web",
		State: string(docker.ContainerStatusExited),
		Ports: []docker.PortBinding{{HostPort: 8080, ContainerPort: 80}},
	})

	_, _, err := h.deploy(t, "shop", twoServiceManifest)
	assert.ErrorIs(t, err, coredeployment.ErrPortConflict)
}

func TestCreateDeployment_DuplicateHostPortInManifest(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.deploy(t, "dup", `
services:
  a:
    image: nginx
    ports: ["8080:80"]
  b:
    image: httpd
    ports: ["8080:8000"]
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrValidation)
	assert.Contains(t, err.Error(), "8080")
	assert.Zero(t, h.countDeployments(t))
}

func TestCreateDeployment_MalformedManifest(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no services key", "version: '3'\n"},
		{"empty services", "services: {}\n"},
		{"service without image", "services:\n  web:\n    ports: [\"80:80\"]\n"},
		{"invalid yaml", "services: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			d, task, err := h.deploy(t, "broken", tt.content)
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Nil(t, task)
			assert.ErrorIs(t, err, orchestrator.ErrValidation)
			assert.ErrorIs(t, err, manifest.ErrMalformedManifest)

			assert.Zero(t, h.countDeployments(t))
			assert.Empty(t, h.engine.Calls())
		})
	}
}

func TestCreateDeployment_InvalidInput(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         "  ",
		ConnectionID: h.conn.ID,
		Manifest:     twoServiceManifest,
	})
	assert.ErrorIs(t, err, orchestrator.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrDeploymentName)
}

func TestCreateDeployment_UnknownOrForeignConnection(t *testing.T) {
	h := newHarness(t)

	t.Run("unknown id", func(t *testing.T) {
		_, _, err := h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
			Name:         "shop",
			ConnectionID: "missing",
			Manifest:     twoServiceManifest,
		})
		assert.ErrorIs(t, err, orchestrator.ErrConnectionNotFound)
		assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	})

	t.Run("other owner", func(t *testing.T) {
		_, _, err := h.orch.CreateDeployment(context.Background(), "intruder", orchestrator.CreateDeploymentInput{
			Name:         "shop",
			ConnectionID: h.conn.ID,
			Manifest:     twoServiceManifest,
		})
		assert.ErrorIs(t, err, orchestrator.ErrConnectionNotFound)
	})

	assert.Zero(t, h.countDeployments(t))
	assert.Zero(t, h.engine.FactoryCount())
}

func TestCreateDeployment_UnreachableEngine(t *testing.T) {
	h := newHarness(t)
	h.engine.PingFunc = func(int) error { return errors.New("connection refused") }

	d, _, err := h.deploy(t, "shop", twoServiceManifest)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, orchestrator.ErrConnectivity)
	assert.Zero(t, h.countDeployments(t))
	assert.False(t, h.sessions.HasClient(h.conn.ID))
}

func TestCreateDeployment_EnvOverridesInterpolate(t *testing.T) {
	h := newHarness(t)

	d, task, err := h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
		Name:         "tagged",
		ConnectionID: h.conn.ID,
		Manifest:     "services:\n  web:\n    image: nginx:${TAG}\n",
		EnvOverrides: map[string]string{"TAG": "1.27"},
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	resources := h.resources(t, d.ID)
	require.Len(t, resources, 1)
	assert.Equal(t, "nginx:1.27", resources[0].Image)
	assert.Contains(t, h.engine.Calls(), "pull nginx:1.27")
}

func TestCreateDeployment_PullPolicy(t *testing.T) {
	content := "services:\n  web:\n    image: nginx:1.27\n"

	t.Run("present image is reused", func(t *testing.T) {
		h := newHarness(t)
		h.engine.AddImage("nginx:1.27")
		pull := false

		_, task, err := h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
			Name:         "web",
			ConnectionID: h.conn.ID,
			Manifest:     content,
			PullLatest:   &pull,
		})
		require.NoError(t, err)
		require.NoError(t, wait(t, task))
		assert.False(t, hasCall(h.engine.Calls(), "pull"))
	})

	t.Run("absent image is pulled", func(t *testing.T) {
		h := newHarness(t)
		pull := false

		_, task, err := h.orch.CreateDeployment(context.Background(), owner, orchestrator.CreateDeploymentInput{
			Name:         "web",
			ConnectionID: h.conn.ID,
			Manifest:     content,
			PullLatest:   &pull,
		})
		require.NoError(t, err)
		require.NoError(t, wait(t, task))
		assert.Contains(t, h.engine.Calls(), "pull nginx:1.27")
	})

	t.Run("pull latest always pulls", func(t *testing.T) {
		h := newHarness(t)
		h.engine.AddImage("nginx:1.27")

		_, task, err := h.deploy(t, "web", content)
		require.NoError(t, err)
		require.NoError(t, wait(t, task))
		assert.Contains(t, h.engine.Calls(), "pull nginx:1.27")
	})
}

// =============================================================================
// Tasks And Recovery
// =============================================================================

func TestTask_NotTrackedAfterFinish(t *testing.T) {
	h := newHarness(t)

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel should be closed")
	}

	_, ok := h.orch.Task(d.ID)
	assert.False(t, ok)
	assert.NoError(t, h.orch.CancelAndWait(context.Background(), d.ID))
}

func TestTask_WaitHonorsContext(t *testing.T) {
	h := newHarness(t)

	_, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = task.Wait(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	require.NoError(t, wait(t, task))
}

func TestShutdown_WaitsForTasks(t *testing.T) {
	h := newHarness(t)

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	<-task.Done()
	assert.NotEqual(t, domain.StatusPending, h.reload(t, d.ID).Status)
}

func TestCreateDeployment_AfterShutdown(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	d, task, err := h.deploy(t, "shop", twoServiceManifest)
	assert.ErrorIs(t, err, orchestrator.ErrShuttingDown)
	assert.Nil(t, d)
	assert.Nil(t, task)
	assert.Zero(t, h.countDeployments(t))
	assert.Empty(t, h.engine.ContainerIDs())
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan, err := domain.NewDeployment(owner, h.conn.ID, "orphan", twoServiceManifest, nil)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateDeployment(ctx, orphan))

	running := h.deployRunning(t, "services:\n  web:\n    image: nginx\n")

	n, err := h.orch.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.reload(t, orphan.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.Equal(t, domain.StatusRunning, h.reload(t, running.ID).Status)
}

// =============================================================================
// Queries
// =============================================================================

func TestQueries_ScopedToOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.deployRunning(t, twoServiceManifest)

	list, err := h.orch.ListDeployments(ctx, owner, store.DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	got, err := h.orch.GetDeployment(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)

	resources, err := h.orch.ListResources(ctx, owner, d.ID)
	require.NoError(t, err)
	assert.Len(t, resources, 2)

	_, err = h.orch.GetDeployment(ctx, "intruder", d.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	_, err = h.orch.ListResources(ctx, "intruder", d.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	list, err = h.orch.ListDeployments(ctx, "intruder", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, list)
}
