package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/docker/dockertest"
	"github.com/artpar/dockyard/internal/shell/metrics"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeSessions struct {
	mu     sync.Mutex
	engine *dockertest.Engine
	err    error
	calls  int
}

func (f *fakeSessions) GetClientFor(_ context.Context, _ *domain.Connection) (docker.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *store.SQLiteStore
	engine   *dockertest.Engine
	sessions *fakeSessions
	conn     *domain.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	conn, err := domain.NewConnection("user-1", "edge-1", "10.0.0.5", 2376)
	require.NoError(t, err)
	require.NoError(t, s.CreateConnection(context.Background(), conn))

	engine := dockertest.NewEngine()
	return &fixture{store: s, engine: engine, sessions: &fakeSessions{engine: engine}, conn: conn}
}

// runningDeployment records a running deployment with one running container per service.
func (f *fixture) runningDeployment(t *testing.T, services ...string) (*domain.Deployment, []*domain.Resource) {
	t.Helper()
	ctx := context.Background()

	d, err := domain.NewDeployment("user-1", f.conn.ID, "stack", "services: {}", nil)
	require.NoError(t, err)
	require.NoError(t, d.Transition(domain.StatusRunning))
	require.NoError(t, f.store.CreateDeployment(ctx, d))

	var resources []*domain.Resource
	for _, svc := range services {
		id := f.engine.AddContainer(docker.ContainerInfo{Name: svc + "-x", Image: "nginx"})
		res, err := domain.NewResource(d, svc, id, svc+"-x", "nginx")
		require.NoError(t, err)
		res.SetStatus(domain.ResourceRunning)
		require.NoError(t, f.store.CreateResource(ctx, res))
		resources = append(resources, res)
	}
	return d, resources
}

func (f *fixture) statuses(t *testing.T, deploymentID string) map[string]domain.ResourceStatus {
	t.Helper()
	list, err := f.store.ListResourcesByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)
	out := make(map[string]domain.ResourceStatus, len(list))
	for _, r := range list {
		out[r.ServiceName] = r.Status
	}
	return out
}

// =============================================================================
// Test Configuration
// =============================================================================

func TestDefaultResourceMonitorConfig(t *testing.T) {
	config := DefaultResourceMonitorConfig()

	assert.Equal(t, 60*time.Second, config.Interval)
	assert.Equal(t, 30*time.Second, config.DeploymentTimeout)
	assert.Equal(t, 5, config.MaxConcurrent)
}

func TestNewResourceMonitor_DefaultConfig(t *testing.T) {
	m := NewResourceMonitor(nil, nil, ResourceMonitorConfig{}, nil)

	assert.Equal(t, 60*time.Second, m.config.Interval)
	assert.Equal(t, 30*time.Second, m.config.DeploymentTimeout)
	assert.Equal(t, 5, m.config.MaxConcurrent)
}

// =============================================================================
// Test Lifecycle
// =============================================================================

func TestResourceMonitor_StartStop(t *testing.T) {
	f := newFixture(t)
	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{Interval: 100 * time.Millisecond}, quietLogger())

	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	// Should be able to start again
	m.Start()
	m.Stop()
}

func TestResourceMonitor_StopWithoutStart(t *testing.T) {
	m := NewResourceMonitor(nil, nil, ResourceMonitorConfig{}, quietLogger())
	m.Stop()
}

func TestResourceMonitor_StartRunsImmediately(t *testing.T) {
	f := newFixture(t)
	d, resources := f.runningDeployment(t, "web")
	f.engine.SetState(resources[0].ContainerID, "exited")

	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{Interval: time.Hour}, quietLogger())
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return f.statuses(t, d.ID)["web"] == domain.ResourceExited
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Test Cycles
// =============================================================================

func TestResourceMonitor_RecordsDrift(t *testing.T) {
	f := newFixture(t)
	d, resources := f.runningDeployment(t, "web", "api", "db")

	f.engine.SetState(resources[0].ContainerID, "exited")
	f.engine.Delete(resources[1].ContainerID)

	reg := prometheus.NewRegistry()
	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{
		Interval: time.Second,
		Metrics:  metrics.NewRecorder(reg),
	}, quietLogger())

	m.CheckNow(context.Background())

	got := f.statuses(t, d.ID)
	assert.Equal(t, domain.ResourceExited, got["web"])
	assert.Equal(t, domain.ResourceMissing, got["api"])
	assert.Equal(t, domain.ResourceRunning, got["db"])
}

func TestResourceMonitor_RecordsRecovery(t *testing.T) {
	f := newFixture(t)
	d, resources := f.runningDeployment(t, "web")

	f.engine.SetState(resources[0].ContainerID, "exited")
	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{Interval: time.Second}, quietLogger())
	m.CheckNow(context.Background())
	require.Equal(t, domain.ResourceExited, f.statuses(t, d.ID)["web"])

	f.engine.SetState(resources[0].ContainerID, "running")
	m.CheckNow(context.Background())
	assert.Equal(t, domain.ResourceRunning, f.statuses(t, d.ID)["web"])
}

func TestResourceMonitor_SkipsNonRunningDeployments(t *testing.T) {
	f := newFixture(t)
	d, resources := f.runningDeployment(t, "web")
	f.engine.Delete(resources[0].ContainerID)

	require.NoError(t, d.Transition(domain.StatusStopped))
	require.NoError(t, f.store.UpdateDeployment(context.Background(), d))

	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{Interval: time.Second}, quietLogger())
	m.CheckNow(context.Background())

	assert.Equal(t, domain.ResourceRunning, f.statuses(t, d.ID)["web"])
	assert.Zero(t, f.sessions.calls)
}

func TestResourceMonitor_UnreachableEngineLeavesStatus(t *testing.T) {
	f := newFixture(t)
	d, _ := f.runningDeployment(t, "web")
	f.sessions.err = errors.New("engine unreachable")

	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{Interval: time.Second}, quietLogger())
	m.CheckNow(context.Background())

	assert.Equal(t, domain.ResourceRunning, f.statuses(t, d.ID)["web"])
}

func TestResourceMonitor_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 8; i++ {
		d, resources := f.runningDeployment(t, "web")
		f.engine.SetState(resources[0].ContainerID, "exited")
		ids = append(ids, d.ID)
	}

	m := NewResourceMonitor(f.store, f.sessions, ResourceMonitorConfig{
		Interval:      5 * time.Second,
		MaxConcurrent: 2,
	}, quietLogger())
	m.CheckNow(context.Background())

	for _, id := range ids {
		assert.Equal(t, domain.ResourceExited, f.statuses(t, id)["web"])
	}
	assert.Equal(t, 8, f.sessions.calls)
}
