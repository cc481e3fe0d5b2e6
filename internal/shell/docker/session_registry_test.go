package docker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/docker/dockertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type mockResolver struct {
	mu    sync.Mutex
	conns map[string]*domain.Connection
	calls int
}

func newMockResolver(conns ...*domain.Connection) *mockResolver {
	r := &mockResolver{conns: make(map[string]*domain.Connection)}
	for _, c := range conns {
		r.conns[c.ID] = c
	}
	return r
}

func (r *mockResolver) GetConnection(_ context.Context, id string) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	c, ok := r.conns[id]
	if !ok {
		return nil, errors.New("connection not found")
	}
	return c, nil
}

func (r *mockResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fanoutFactory hands out one engine per connection id.
type fanoutFactory struct {
	mu      sync.Mutex
	engines map[string]*dockertest.Engine
	built   map[string]int
}

func newFanoutFactory() *fanoutFactory {
	return &fanoutFactory{
		engines: make(map[string]*dockertest.Engine),
		built:   make(map[string]int),
	}
}

func (f *fanoutFactory) engine(id string) *dockertest.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.engines[id]
	if !ok {
		e = dockertest.NewEngine()
		f.engines[id] = e
	}
	return e
}

func (f *fanoutFactory) factory(_ context.Context, conn *domain.Connection) (docker.Client, error) {
	e := f.engine(conn.ID)
	f.mu.Lock()
	f.built[conn.ID]++
	f.mu.Unlock()
	return e, nil
}

func (f *fanoutFactory) builds(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[id]
}

type fakeInvalidations struct {
	fn func(string)
}

func (s *fakeInvalidations) Subscribe(_ context.Context, fn func(string)) error {
	s.fn = fn
	return nil
}

func newTestRegistry(resolver docker.ConnectionResolver, factory docker.ClientFactory, cfg docker.SessionRegistryConfig) *docker.SessionRegistry {
	checker := docker.NewHealthChecker(docker.HealthCheckerConfig{
		Sleep:  (&sleepRecorder{}).sleep,
		Logger: testLogger(),
	})
	cfg.Logger = testLogger()
	return docker.NewSessionRegistry(resolver, factory, checker, cfg)
}

// =============================================================================
// GetClient
// =============================================================================

func TestSessionRegistry_ReusesSessionForSameConnection(t *testing.T) {
	connA := testConnection(t, false)
	resolver := newMockResolver(connA)
	factory := newFanoutFactory()
	registry := newTestRegistry(resolver, factory.factory, docker.SessionRegistryConfig{})

	first, err := registry.GetClient(context.Background(), connA.ID)
	require.NoError(t, err)
	second, err := registry.GetClient(context.Background(), connA.ID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.engine(connA.ID).PingCount(), "exactly one probe")
	assert.Equal(t, 1, factory.builds(connA.ID))
	assert.Equal(t, 1, resolver.callCount(), "fast path skips the store")
	assert.True(t, registry.HasClient(connA.ID))
	assert.Equal(t, 1, registry.ClientCount())
}

func TestSessionRegistry_DifferentConnectionGetsFreshProbe(t *testing.T) {
	connA := testConnection(t, false)
	connB := testConnection(t, false)
	resolver := newMockResolver(connA, connB)
	factory := newFanoutFactory()
	registry := newTestRegistry(resolver, factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), connA.ID)
	require.NoError(t, err)
	clientB, err := registry.GetClient(context.Background(), connB.ID)
	require.NoError(t, err)

	assert.Same(t, factory.engine(connB.ID), clientB)
	assert.Equal(t, 1, factory.engine(connA.ID).PingCount())
	assert.Equal(t, 1, factory.engine(connB.ID).PingCount())
	assert.Equal(t, 2, registry.ClientCount())
}

func TestSessionRegistry_UnknownConnection(t *testing.T) {
	registry := newTestRegistry(newMockResolver(), newFanoutFactory().factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, errors.Is(err, docker.ErrConnectionNotFound))
	assert.Zero(t, registry.ClientCount())
}

func TestSessionRegistry_FailedProbeIsNotCached(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	engine := factory.engine(conn.ID)
	engine.PingFunc = func(call int) error {
		if call == 1 {
			return errUnreachable
		}
		return nil
	}
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), conn.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, docker.ErrConnectivity))
	assert.False(t, registry.HasClient(conn.ID))
	assert.Equal(t, 1, engine.CloseCount(), "unverified client is closed")

	client, err := registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, 2, engine.PingCount())
	assert.True(t, registry.HasClient(conn.ID))
}

func TestSessionRegistry_FailedHandshakeIsNotCached(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	factory.engine(conn.ID).InfoErr = errors.New("handshake refused")
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), conn.ID)

	require.Error(t, err)
	assert.True(t, errors.Is(err, docker.ErrConnectivity))
	assert.False(t, registry.HasClient(conn.ID))
}

func TestSessionRegistry_FactoryError(t *testing.T) {
	conn := testConnection(t, false)
	factory := func(context.Context, *domain.Connection) (docker.Client, error) {
		return nil, docker.ErrInvalidTLS
	}
	registry := newTestRegistry(newMockResolver(conn), factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), conn.ID)

	assert.True(t, errors.Is(err, docker.ErrConnectivity))
	assert.True(t, errors.Is(err, docker.ErrInvalidTLS))
}

func TestSessionRegistry_ConcurrentCallersShareOneBuild(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	var wg sync.WaitGroup
	clients := make([]docker.Client, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := registry.GetClient(context.Background(), conn.ID)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, factory.builds(conn.ID))
	assert.Equal(t, 1, factory.engine(conn.ID).PingCount())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}

func TestSessionRegistry_ConcurrentDistinctConnectionsGetOwnClients(t *testing.T) {
	conns := make([]*domain.Connection, 8)
	for i := range conns {
		conns[i] = testConnection(t, false)
	}
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conns...), factory.factory, docker.SessionRegistryConfig{})

	const callersPerConn = 4
	got := make([][]docker.Client, len(conns))
	for i := range got {
		got[i] = make([]docker.Client, callersPerConn)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range conns {
		for j := 0; j < callersPerConn; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				<-start
				c, err := registry.GetClient(context.Background(), conns[i].ID)
				assert.NoError(t, err)
				got[i][j] = c
			}(i, j)
		}
	}
	close(start)
	wg.Wait()

	for i, conn := range conns {
		for j := range got[i] {
			assert.Same(t, factory.engine(conn.ID), got[i][j], "caller %d of %s got another connection's client", j, conn.ID)
		}
		assert.Equal(t, 1, factory.builds(conn.ID))
		assert.Equal(t, 1, factory.engine(conn.ID).PingCount())
	}
	assert.Equal(t, len(conns), registry.ClientCount())
}

// =============================================================================
// Expiry And Invalidation
// =============================================================================

func TestSessionRegistry_TTLExpiry(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})

	_, err := registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.builds(conn.ID))

	now = now.Add(time.Minute)
	_, err = registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.builds(conn.ID))
	assert.Equal(t, 1, factory.engine(conn.ID).CloseCount(), "expired client is closed on replacement")
}

func TestSessionRegistry_Invalidate(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)

	require.NoError(t, registry.Invalidate(conn.ID))
	assert.False(t, registry.HasClient(conn.ID))
	assert.Equal(t, 1, factory.engine(conn.ID).CloseCount())

	// invalidating an absent session is a no-op
	require.NoError(t, registry.Invalidate(conn.ID))

	_, err = registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.builds(conn.ID))
}

func TestSessionRegistry_SubscribeEvicts(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})
	src := &fakeInvalidations{}
	require.NoError(t, registry.Subscribe(context.Background(), src))

	_, err := registry.GetClient(context.Background(), conn.ID)
	require.NoError(t, err)

	src.fn(conn.ID)

	assert.False(t, registry.HasClient(conn.ID))
}

func TestSessionRegistry_GetClientForRebuildsOnNewerDescriptor(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClientFor(context.Background(), conn)
	require.NoError(t, err)
	_, err = registry.GetClientFor(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.builds(conn.ID))

	updated := *conn
	updated.UpdatedAt = conn.UpdatedAt.Add(time.Second)
	_, err = registry.GetClientFor(context.Background(), &updated)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.builds(conn.ID))
	assert.Equal(t, 1, registry.ClientCount())
}

func TestSessionRegistry_ProbeDoesNotCache(t *testing.T) {
	conn := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(conn), factory.factory, docker.SessionRegistryConfig{})

	info, err := registry.Probe(context.Background(), conn)

	require.NoError(t, err)
	assert.Equal(t, "28.5.2", info.ServerVersion)
	assert.False(t, registry.HasClient(conn.ID))
	assert.Equal(t, 1, factory.engine(conn.ID).CloseCount())
}

func TestSessionRegistry_RefreshAndCloseAll(t *testing.T) {
	connA := testConnection(t, false)
	connB := testConnection(t, false)
	factory := newFanoutFactory()
	registry := newTestRegistry(newMockResolver(connA, connB), factory.factory, docker.SessionRegistryConfig{})

	_, err := registry.GetClient(context.Background(), connA.ID)
	require.NoError(t, err)
	_, err = registry.GetClient(context.Background(), connB.ID)
	require.NoError(t, err)

	_, err = registry.Refresh(context.Background(), connA.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.builds(connA.ID))

	require.NoError(t, registry.CloseAll())
	assert.Zero(t, registry.ClientCount())
	assert.Equal(t, 2, factory.engine(connA.ID).CloseCount())
	assert.Equal(t, 1, factory.engine(connB.ID).CloseCount())
}
