package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/metrics"
)

// sessionEntry is a verified client and the connection version it was built from.
type sessionEntry struct {
	client       Client
	connectionID string
	fingerprint  string
	info         *EngineInfo
	createdAt    time.Time
}

// InvalidationSource delivers connection ids whose sessions must be dropped.
type InvalidationSource interface {
	Subscribe(ctx context.Context, fn func(connectionID string)) error
}

// SessionRegistryConfig configures the registry.
type SessionRegistryConfig struct {
	// TTL bounds how long a verified session is reused. Zero means no expiry.
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// SessionRegistry caches verified engine clients keyed by connection id.
// It provides lazy initialization and connection caching: concurrent callers
// for the same connection build at most one client, while different
// connections proceed independently.
type SessionRegistry struct {
	resolver ConnectionResolver
	factory  ClientFactory
	checker  *HealthChecker
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionEntry // connectionID -> session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // connectionID -> build lock
}

// NewSessionRegistry creates a session registry.
func NewSessionRegistry(resolver ConnectionResolver, factory ClientFactory, checker *HealthChecker, cfg SessionRegistryConfig) *SessionRegistry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionRegistry{
		resolver: resolver,
		factory:  factory,
		checker:  checker,
		ttl:      cfg.TTL,
		logger:   cfg.Logger.With("component", "session_registry"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		sessions: make(map[string]*sessionEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

// GetClient returns a verified client for the connection id.
// A cached session is returned without any remote round trip; otherwise the
// descriptor is resolved, a client is built and verified with one health check
// and an Info handshake. Only a verified client is cached.
func (r *SessionRegistry) GetClient(ctx context.Context, connectionID string) (Client, error) {
	// Fast path: check if a session exists
	if entry := r.lookup(connectionID, ""); entry != nil {
		r.metrics.SessionLookup("hit")
		return entry.client, nil
	}

	// Slow path: build under the connection's lock
	lock := r.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Double-check after acquiring the lock
	if entry := r.lookup(connectionID, ""); entry != nil {
		r.metrics.SessionLookup("hit")
		return entry.client, nil
	}

	conn, err := r.resolver.GetConnection(ctx, connectionID)
	if err != nil {
		r.metrics.SessionLookup("failed")
		return nil, NewDockerError("GetClient", "connection", connectionID, err.Error(), ErrConnectionNotFound)
	}

	return r.build(ctx, conn)
}

// GetClientFor returns a verified client for a descriptor the caller already
// loaded. A cached session built from an older version of the connection is
// replaced.
func (r *SessionRegistry) GetClientFor(ctx context.Context, conn *domain.Connection) (Client, error) {
	fingerprint := conn.Fingerprint()
	if entry := r.lookup(conn.ID, fingerprint); entry != nil {
		r.metrics.SessionLookup("hit")
		return entry.client, nil
	}

	lock := r.lockFor(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	if entry := r.lookup(conn.ID, fingerprint); entry != nil {
		r.metrics.SessionLookup("hit")
		return entry.client, nil
	}

	return r.build(ctx, conn)
}

// build must be called with the connection's lock held.
func (r *SessionRegistry) build(ctx context.Context, conn *domain.Connection) (Client, error) {
	client, info, err := r.verify(ctx, conn)
	if err != nil {
		r.metrics.SessionLookup("failed")
		return nil, err
	}

	entry := &sessionEntry{
		client:       client,
		connectionID: conn.ID,
		fingerprint:  conn.Fingerprint(),
		info:         info,
		createdAt:    r.now(),
	}

	r.mu.Lock()
	stale := r.sessions[conn.ID]
	r.sessions[conn.ID] = entry
	count := len(r.sessions)
	r.mu.Unlock()

	if stale != nil {
		_ = stale.client.Close()
	}

	r.metrics.SessionLookup("built")
	r.metrics.SetActiveSessions(count)
	r.logger.Info("engine session established",
		"connection_id", conn.ID,
		"server_version", info.ServerVersion,
	)

	return client, nil
}

// verify builds a client, checks health and performs the handshake.
// The client is closed on any failure.
func (r *SessionRegistry) verify(ctx context.Context, conn *domain.Connection) (Client, *EngineInfo, error) {
	client, err := r.factory(ctx, conn)
	if err != nil {
		return nil, nil, &ConnectivityError{ConnectionID: conn.ID, Err: err}
	}

	result := r.checker.Check(ctx, conn, client)
	if !result.Reachable {
		_ = client.Close()
		return nil, nil, result.Err
	}

	infoCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(conn))
	defer cancel()
	info, err := client.Info(infoCtx)
	if err != nil {
		_ = client.Close()
		return nil, nil, &ConnectivityError{ConnectionID: conn.ID, Attempts: result.Attempts, Err: err}
	}

	return client, info, nil
}

func handshakeTimeout(conn *domain.Connection) time.Duration {
	if conn.ConnectionTimeout > 0 {
		return conn.ConnectionTimeout
	}
	return domain.DefaultConnectionTimeout
}

// Probe runs an uncached health check and handshake for conn.
func (r *SessionRegistry) Probe(ctx context.Context, conn *domain.Connection) (*EngineInfo, error) {
	client, info, err := r.verify(ctx, conn)
	if err != nil {
		return nil, err
	}
	_ = client.Close()
	return info, nil
}

func (r *SessionRegistry) lookup(connectionID, fingerprint string) *sessionEntry {
	r.mu.RLock()
	entry, exists := r.sessions[connectionID]
	r.mu.RUnlock()

	if !exists || entry.connectionID != connectionID {
		return nil
	}
	if fingerprint != "" && entry.fingerprint != fingerprint {
		return nil
	}
	if r.ttl > 0 && r.now().Sub(entry.createdAt) >= r.ttl {
		return nil
	}
	return entry
}

func (r *SessionRegistry) lockFor(connectionID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[connectionID] = lock
	}
	return lock
}

// Invalidate removes a session and closes its client.
// This is used when a connection is updated or deleted.
func (r *SessionRegistry) Invalidate(connectionID string) error {
	r.mu.Lock()
	entry, exists := r.sessions[connectionID]
	delete(r.sessions, connectionID)
	count := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return nil
	}

	r.metrics.SetActiveSessions(count)
	r.logger.Debug("engine session invalidated", "connection_id", connectionID)
	return entry.client.Close()
}

// Subscribe evicts sessions for every connection id delivered by src.
func (r *SessionRegistry) Subscribe(ctx context.Context, src InvalidationSource) error {
	return src.Subscribe(ctx, func(connectionID string) {
		if err := r.Invalidate(connectionID); err != nil {
			r.logger.Warn("close invalidated session", "connection_id", connectionID, "error", err)
		}
	})
}

// CloseAll closes all cached clients.
// This should be called when shutting down the application.
func (r *SessionRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, entry := range r.sessions {
		if err := entry.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client for connection %s: %w", id, err)
		}
		delete(r.sessions, id)
	}
	r.metrics.SetActiveSessions(0)

	return firstErr
}

// ClientCount returns the number of cached clients.
func (r *SessionRegistry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// HasClient checks if a session for the given connection ID is cached.
func (r *SessionRegistry) HasClient(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sessions[connectionID]
	return exists
}

// Refresh forces recreation of the session for the given connection.
func (r *SessionRegistry) Refresh(ctx context.Context, connectionID string) (Client, error) {
	if err := r.Invalidate(connectionID); err != nil {
		r.logger.Warn("close stale session", "connection_id", connectionID, "error", err)
	}
	return r.GetClient(ctx, connectionID)
}
