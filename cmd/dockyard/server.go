package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/artpar/dockyard/internal/core/crypto"
	"github.com/artpar/dockyard/internal/shell/api"
	"github.com/artpar/dockyard/internal/shell/api/middleware"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/events"
	"github.com/artpar/dockyard/internal/shell/metrics"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/artpar/dockyard/internal/shell/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitEventBusError   = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the dockyard application server.
type Server struct {
	config       *Config
	httpServer   *http.Server
	store        *store.SQLiteStore
	sessions     *docker.SessionRegistry
	bus          events.Bus
	orchestrator *orchestrator.Orchestrator
	monitor      *workers.ResourceMonitor
	logger       *slog.Logger

	// cancel ends the invalidation subscription.
	cancel context.CancelFunc
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	var storeOpts []store.Option
	if cfg.Security.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
		}
		storeOpts = append(storeOpts, store.WithEncryptionKey(key))
	} else {
		logger.Warn("security.encryption_key is not set, connection TLS material is stored unencrypted")
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN, storeOpts...)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	checker := docker.NewHealthChecker(docker.HealthCheckerConfig{
		MaxAttempts: cfg.Sessions.ProbeMaxAttempts,
		BaseDelay:   cfg.Sessions.ProbeBaseDelay,
		MaxDelay:    cfg.Sessions.ProbeMaxDelay,
		Logger:      logger,
		Metrics:     recorder,
	})

	factory := docker.NewClientFactory()
	sessions := docker.NewSessionRegistry(s, factory, checker, docker.SessionRegistryConfig{
		TTL:     cfg.Sessions.TTL,
		Logger:  logger,
		Metrics: recorder,
	})

	bus, err := newBus(cfg, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitEventBusError}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sessions.Subscribe(ctx, bus); err != nil {
		cancel()
		bus.Close()
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitEventBusError}
	}

	orch := orchestrator.New(s, sessions, factory, orchestrator.Config{
		OperationTimeout: cfg.Engine.OperationTimeout,
		PullTimeout:      cfg.Engine.PullTimeout,
		StopTimeout:      cfg.Engine.StopTimeout,
		Logger:           logger,
		Metrics:          recorder,
	})

	recovered, err := orch.RecoverInterrupted(ctx)
	if err != nil {
		cancel()
		bus.Close()
		s.Close()
		return nil, &ServerError{Op: "RecoverInterrupted", Err: err, ExitCode: ExitDatabaseError}
	}
	if recovered > 0 {
		logger.Warn("marked interrupted deployments as failed", "count", recovered)
	}

	connections := orchestrator.NewConnections(s, bus, sessions, logger)

	var monitor *workers.ResourceMonitor
	if cfg.Monitor.Enabled {
		monitor = workers.NewResourceMonitor(s, sessions, workers.ResourceMonitorConfig{
			Interval:          cfg.Monitor.Interval,
			DeploymentTimeout: cfg.Monitor.DeploymentTimeout,
			MaxConcurrent:     cfg.Monitor.MaxConcurrent,
			Metrics:           recorder,
		}, logger)
	}

	readyChecks := map[string]api.ReadyCheck{"database": s.Ping}
	if pinger, ok := bus.(interface{ Ping(context.Context) error }); ok {
		readyChecks["redis"] = pinger.Ping
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}

	var signingKey []byte
	if cfg.Auth.JWTSecret != "" {
		signingKey = []byte(cfg.Auth.JWTSecret)
	}
	if !cfg.Auth.TrustUserHeader && signingKey == nil {
		logger.Warn("no authentication method configured, every API request will be rejected")
	}

	handler := api.NewHandler(api.Config{
		Deployments:    orch,
		Connections:    connections,
		ReadyChecks:    readyChecks,
		MetricsHandler: metricsHandler,
		Metrics:        recorder,
		Auth: middleware.AuthConfig{
			TrustUserHeader: cfg.Auth.TrustUserHeader,
			SigningKey:      signingKey,
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:       cfg,
		httpServer:   httpServer,
		store:        s,
		sessions:     sessions,
		bus:          bus,
		orchestrator: orch,
		monitor:      monitor,
		logger:       logger,
		cancel:       cancel,
	}, nil
}

// newBus picks the Redis bus when enabled so every replica drops stale
// sessions, and the in-process bus otherwise.
func newBus(cfg *Config, logger *slog.Logger) (events.Bus, error) {
	if !cfg.Redis.Enabled {
		return events.NewLocalBus(logger), nil
	}

	bus, err := events.NewRedisBus(events.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("redis invalidation bus enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	return bus, nil
}

// Start starts the server and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. In-flight provisioning is
// cancelled and awaited before the store closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := s.orchestrator.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("provisioning tasks did not finish", "error", err)
	}

	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.cancel()

	if err := s.sessions.CloseAll(); err != nil {
		s.logger.Error("engine session close error", "error", err)
	}

	if err := s.bus.Close(); err != nil {
		s.logger.Error("event bus close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
