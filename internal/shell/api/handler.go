// Package api provides HTTP handlers for the dockyard API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/artpar/dockyard/internal/core/auth"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/api/middleware"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/metrics"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Service Interfaces
// =============================================================================

// Deployments is the deployment surface the API exposes.
type Deployments interface {
	CreateDeployment(ctx context.Context, ownerID string, input orchestrator.CreateDeploymentInput) (*domain.Deployment, *orchestrator.Task, error)
	ListDeployments(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Deployment, error)
	GetDeployment(ctx context.Context, ownerID, id string) (*domain.Deployment, error)
	ListResources(ctx context.Context, ownerID, id string) ([]domain.Resource, error)
	StopDeployment(ctx context.Context, ownerID, id string) (*orchestrator.Report, error)
	DeleteDeployment(ctx context.Context, ownerID, id string) (*orchestrator.Report, error)
}

// Connections is the connection surface the API exposes.
type Connections interface {
	Create(ctx context.Context, ownerID string, input orchestrator.ConnectionInput) (*domain.Connection, error)
	List(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Connection, error)
	Get(ctx context.Context, ownerID, id string) (*domain.Connection, error)
	Update(ctx context.Context, ownerID, id string, update orchestrator.ConnectionUpdate) (*domain.Connection, error)
	Delete(ctx context.Context, ownerID, id string) error
	Check(ctx context.Context, ownerID, id string) (*docker.EngineInfo, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// =============================================================================
// Handler
// =============================================================================

// Config wires the handler to its services.
type Config struct {
	Deployments Deployments
	Connections Connections

	// ReadyChecks run on GET /ready, keyed by dependency name.
	ReadyChecks map[string]ReadyCheck

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	Metrics        *metrics.Recorder

	Auth   middleware.AuthConfig
	Logger *slog.Logger
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	deployments Deployments
	connections Connections
	readyChecks map[string]ReadyCheck
	metricsHTTP http.Handler
	metrics     *metrics.Recorder
	auth        middleware.AuthConfig
	logger      *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	return &Handler{
		deployments: cfg.Deployments,
		connections: cfg.Connections,
		readyChecks: cfg.ReadyChecks,
		metricsHTTP: cfg.MetricsHandler,
		metrics:     cfg.Metrics,
		auth:        cfg.Auth,
		logger:      cfg.Logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)
		r.Get("/health", h.handleHealth)
		r.Get("/ready", h.handleReady)
	})

	if h.metricsHTTP != nil {
		r.Method(http.MethodGet, "/metrics", h.metricsHTTP)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)
		r.Use(middleware.NewAuthMiddleware(h.auth).Handler)
		r.Use(middleware.RequireAuth(h.logger))

		r.Route("/connections", func(r chi.Router) {
			r.Method(http.MethodPost, "/", h.instrument("connections.create", h.handleCreateConnection))
			r.Method(http.MethodGet, "/", h.instrument("connections.list", h.handleListConnections))
			r.Method(http.MethodGet, "/{id}", h.instrument("connections.get", h.handleGetConnection))
			r.Method(http.MethodPut, "/{id}", h.instrument("connections.update", h.handleUpdateConnection))
			r.Method(http.MethodDelete, "/{id}", h.instrument("connections.delete", h.handleDeleteConnection))
			r.Method(http.MethodPost, "/{id}/check", h.instrument("connections.check", h.handleCheckConnection))
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Method(http.MethodPost, "/", h.instrument("deployments.create", h.handleCreateDeployment))
			r.Method(http.MethodGet, "/", h.instrument("deployments.list", h.handleListDeployments))
			r.Method(http.MethodGet, "/{id}", h.instrument("deployments.get", h.handleGetDeployment))
			r.Method(http.MethodGet, "/{id}/resources", h.instrument("deployments.resources", h.handleListResources))
			r.Method(http.MethodPost, "/{id}/stop", h.instrument("deployments.stop", h.handleStopDeployment))
			r.Method(http.MethodDelete, "/{id}", h.instrument("deployments.delete", h.handleDeleteDeployment))
		})
	})

	return r
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.Handler {
	return h.metrics.Instrument(route, fn)
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.readyChecks))
	for name := range h.readyChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.readyChecks[name](ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, orchestrator.ErrConnectionInUse):
		h.writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, orchestrator.ErrConnectionNotFound):
		h.writeError(w, http.StatusNotFound, "connection not found", "not_found")
	case errors.Is(err, orchestrator.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found", "not_found")
	case errors.Is(err, orchestrator.ErrShuttingDown):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "unavailable")
	case errors.Is(err, orchestrator.ErrConnectivity):
		h.writeError(w, http.StatusBadGateway, err.Error(), "engine_unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "operation timed out", "timeout")
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

// ownerID returns the authenticated owner. RequireAuth guarantees it is set.
func ownerID(r *http.Request) string {
	return auth.FromContext(r.Context()).OwnerID
}

// listOptions reads limit and offset query parameters.
func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		opts.Offset = v
	}
	return opts.Normalize()
}
