package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// Connection Handlers
// =============================================================================

func (h *Handler) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	conn, err := h.connections.Create(r.Context(), ownerID(r), orchestrator.ConnectionInput{
		Name:              req.Name,
		Host:              req.Host,
		Port:              req.Port,
		TLS:               tlsMaterial(req.TLS),
		AutoReconnect:     req.AutoReconnect,
		ConnectionTimeout: time.Duration(req.ConnectionTimeoutMS) * time.Millisecond,
		Location:          req.Location,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, connectionToResponse(conn))
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	conns, err := h.connections.List(r.Context(), ownerID(r), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := ListConnectionsResponse{
		Connections: make([]ConnectionResponse, 0, len(conns)),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range conns {
		resp.Connections = append(resp.Connections, connectionToResponse(&conns[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connections.Get(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func (h *Handler) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req UpdateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	update := orchestrator.ConnectionUpdate{
		Name:          req.Name,
		Host:          req.Host,
		Port:          req.Port,
		TLS:           tlsMaterial(req.TLS),
		ClearTLS:      req.ClearTLS,
		AutoReconnect: req.AutoReconnect,
		Location:      req.Location,
	}
	if req.ConnectionTimeoutMS != nil {
		timeout := time.Duration(*req.ConnectionTimeoutMS) * time.Millisecond
		update.ConnectionTimeout = &timeout
	}

	conn, err := h.connections.Update(r.Context(), ownerID(r), chi.URLParam(r, "id"), update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func (h *Handler) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connections.Delete(r.Context(), ownerID(r), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	info, err := h.connections.Check(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, engineInfoToResponse(info))
}

// =============================================================================
// Conversions
// =============================================================================

func tlsMaterial(req *TLSRequest) *domain.TLSMaterial {
	if req == nil {
		return nil
	}
	return &domain.TLSMaterial{CA: req.CA, Cert: req.Cert, Key: req.Key}
}

func connectionToResponse(c *domain.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:                  c.ID,
		Name:                c.Name,
		Host:                c.Host,
		Port:                c.Port,
		Address:             c.Address(),
		TLS:                 c.UsesTLS(),
		AutoReconnect:       c.AutoReconnect,
		ConnectionTimeoutMS: c.ConnectionTimeout.Milliseconds(),
		Location:            c.Location,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func engineInfoToResponse(info *docker.EngineInfo) EngineInfoResponse {
	return EngineInfoResponse{
		Reachable:         true,
		ID:                info.ID,
		Name:              info.Name,
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		Architecture:      info.Architecture,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		Images:            info.Images,
	}
}
