package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/go-chi/chi/v5"
)

const (
	// maxManifestBytes caps an uploaded compose file.
	maxManifestBytes = 1 << 20

	// formOverhead leaves room for the other multipart fields.
	formOverhead = 64 << 10

	composeFileField = "composeFile"
)

// requestError is a malformed request rejected before reaching a service.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, code: "validation_error", message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeCreateDeployment(w, r)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			h.writeError(w, reqErr.status, reqErr.message, reqErr.code)
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	d, _, err := h.deployments.CreateDeployment(r.Context(), ownerID(r), orchestrator.CreateDeploymentInput{
		Name:         req.Name,
		Description:  req.Description,
		ConnectionID: req.ConnectionID,
		Manifest:     req.Manifest,
		EnvOverrides: req.EnvOverrides,
		PullLatest:   req.PullLatest,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("deployment accepted", "deployment_id", d.ID, "connection_id", d.ConnectionID)
	h.writeJSON(w, http.StatusAccepted, deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	deployments, err := h.deployments.ListDeployments(r.Context(), ownerID(r), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := ListDeploymentsResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
	for i := range deployments {
		resp.Deployments = append(resp.Deployments, deploymentToResponse(&deployments[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.deployments.GetDeployment(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

func (h *Handler) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.deployments.ListResources(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := ListResourcesResponse{Resources: make([]ResourceResponse, 0, len(resources))}
	for _, res := range resources {
		resp.Resources = append(resp.Resources, ResourceResponse{
			ID:            res.ID,
			ServiceName:   res.ServiceName,
			ContainerID:   res.ContainerID,
			ContainerName: res.ContainerName,
			Image:         res.Image,
			Status:        string(res.Status),
			UpdatedAt:     res.UpdatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	report, err := h.deployments.StopDeployment(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportToResponse(report))
}

func (h *Handler) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	report, err := h.deployments.DeleteDeployment(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportToResponse(report))
}

// =============================================================================
// Request Decoding
// =============================================================================

// decodeCreateDeployment reads a JSON body, or a multipart form whose
// composeFile part replaces the manifest field.
func (h *Handler) decodeCreateDeployment(w http.ResponseWriter, r *http.Request) (CreateDeploymentRequest, error) {
	var req CreateDeploymentRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxManifestBytes+formOverhead)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, sizeOr(err, badRequest("invalid JSON"))
		}
		if strings.TrimSpace(req.Manifest) == "" {
			return req, badRequest("either %s or manifest must be provided", composeFileField)
		}
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxManifestBytes+formOverhead)
	if err := r.ParseMultipartForm(maxManifestBytes + formOverhead); err != nil {
		return req, sizeOr(err, badRequest("invalid multipart form: %v", err))
	}

	req.Name = r.FormValue("name")
	req.Description = r.FormValue("description")
	req.ConnectionID = r.FormValue("connection_id")
	req.Manifest = r.FormValue("manifest")

	if raw := r.FormValue("env_overrides"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.EnvOverrides); err != nil {
			return req, badRequest("env_overrides must be a JSON object of strings")
		}
	}
	if raw := r.FormValue("pull_latest"); raw != "" {
		pull, err := strconv.ParseBool(raw)
		if err != nil {
			return req, badRequest("pull_latest must be a boolean")
		}
		req.PullLatest = &pull
	}

	file, header, err := r.FormFile(composeFileField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		if strings.TrimSpace(req.Manifest) == "" {
			return req, badRequest("either %s or manifest must be provided", composeFileField)
		}
		return req, nil
	case err != nil:
		return req, badRequest("invalid %s: %v", composeFileField, err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".yml" && ext != ".yaml" {
		return req, badRequest("%s must be a .yml or .yaml file", composeFileField)
	}
	if header.Size > maxManifestBytes {
		return req, tooLarge()
	}

	content, err := io.ReadAll(io.LimitReader(file, maxManifestBytes+1))
	if err != nil {
		return req, badRequest("read %s: %v", composeFileField, err)
	}
	if len(content) > maxManifestBytes {
		return req, tooLarge()
	}
	req.Manifest = string(content)

	return req, nil
}

func tooLarge() *requestError {
	return &requestError{
		status:  http.StatusRequestEntityTooLarge,
		code:    "payload_too_large",
		message: fmt.Sprintf("%s must not exceed %d bytes", composeFileField, maxManifestBytes),
	}
}

func sizeOr(err error, fallback *requestError) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge()
	}
	return fallback
}

// =============================================================================
// Conversions
// =============================================================================

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		ConnectionID: d.ConnectionID,
		Status:       string(d.Status),
		Manifest:     d.Manifest,
		EnvOverrides: d.EnvOverrides,
		PullLatest:   d.PullLatest,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		StartedAt:    d.StartedAt,
		StoppedAt:    d.StoppedAt,
	}
	if resp.EnvOverrides == nil {
		resp.EnvOverrides = make(map[string]string)
	}
	return resp
}

func reportToResponse(r *orchestrator.Report) TeardownResponse {
	resp := TeardownResponse{
		DeploymentID: r.DeploymentID,
		Status:       string(r.Status),
		Stopped:      r.Stopped,
		Removed:      r.Removed,
		Failures:     r.Failures,
		Deleted:      r.Deleted,
	}
	if resp.Stopped == nil {
		resp.Stopped = []string{}
	}
	if resp.Removed == nil {
		resp.Removed = []string{}
	}
	if resp.Failures == nil {
		resp.Failures = []orchestrator.ResourceFailure{}
	}
	return resp
}
