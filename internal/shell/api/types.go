package api

import (
	"time"

	"github.com/artpar/dockyard/internal/shell/orchestrator"
)

// =============================================================================
// Request Types
// =============================================================================

// TLSRequest carries PEM encoded client TLS material.
type TLSRequest struct {
	CA   string `json:"ca,omitempty"`
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
}

// CreateConnectionRequest is the request body for creating a connection.
type CreateConnectionRequest struct {
	Name                string      `json:"name"`
	Host                string      `json:"host"`
	Port                int         `json:"port"`
	TLS                 *TLSRequest `json:"tls,omitempty"`
	AutoReconnect       bool        `json:"auto_reconnect,omitempty"`
	ConnectionTimeoutMS int         `json:"connection_timeout_ms,omitempty"`
	Location            string      `json:"location,omitempty"`
}

// UpdateConnectionRequest is the request body for updating a connection.
// Omitted fields are left unchanged.
type UpdateConnectionRequest struct {
	Name                *string     `json:"name,omitempty"`
	Host                *string     `json:"host,omitempty"`
	Port                *int        `json:"port,omitempty"`
	TLS                 *TLSRequest `json:"tls,omitempty"`
	ClearTLS            bool        `json:"clear_tls,omitempty"`
	AutoReconnect       *bool       `json:"auto_reconnect,omitempty"`
	ConnectionTimeoutMS *int        `json:"connection_timeout_ms,omitempty"`
	Location            *string     `json:"location,omitempty"`
}

// CreateDeploymentRequest is the JSON request body for creating a deployment.
// Multipart requests carry the same fields as form values plus a composeFile part.
type CreateDeploymentRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	ConnectionID string            `json:"connection_id"`
	Manifest     string            `json:"manifest"`
	EnvOverrides map[string]string `json:"env_overrides,omitempty"`
	PullLatest   *bool             `json:"pull_latest,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ConnectionResponse is the response for connection operations.
// TLS material is never returned.
type ConnectionResponse struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Address             string    `json:"address"`
	TLS                 bool      `json:"tls"`
	AutoReconnect       bool      `json:"auto_reconnect"`
	ConnectionTimeoutMS int64     `json:"connection_timeout_ms"`
	Location            string    `json:"location,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ListConnectionsResponse is the response for listing connections.
type ListConnectionsResponse struct {
	Connections []ConnectionResponse `json:"connections"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// EngineInfoResponse is the result of a connection check.
type EngineInfoResponse struct {
	Reachable         bool   `json:"reachable"`
	ID                string `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	ServerVersion     string `json:"server_version,omitempty"`
	OperatingSystem   string `json:"operating_system,omitempty"`
	Architecture      string `json:"architecture,omitempty"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	Images            int    `json:"images"`
}

// DeploymentResponse is the response for deployment operations.
type DeploymentResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	ConnectionID string            `json:"connection_id"`
	Status       string            `json:"status"`
	Manifest     string            `json:"manifest"`
	EnvOverrides map[string]string `json:"env_overrides"`
	PullLatest   bool              `json:"pull_latest"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// ListDeploymentsResponse is the response for listing deployments.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// ResourceResponse represents a container recorded for a deployment.
type ResourceResponse struct {
	ID            string    `json:"id"`
	ServiceName   string    `json:"service_name"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Image         string    `json:"image"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListResourcesResponse is the response for listing deployment resources.
type ListResourcesResponse struct {
	Resources []ResourceResponse `json:"resources"`
}

// TeardownResponse is the result of a stop or delete.
type TeardownResponse struct {
	DeploymentID string                         `json:"deployment_id"`
	Status       string                         `json:"status,omitempty"`
	Stopped      []string                       `json:"stopped"`
	Removed      []string                       `json:"removed"`
	Failures     []orchestrator.ResourceFailure `json:"failures"`
	Deleted      bool                           `json:"deleted"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
