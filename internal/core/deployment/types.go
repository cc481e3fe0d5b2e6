package deployment

import (
	"github.com/artpar/dockyard/internal/core/manifest"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan represents a planned container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	Ports         []PortPlan
	Binds         []string
	RestartPolicy RestartPolicyPlan
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// RestartPolicyPlan represents a restart policy.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	DeploymentID string
	ConnectionID string
	Service      manifest.Service
	EnvOverrides map[string]string
	NameSuffix   string
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used to identify containers created by dockyard.
const (
	LabelManaged    = "com.dockyard.managed"
	LabelDeployment = "com.dockyard.deployment"
	LabelService    = "com.dockyard.service"
	LabelConnection = "com.dockyard.connection"
)
