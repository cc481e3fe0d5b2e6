package deployment

import (
	"strconv"
	"strings"

	"github.com/artpar/dockyard/internal/core/manifest"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds a ContainerPlan from a manifest service and deployment data.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Applies env overrides to the declared environment
//   - Copies port bindings and volume binds verbatim
//   - Maps the restart policy to engine format
//   - Labels the container with its deployment, service and connection
//
// Example:
//
//	plan := BuildContainerPlan(BuildContainerPlanParams{
//	    DeploymentID: "abc123",
//	    ConnectionID: "conn-1",
//	    Service:      manifest.Service{Name: "web", Image: "nginx:latest"},
//	    NameSuffix:   "lq2k3m9a1f2e",
//	})
//	// plan.Name == "web-lq2k3m9a1f2e"
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service

	plan := ContainerPlan{
		Name:  ContainerName(svc.Name, params.NameSuffix),
		Image: svc.Image,
		Env:   ApplyEnvOverrides(svc.Environment, params.EnvOverrides),
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelDeployment: params.DeploymentID,
			LabelService:    svc.Name,
			LabelConnection: params.ConnectionID,
		},
		Binds:         append([]string(nil), svc.Volumes...),
		RestartPolicy: mapRestartPolicy(svc.Restart),
	}

	for _, p := range svc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      proto,
			HostIP:        p.HostIP,
		})
	}

	return plan
}

// mapRestartPolicy maps a manifest restart policy to the engine restart policy.
func mapRestartPolicy(policy string) RestartPolicyPlan {
	switch policy {
	case manifest.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case manifest.RestartUnlessStopped:
		return RestartPolicyPlan{Name: "unless-stopped"}
	case manifest.RestartOnFailure:
		return RestartPolicyPlan{Name: "on-failure"}
	}

	if count, ok := strings.CutPrefix(policy, manifest.RestartOnFailure+":"); ok {
		n, err := strconv.Atoi(count)
		if err == nil && n >= 0 {
			return RestartPolicyPlan{Name: "on-failure", MaximumRetryCount: n}
		}
	}

	return RestartPolicyPlan{Name: "no"}
}
