package deployment

import (
	"fmt"
	"strings"

	"github.com/artpar/dockyard/internal/core/domain"
)

// =============================================================================
// Provisioning Decisions
// =============================================================================

// ShouldPull decides whether an image must be pulled before creating a container.
// With pullLatest the image is always pulled; otherwise only when it is absent.
func ShouldPull(pullLatest, imagePresent bool) bool {
	return pullLatest || !imagePresent
}

// FailureSummary builds the error message persisted on a deployment whose
// provisioning stopped at service/step. Services already started are named so
// the user knows what is still running on the engine.
//
// Example:
//
//	FailureSummary("api", "pull", err, []string{"db"})
//	// "service api: pull failed: <err>; left running: db"
func FailureSummary(service, step string, err error, leftRunning []string) string {
	msg := fmt.Sprintf("service %s: %s failed: %v", service, step, err)
	if len(leftRunning) > 0 {
		msg += "; left running: " + strings.Join(leftRunning, ", ")
	}
	return msg
}

// =============================================================================
// Lifecycle Decisions
// =============================================================================

// CanStopDeployment checks if a deployment can be stopped from its current status.
// Stop is accepted from every status; a pending deployment is cancelled.
func CanStopDeployment(currentStatus domain.DeploymentStatus) (bool, string) {
	if err := domain.ValidateTransition(currentStatus, domain.StatusStopped); err != nil {
		return false, fmt.Sprintf("cannot stop deployment in status %s", currentStatus)
	}
	return true, ""
}
