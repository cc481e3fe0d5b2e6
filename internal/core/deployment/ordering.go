package deployment

import (
	"github.com/artpar/dockyard/internal/core/manifest"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort sorts services so that every service follows its dependencies.
//
// The sort is stable: among services whose dependencies are satisfied, the one
// declared first in the manifest comes first. A manifest without depends_on is
// therefore returned in declaration order.
//
// Example:
//
//	// Services declared as: web (depends on api), api (depends on db), db, cache
//	sorted := TopologicalSort(services)
//	// Result: [db, api, web, cache]
//
// Cycles are rejected by the parser. If one slips through, the remaining
// services are appended in declaration order.
func TopologicalSort(services []manifest.Service) []manifest.Service {
	if len(services) == 0 {
		return services
	}

	placed := make(map[string]bool, len(services))
	result := make([]manifest.Service, 0, len(services))

	for len(result) < len(services) {
		progressed := false
		for _, svc := range services {
			if placed[svc.Name] || !dependenciesPlaced(svc, placed) {
				continue
			}
			result = append(result, svc)
			placed[svc.Name] = true
			progressed = true
			// restart from the top so earlier declarations win
			break
		}
		if !progressed {
			break
		}
	}

	if len(result) < len(services) {
		for _, svc := range services {
			if !placed[svc.Name] {
				result = append(result, svc)
			}
		}
	}

	return result
}

func dependenciesPlaced(svc manifest.Service, placed map[string]bool) bool {
	for _, dep := range svc.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}
