// Package deployment provides pure functions for deployment planning.
//
// This package turns a parsed manifest into the values the imperative shell
// needs to provision it. All functions are pure (no I/O, no side effects);
// the only exception is NewNameSuffix, which reads the random source.
//
// # Functions
//
//   - Variables: interpolate ${VAR} placeholders and apply env overrides (SubstituteVariables, ApplyEnvOverrides)
//   - Ordering: stable dependency order of services (TopologicalSort)
//   - Ports: pre-flight port conflict detection (CheckPortConflicts)
//   - Naming: container names (ContainerName, NewNameSuffix)
//   - Container: build container plans from manifest services (BuildContainerPlan)
//   - Planner: pull decisions and failure summaries (ShouldPull, FailureSummary)
//
// # Usage
//
// The orchestrator (internal/shell/orchestrator) calls these functions and
// executes the resulting plans through the engine client.
//
//	content, err := deployment.SubstituteVariables(raw, overrides)
//	ordered := deployment.TopologicalSort(m.Services)
//	err = deployment.CheckPortConflicts(bound, m)
//	plan := deployment.BuildContainerPlan(params)
package deployment
