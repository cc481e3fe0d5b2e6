package deployment

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TopologicalSort Tests
// =============================================================================

func names(services []manifest.Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.Name)
	}
	return out
}

func TestTopologicalSort_Empty(t *testing.T) {
	assert.Empty(t, TopologicalSort(nil))
}

func TestTopologicalSort_DeclarationOrderWithoutDependencies(t *testing.T) {
	services := []manifest.Service{{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"}}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(TopologicalSort(services)))
}

func TestTopologicalSort_Chain(t *testing.T) {
	services := []manifest.Service{
		{Name: "web", DependsOn: []string{"api"}},
		{Name: "api", DependsOn: []string{"db"}},
		{Name: "db"},
		{Name: "cache"},
	}
	assert.Equal(t, []string{"db", "api", "web", "cache"}, names(TopologicalSort(services)))
}

func TestTopologicalSort_Diamond(t *testing.T) {
	services := []manifest.Service{
		{Name: "app", DependsOn: []string{"db", "cache"}},
		{Name: "cache"},
		{Name: "db"},
	}
	assert.Equal(t, []string{"cache", "db", "app"}, names(TopologicalSort(services)))
}

func TestTopologicalSort_CycleFallback(t *testing.T) {
	services := []manifest.Service{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c"},
	}
	assert.Equal(t, []string{"c", "a", "b"}, names(TopologicalSort(services)))
}

// =============================================================================
// CheckPortConflicts Tests
// =============================================================================

func svcWithPorts(name string, pairs ...[2]int) manifest.Service {
	svc := manifest.Service{Name: name, Image: "x"}
	for _, p := range pairs {
		svc.Ports = append(svc.Ports, manifest.PortMapping{HostPort: p[0], ContainerPort: p[1], Protocol: "tcp"})
	}
	return svc
}

func TestCheckPortConflicts_NoConflicts(t *testing.T) {
	bound := NewBoundPorts()
	bound.Add(5432, 5432)

	m := &manifest.Manifest{Services: []manifest.Service{
		svcWithPorts("web", [2]int{8080, 80}),
		svcWithPorts("api", [2]int{9000, 3000}),
	}}
	assert.NoError(t, CheckPortConflicts(bound, m))
}

func TestCheckPortConflicts_ExistingHostPort(t *testing.T) {
	bound := NewBoundPorts()
	bound.Add(8080, 80)

	m := &manifest.Manifest{Services: []manifest.Service{
		svcWithPorts("db", [2]int{5432, 5432}),
		svcWithPorts("web", [2]int{8080, 8081}),
	}}

	err := CheckPortConflicts(bound, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortConflict)

	var pce *PortConflictError
	require.True(t, errors.As(err, &pce))
	assert.Equal(t, "web", pce.Service)
	assert.Equal(t, 8080, pce.Port)
	assert.Equal(t, ConflictHost, pce.Kind)
	assert.Contains(t, err.Error(), "8080")
}

func TestCheckPortConflicts_ContainerPortInEitherSet(t *testing.T) {
	bound := NewBoundPorts()
	bound.Add(0, 3000)

	m := &manifest.Manifest{Services: []manifest.Service{svcWithPorts("api", [2]int{9000, 3000})}}

	var pce *PortConflictError
	require.True(t, errors.As(CheckPortConflicts(bound, m), &pce))
	assert.Equal(t, ConflictContainer, pce.Kind)
	assert.Equal(t, 3000, pce.Port)
}

func TestCheckPortConflicts_HostPortMatchesBoundContainerPort(t *testing.T) {
	bound := NewBoundPorts()
	bound.Add(0, 9000)

	m := &manifest.Manifest{Services: []manifest.Service{svcWithPorts("api", [2]int{9000, 3000})}}
	assert.ErrorIs(t, CheckPortConflicts(bound, m), ErrPortConflict)
}

func TestCheckPortConflicts_DuplicateWithinManifest(t *testing.T) {
	m := &manifest.Manifest{Services: []manifest.Service{
		svcWithPorts("a", [2]int{8080, 80}),
		svcWithPorts("b", [2]int{8080, 81}),
	}}

	var pce *PortConflictError
	require.True(t, errors.As(CheckPortConflicts(NewBoundPorts(), m), &pce))
	assert.Equal(t, "b", pce.Service)
	assert.Equal(t, 8080, pce.Port)
}

func TestCheckPortConflicts_NilManifest(t *testing.T) {
	assert.NoError(t, CheckPortConflicts(NewBoundPorts(), nil))
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestContainerName(t *testing.T) {
	assert.Equal(t, "web-abc123", ContainerName("web", "abc123"))
}

func TestNewNameSuffix(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := NewNameSuffix(now)

	assert.True(t, strings.HasPrefix(a, "loyw3v28"))
	assert.Len(t, a, len("loyw3v28")+4)
}

// =============================================================================
// BuildContainerPlan Tests
// =============================================================================

func TestBuildContainerPlan_BasicService(t *testing.T) {
	plan := BuildContainerPlan(BuildContainerPlanParams{
		DeploymentID: "deploy-123",
		ConnectionID: "conn-1",
		Service:      manifest.Service{Name: "web", Image: "nginx:latest", Restart: "no"},
		NameSuffix:   "s1",
	})

	assert.Equal(t, "web-s1", plan.Name)
	assert.Equal(t, "nginx:latest", plan.Image)
	assert.Equal(t, "true", plan.Labels[LabelManaged])
	assert.Equal(t, "deploy-123", plan.Labels[LabelDeployment])
	assert.Equal(t, "web", plan.Labels[LabelService])
	assert.Equal(t, "conn-1", plan.Labels[LabelConnection])
	assert.Equal(t, "no", plan.RestartPolicy.Name)
	assert.Empty(t, plan.Ports)
}

func TestBuildContainerPlan_PortsEnvBinds(t *testing.T) {
	svc := manifest.Service{
		Name:        "app",
		Image:       "myapp:1.0",
		Environment: []string{"MODE=dev", "PORT=3000"},
		Volumes:     []string{"./data:/data:ro"},
		Ports:       []manifest.PortMapping{{HostIP: "127.0.0.1", HostPort: 8080, ContainerPort: 3000}},
		Restart:     "on-failure:5",
	}

	plan := BuildContainerPlan(BuildContainerPlanParams{
		Service:      svc,
		EnvOverrides: map[string]string{"MODE": "prod", "UNRELATED": "x"},
		NameSuffix:   "s1",
	})

	assert.Equal(t, []string{"MODE=prod", "PORT=3000"}, plan.Env)
	assert.Equal(t, []string{"./data:/data:ro"}, plan.Binds)
	assert.Equal(t, []PortPlan{{ContainerPort: 3000, HostPort: 8080, Protocol: "tcp", HostIP: "127.0.0.1"}}, plan.Ports)
	assert.Equal(t, RestartPolicyPlan{Name: "on-failure", MaximumRetryCount: 5}, plan.RestartPolicy)
}

func TestMapRestartPolicy(t *testing.T) {
	tests := map[string]RestartPolicyPlan{
		"":               {Name: "no"},
		"no":             {Name: "no"},
		"always":         {Name: "always"},
		"unless-stopped": {Name: "unless-stopped"},
		"on-failure":     {Name: "on-failure"},
		"on-failure:3":   {Name: "on-failure", MaximumRetryCount: 3},
		"on-failure:x":   {Name: "no"},
	}
	for in, want := range tests {
		assert.Equal(t, want, mapRestartPolicy(in), in)
	}
}

// =============================================================================
// Variable Tests
// =============================================================================

func TestSubstituteVariables(t *testing.T) {
	tests := []struct {
		name  string
		input string
		vars  map[string]string
		want  string
	}{
		{"simple", "image: nginx:${TAG}", map[string]string{"TAG": "1.25"}, "image: nginx:1.25"},
		{"default used", "image: nginx:${TAG:-latest}", nil, "image: nginx:latest"},
		{"default ignored", "image: nginx:${TAG:-latest}", map[string]string{"TAG": "1.25"}, "image: nginx:1.25"},
		{"no placeholders", "services: {}", map[string]string{"X": "y"}, "services: {}"},
		{"escaped dollar", "command: echo $$HOME", nil, "command: echo $HOME"},
		{"multiple", "url: postgres://${HOST}:${PORT}", map[string]string{"HOST": "db", "PORT": "5432"}, "url: postgres://db:5432"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubstituteVariables(tt.input, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubstituteVariables_RequiredMissing(t *testing.T) {
	_, err := SubstituteVariables("image: ${IMAGE:?image is required}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrMalformedManifest)
}

func TestApplyEnvOverrides(t *testing.T) {
	got := ApplyEnvOverrides([]string{"A=1", "B", "C=3"}, map[string]string{"B": "2", "Z": "26"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, got)

	assert.Empty(t, ApplyEnvOverrides(nil, map[string]string{"A": "1"}))
}

// =============================================================================
// Planner Tests
// =============================================================================

func TestShouldPull(t *testing.T) {
	assert.True(t, ShouldPull(true, true))
	assert.True(t, ShouldPull(true, false))
	assert.True(t, ShouldPull(false, false))
	assert.False(t, ShouldPull(false, true))
}

func TestFailureSummary(t *testing.T) {
	err := errors.New("manifest unknown")
	assert.Equal(t, "service api: pull failed: manifest unknown", FailureSummary("api", "pull", err, nil))
	assert.Equal(t, "service api: pull failed: manifest unknown; left running: db, cache",
		FailureSummary("api", "pull", err, []string{"db", "cache"}))
}

func TestCanStopDeployment(t *testing.T) {
	for _, s := range []domain.DeploymentStatus{domain.StatusPending, domain.StatusRunning, domain.StatusFailed, domain.StatusStopped} {
		ok, reason := CanStopDeployment(s)
		assert.True(t, ok, s)
		assert.Empty(t, reason)
	}

	ok, reason := CanStopDeployment(domain.DeploymentStatus("unknown"))
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}
