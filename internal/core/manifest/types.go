package manifest

// =============================================================================
// Manifest Types
// =============================================================================

// Manifest is a parsed stack manifest. Services keep their declaration order.
type Manifest struct {
	Services []Service
}

// Service is a single service definition.
type Service struct {
	Name        string
	Image       string
	Ports       []PortMapping
	Environment []string // "KEY=value" entries
	Volumes     []string // passed to the engine verbatim
	Restart     string
	DependsOn   []string
}

// PortMapping binds a container port to a host port.
type PortMapping struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// Restart policy values.
const (
	RestartNo            = "no"
	RestartAlways        = "always"
	RestartOnFailure     = "on-failure"
	RestartUnlessStopped = "unless-stopped"
)

// Service returns the service with the given name.
func (m *Manifest) Service(name string) (Service, bool) {
	for _, svc := range m.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// ServiceNames returns service names in declaration order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for _, svc := range m.Services {
		names = append(names, svc.Name)
	}
	return names
}

// HostPorts returns every host port the manifest publishes.
func (m *Manifest) HostPorts() []int {
	var ports []int
	for _, svc := range m.Services {
		for _, p := range svc.Ports {
			ports = append(ports, p.HostPort)
		}
	}
	return ports
}
