package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/format"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses manifest YAML into a Manifest.
// Services are returned in declaration order. Keys the manifest does not model
// (build, networks, secrets, configs, deploy) are ignored.
func Parse(content string) (*Manifest, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewParseError("", "manifest is empty", ErrEmptyInput)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, NewParseError("", fmt.Sprintf("invalid YAML syntax: %v", err), ErrInvalidYAML)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, NewParseError("", "manifest is empty", ErrEmptyInput)
	}

	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, NewParseError("", "manifest must be a mapping", ErrNotMapping)
	}

	services := lookup(root, "services")
	if services == nil || services.Kind != yaml.MappingNode || len(services.Content) == 0 {
		return nil, NewParseError("services", "manifest must define at least one service", ErrNoServices)
	}

	m := &Manifest{Services: make([]Service, 0, len(services.Content)/2)}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		field := "services." + name
		if !serviceNamePattern.MatchString(name) {
			return nil, NewParseError(field, fmt.Sprintf("invalid service name %q", name), ErrInvalidServiceName)
		}
		if seen[name] {
			return nil, NewParseError(field, "service is defined twice", ErrInvalidServiceName)
		}
		seen[name] = true

		svc, err := parseService(name, resolve(services.Content[i+1]))
		if err != nil {
			return nil, err
		}
		m.Services = append(m.Services, svc)
	}

	if err := validateDependencies(m.Services); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks that a parsed manifest can be provisioned.
func Validate(m *Manifest) error {
	if m == nil || len(m.Services) == 0 {
		return NewParseError("services", "manifest must define at least one service", ErrNoServices)
	}
	for _, svc := range m.Services {
		if strings.TrimSpace(svc.Image) == "" {
			return NewParseError("services."+svc.Name+".image", "service must define an image", ErrServiceNoImage)
		}
	}
	return nil
}

// ParseAndValidate runs Parse followed by Validate.
func ParseAndValidate(content string) (*Manifest, error) {
	m, err := Parse(content)
	if err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// Service Conversion
// =============================================================================

func parseService(name string, node *yaml.Node) (Service, error) {
	field := "services." + name
	svc := Service{Name: name, Restart: RestartNo}

	// "web:" with no body is an empty service
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return svc, nil
	}
	if node.Kind != yaml.MappingNode {
		return Service{}, NewParseError(field, "service must be a mapping", ErrNotMapping)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := resolve(node.Content[i+1])
		keyField := field + "." + key

		var err error
		switch key {
		case "image":
			if value.Kind != yaml.ScalarNode {
				return Service{}, NewParseError(keyField, "image must be a string", ErrServiceNoImage)
			}
			svc.Image = strings.TrimSpace(value.Value)
		case "ports":
			svc.Ports, err = parsePorts(keyField, value)
		case "environment":
			svc.Environment, err = parseEnvironment(keyField, value)
		case "volumes":
			svc.Volumes, err = parseVolumes(keyField, value)
		case "restart":
			svc.Restart, err = parseRestart(keyField, value)
		case "depends_on":
			svc.DependsOn, err = parseDependsOn(keyField, value)
		}
		if err != nil {
			return Service{}, err
		}
	}

	return svc, nil
}

func parsePorts(field string, node *yaml.Node) ([]PortMapping, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, NewParseError(field, "ports must be a list", ErrInvalidPort)
	}

	var ports []PortMapping
	for i, item := range node.Content {
		item = resolve(item)
		itemField := fmt.Sprintf("%s[%d]", field, i)

		switch item.Kind {
		case yaml.ScalarNode:
			configs, err := types.ParsePortConfig(item.Value)
			if err != nil {
				return nil, NewParseError(itemField, fmt.Sprintf("invalid port %q: %v", item.Value, err), ErrInvalidPort)
			}
			for _, cfg := range configs {
				pm, err := toPortMapping(cfg)
				if err != nil {
					return nil, NewParseError(itemField, err.Error(), ErrInvalidPort)
				}
				ports = append(ports, pm)
			}
		case yaml.MappingNode:
			var long struct {
				Target    uint32 `yaml:"target"`
				Published string `yaml:"published"`
				HostIP    string `yaml:"host_ip"`
				Protocol  string `yaml:"protocol"`
			}
			if err := item.Decode(&long); err != nil {
				return nil, NewParseError(itemField, fmt.Sprintf("invalid port: %v", err), ErrInvalidPort)
			}
			pm, err := toPortMapping(types.ServicePortConfig{
				Target:    long.Target,
				Published: long.Published,
				HostIP:    long.HostIP,
				Protocol:  long.Protocol,
			})
			if err != nil {
				return nil, NewParseError(itemField, err.Error(), ErrInvalidPort)
			}
			ports = append(ports, pm)
		default:
			return nil, NewParseError(itemField, "port must be a string or mapping", ErrInvalidPort)
		}
	}
	return ports, nil
}

func toPortMapping(cfg types.ServicePortConfig) (PortMapping, error) {
	container := int(cfg.Target)
	if container < 1 || container > 65535 {
		return PortMapping{}, fmt.Errorf("container port %d out of range", container)
	}

	host := container
	if cfg.Published != "" {
		p, err := strconv.Atoi(cfg.Published)
		if err != nil || p < 1 || p > 65535 {
			return PortMapping{}, fmt.Errorf("invalid published port %q", cfg.Published)
		}
		host = p
	}

	proto := strings.ToLower(cfg.Protocol)
	if proto == "" {
		proto = "tcp"
	}

	return PortMapping{
		HostIP:        cfg.HostIP,
		HostPort:      host,
		ContainerPort: container,
		Protocol:      proto,
	}, nil
}

func parseEnvironment(field string, node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		env := make([]string, 0, len(node.Content))
		for i, item := range node.Content {
			item = resolve(item)
			if item.Kind != yaml.ScalarNode || item.Value == "" || strings.HasPrefix(item.Value, "=") {
				return nil, NewParseError(fmt.Sprintf("%s[%d]", field, i), "environment entries must be KEY=value strings", ErrInvalidEnvironment)
			}
			env = append(env, item.Value)
		}
		return env, nil
	case yaml.MappingNode:
		env := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			value := resolve(node.Content[i+1])
			if key == "" {
				return nil, NewParseError(field, "environment keys must be non-empty", ErrInvalidEnvironment)
			}
			switch {
			case value.Kind == yaml.ScalarNode && value.Tag == "!!null":
				env = append(env, key)
			case value.Kind == yaml.ScalarNode:
				env = append(env, key+"="+value.Value)
			default:
				return nil, NewParseError(field+"."+key, "environment values must be scalars", ErrInvalidEnvironment)
			}
		}
		return env, nil
	default:
		return nil, NewParseError(field, "environment must be a list or mapping", ErrInvalidEnvironment)
	}
}

func parseVolumes(field string, node *yaml.Node) ([]string, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, NewParseError(field, "volumes must be a list", ErrInvalidVolume)
	}

	volumes := make([]string, 0, len(node.Content))
	for i, item := range node.Content {
		item = resolve(item)
		itemField := fmt.Sprintf("%s[%d]", field, i)
		if item.Kind != yaml.ScalarNode {
			return nil, NewParseError(itemField, "only short volume syntax is supported", ErrInvalidVolume)
		}
		if _, err := format.ParseVolume(item.Value); err != nil {
			return nil, NewParseError(itemField, fmt.Sprintf("invalid volume %q: %v", item.Value, err), ErrInvalidVolume)
		}
		volumes = append(volumes, item.Value)
	}
	return volumes, nil
}

func parseRestart(field string, node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", NewParseError(field, "restart must be a string", ErrInvalidRestart)
	}
	policy := strings.TrimSpace(node.Value)
	if !ValidRestartPolicy(policy) {
		return "", NewParseError(field, fmt.Sprintf("unsupported restart policy %q", policy), ErrInvalidRestart)
	}
	return policy, nil
}

// ValidRestartPolicy reports whether policy is no, always, unless-stopped,
// on-failure or on-failure:N.
func ValidRestartPolicy(policy string) bool {
	switch policy {
	case RestartNo, RestartAlways, RestartUnlessStopped, RestartOnFailure:
		return true
	}
	if count, ok := strings.CutPrefix(policy, RestartOnFailure+":"); ok {
		n, err := strconv.Atoi(count)
		return err == nil && n >= 0
	}
	return false
}

func parseDependsOn(field string, node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		deps := make([]string, 0, len(node.Content))
		for i, item := range node.Content {
			item = resolve(item)
			if item.Kind != yaml.ScalarNode || item.Value == "" {
				return nil, NewParseError(fmt.Sprintf("%s[%d]", field, i), "dependency must be a service name", ErrUnknownDependency)
			}
			deps = append(deps, item.Value)
		}
		return deps, nil
	case yaml.MappingNode:
		// long form: the condition is accepted but only ordering is honoured
		deps := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			deps = append(deps, node.Content[i].Value)
		}
		return deps, nil
	default:
		return nil, NewParseError(field, "depends_on must be a list or mapping", ErrUnknownDependency)
	}
}

// =============================================================================
// Dependency Validation
// =============================================================================

func validateDependencies(services []Service) error {
	known := make(map[string]bool, len(services))
	for _, svc := range services {
		known[svc.Name] = true
	}

	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if !known[dep] {
				return NewParseError("services."+svc.Name+".depends_on",
					fmt.Sprintf("service %q depends on undefined service %q", svc.Name, dep), ErrUnknownDependency)
			}
		}
	}

	return detectCycles(services)
}

// detectCycles runs a depth-first search over the dependency graph.
func detectCycles(services []Service) error {
	deps := make(map[string][]string, len(services))
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(services))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			cycle := strings.Join(append(path, name), " -> ")
			return NewParseError("services."+name+".depends_on", "circular dependency: "+cycle, ErrCircularDependency)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, svc := range services {
		if err := visit(svc.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// YAML Helpers
// =============================================================================

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return resolve(mapping.Content[i+1])
		}
	}
	return nil
}
