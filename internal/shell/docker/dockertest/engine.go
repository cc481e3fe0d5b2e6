// Package dockertest provides an in-memory engine that implements docker.Client
// for tests of code that provisions containers.
package dockertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/docker"
)

// Engine is a fake container engine. The zero value is not usable; call NewEngine.
type Engine struct {
	mu sync.Mutex

	containers map[string]*docker.ContainerInfo
	images     map[string]bool
	nextID     int

	// PingFunc, when set, decides the result of each Ping (call counts from 1).
	PingFunc func(call int) error
	InfoErr  error

	pullErrs   map[string]error // image -> error
	createErrs map[string]error // image -> error
	startErrs  map[string]error // image -> error
	stopErrs   map[string]error // container id -> error
	removeErrs map[string]error // container id -> error

	calls      []string
	pingCalls  int
	closeCalls int
	factoryHit int
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		containers: make(map[string]*docker.ContainerInfo),
		images:     make(map[string]bool),
		pullErrs:   make(map[string]error),
		createErrs: make(map[string]error),
		startErrs:  make(map[string]error),
		stopErrs:   make(map[string]error),
		removeErrs: make(map[string]error),
	}
}

// =============================================================================
// Failure Injection
// =============================================================================

func (e *Engine) FailPull(image string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pullErrs[image] = err
}

func (e *Engine) FailCreate(image string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErrs[image] = err
}

func (e *Engine) FailStart(image string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErrs[image] = err
}

func (e *Engine) FailStop(containerID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopErrs[containerID] = err
}

func (e *Engine) FailRemove(containerID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeErrs[containerID] = err
}

// =============================================================================
// Seeding And Inspection
// =============================================================================

// AddImage marks an image as present.
func (e *Engine) AddImage(image string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[image] = true
}

// AddContainer seeds a container that was not created through the client.
func (e *Engine) AddContainer(info docker.ContainerInfo) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.ID == "" {
		e.nextID++
		info.ID = fmt.Sprintf("seed%03d", e.nextID)
	}
	if info.State == "" {
		info.State = string(docker.ContainerStatusRunning)
	}
	info.Status = docker.ContainerStatus(info.State)
	e.containers[info.ID] = &info
	return info.ID
}

// Container returns a copy of the container with id.
func (e *Engine) Container(id string) (docker.ContainerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return docker.ContainerInfo{}, false
	}
	return *c, true
}

// ContainerIDs returns all container ids in creation order.
func (e *Engine) ContainerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetState changes the state of a container, e.g. to simulate a crash.
func (e *Engine) SetState(id, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.State = state
		c.Status = docker.ContainerStatus(state)
	}
}

// Delete removes a container behind the client's back.
func (e *Engine) Delete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
}

// Calls returns the operation log, e.g. "pull nginx", "create web-x", "start c001".
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// PingCount returns the number of Ping calls.
func (e *Engine) PingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pingCalls
}

// CloseCount returns the number of Close calls.
func (e *Engine) CloseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

// FactoryCount returns how many clients the Factory built.
func (e *Engine) FactoryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factoryHit
}

// Factory returns a ClientFactory that hands out this engine for every connection.
func (e *Engine) Factory() docker.ClientFactory {
	return func(_ context.Context, _ *domain.Connection) (docker.Client, error) {
		e.mu.Lock()
		e.factoryHit++
		e.mu.Unlock()
		return e, nil
	}
}

func (e *Engine) record(format string, args ...interface{}) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

// =============================================================================
// docker.Client
// =============================================================================

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	e.pingCalls++
	call := e.pingCalls
	fn := e.PingFunc
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (e *Engine) Info(ctx context.Context) (*docker.EngineInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InfoErr != nil {
		return nil, e.InfoErr
	}
	running := 0
	for _, c := range e.containers {
		if c.State == string(docker.ContainerStatusRunning) {
			running++
		}
	}
	return &docker.EngineInfo{
		ID:                "fake-engine",
		Name:              "fake",
		ServerVersion:     "28.5.2",
		Containers:        len(e.containers),
		ContainersRunning: running,
		Images:            len(e.images),
	}, nil
}

func (e *Engine) PullImage(ctx context.Context, image string, _ docker.PullOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("pull %s", image)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.pullErrs[image]; err != nil {
		return err
	}
	e.images[image] = true
	return nil
}

func (e *Engine) ImageExists(_ context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[image], nil
}

func (e *Engine) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create %s", spec.Name)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.createErrs[spec.Image]; err != nil {
		return "", err
	}
	for _, c := range e.containers {
		if c.Name == spec.Name {
			return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "container already exists", docker.ErrContainerAlreadyExists)
		}
	}

	e.nextID++
	id := fmt.Sprintf("c%03d", e.nextID)
	e.containers[id] = &docker.ContainerInfo{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		State:     string(docker.ContainerStatusCreated),
		Status:    docker.ContainerStatusCreated,
		CreatedAt: time.Now(),
		Ports:     append([]docker.PortBinding(nil), spec.Ports...),
		Labels:    spec.Labels,
	}
	return id, nil
}

func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start %s", id)
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return docker.NewDockerError("StartContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	if err := e.startErrs[c.Image]; err != nil {
		return err
	}
	now := time.Now()
	c.State = string(docker.ContainerStatusRunning)
	c.Status = docker.ContainerStatusRunning
	c.StartedAt = &now
	return nil
}

func (e *Engine) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop %s", id)
	if err := e.stopErrs[id]; err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return docker.NewDockerError("StopContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	c.State = string(docker.ContainerStatusExited)
	c.Status = docker.ContainerStatusExited
	return nil
}

func (e *Engine) RemoveContainer(_ context.Context, id string, _ docker.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("remove %s", id)
	if err := e.removeErrs[id]; err != nil {
		return err
	}
	if _, ok := e.containers[id]; !ok {
		return docker.NewDockerError("RemoveContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	delete(e.containers, id)
	return nil
}

func (e *Engine) InspectContainer(_ context.Context, id string) (*docker.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return nil, docker.NewDockerError("InspectContainer", "container", id, "container not found", docker.ErrContainerNotFound)
	}
	info := *c
	return &info, nil
}

func (e *Engine) ListContainers(_ context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("list")

	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []docker.ContainerInfo
	for _, id := range ids {
		c := e.containers[id]
		if !opts.All && c.State != string(docker.ContainerStatusRunning) {
			continue
		}
		if label, ok := opts.Filters["label"]; ok && !hasLabel(c.Labels, label) {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	return nil
}

func hasLabel(labels map[string]string, filter string) bool {
	key, value, hasValue := strings.Cut(filter, "=")
	v, ok := labels[key]
	if !ok {
		return false
	}
	return !hasValue || v == value
}
