package orchestrator

import (
	"context"
	"sync"

	"github.com/artpar/dockyard/internal/core/domain"
)

// Task tracks one background provisioning run.
type Task struct {
	DeploymentID string

	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	status domain.DeploymentStatus
	err    error
}

func newTask(deploymentID string, cancel context.CancelFunc) *Task {
	return &Task{
		DeploymentID: deploymentID,
		done:         make(chan struct{}),
		cancel:       cancel,
		status:       domain.StatusPending,
	}
}

// Done is closed when provisioning has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done. It returns the task's
// error, or ctx's error if ctx ended first.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks provisioning to stop at the next engine call.
func (t *Task) Cancel() {
	t.cancel()
}

// Err returns the provisioning error once the task is done.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status is pending until the task finishes, then the status provisioning
// left in the store.
func (t *Task) Status() domain.DeploymentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) finish(status domain.DeploymentStatus, err error) {
	t.mu.Lock()
	t.status = status
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}
