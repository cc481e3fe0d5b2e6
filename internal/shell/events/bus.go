// Package events broadcasts connection invalidations so every process drops
// engine sessions built from an outdated connection.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultChannel is the pub/sub channel carrying invalidated connection ids.
const DefaultChannel = "dockyard:connections:invalidate"

// Bus publishes and delivers connection invalidations.
type Bus interface {
	// Publish announces that sessions for connectionID must be dropped.
	Publish(ctx context.Context, connectionID string) error

	// Subscribe registers fn until ctx is done.
	Subscribe(ctx context.Context, fn func(connectionID string)) error

	Close() error
}

// =============================================================================
// Local Bus
// =============================================================================

// LocalBus delivers invalidations synchronously inside one process.
type LocalBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(string)
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		logger:   logger.With("component", "local_bus"),
		handlers: make(map[int]func(string)),
	}
}

func (b *LocalBus) Publish(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]func(string), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(connectionID)
	}
	b.logger.Debug("connection invalidated", "connection_id", connectionID, "subscribers", len(handlers))
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, fn func(connectionID string)) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(string))
	return nil
}
