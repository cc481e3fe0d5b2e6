package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *slog.Logger
}

// RedisBus fans invalidations out to every process subscribed to the channel.
// Publishers receive their own messages, so local sessions are evicted too.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBus connects to Redis and verifies the server answers.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return &RedisBus{
		client:  client,
		channel: cfg.Channel,
		logger:  cfg.Logger.With("component", "redis_bus"),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, connectionID string) error {
	if err := b.client.Publish(ctx, b.channel, connectionID).Err(); err != nil {
		return fmt.Errorf("publish invalidation for %s: %w", connectionID, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then delivers
// messages on a background goroutine until ctx is done or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(connectionID string)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return nil
}

// Ping reports whether Redis still answers.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, s := range b.subs {
		if err := s.Close(); err != nil {
			b.logger.Debug("close subscription", "error", err)
		}
	}
	b.subs = nil
	b.mu.Unlock()
	return b.client.Close()
}
