package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/metrics"
)

// =============================================================================
// Health Checker
// =============================================================================

// Backoff defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// HealthCheckerConfig configures probing and reconnect backoff.
type HealthCheckerConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       SleepFunc
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// HealthResult is the outcome of a Check.
type HealthResult struct {
	Reachable bool
	Attempts  int // reconnect attempts made after the first ping
	Err       error
}

// HealthChecker probes engines and retries unreachable ones with bounded
// exponential backoff when the connection allows auto-reconnect.
//
// The attempt counter for each connection id lives in a shared map so it can
// be observed while a retry sequence is running. Each call to Check keeps its
// own local sequence; concurrent checks of the same connection are not
// coalesced and the map reflects whichever sequence wrote last.
type HealthChecker struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       SleepFunc
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu       sync.Mutex
	attempts map[string]int
}

// NewHealthChecker creates a health checker. Zero config values take the defaults.
func NewHealthChecker(cfg HealthCheckerConfig) *HealthChecker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HealthChecker{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger.With("component", "health_checker"),
		metrics:     cfg.Metrics,
		attempts:    make(map[string]int),
	}
}

// Check pings the engine behind cli. Each ping is bounded by the
// connection's timeout.
//
// Without auto-reconnect a failed ping fails immediately. With it, the ping is
// retried up to MaxAttempts times, sleeping BackoffDelay before each retry.
// Success or exhaustion resets the connection's counter; exhaustion returns a
// *ConnectivityError wrapping the first ping error and the attempt count.
func (h *HealthChecker) Check(ctx context.Context, conn *domain.Connection, cli Client) HealthResult {
	firstErr := h.ping(ctx, conn, cli)
	if firstErr == nil {
		return HealthResult{Reachable: true}
	}

	if !conn.AutoReconnect {
		h.logger.Warn("engine unreachable",
			"connection_id", conn.ID,
			"error", firstErr,
		)
		return HealthResult{Err: &ConnectivityError{ConnectionID: conn.ID, Err: firstErr}}
	}

	attempts := 0
	lastErr := firstErr
	for attempts < h.maxAttempts {
		delay := BackoffDelay(attempts, h.baseDelay, h.maxDelay)
		if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
			h.reset(conn.ID)
			return HealthResult{Attempts: attempts, Err: &ConnectivityError{ConnectionID: conn.ID, Attempts: attempts, Err: firstErr}}
		}

		attempts++
		h.record(conn.ID, attempts)
		h.logger.Info("reconnecting to engine",
			"connection_id", conn.ID,
			"attempt", attempts,
			"max_attempts", h.maxAttempts,
			"delay", delay,
		)

		if lastErr = h.ping(ctx, conn, cli); lastErr == nil {
			h.reset(conn.ID)
			return HealthResult{Reachable: true, Attempts: attempts}
		}
	}

	h.reset(conn.ID)
	h.logger.Warn("engine unreachable after reconnect attempts",
		"connection_id", conn.ID,
		"attempts", attempts,
		"error", firstErr,
		"last_error", lastErr,
	)
	return HealthResult{Attempts: attempts, Err: &ConnectivityError{ConnectionID: conn.ID, Attempts: attempts, Err: firstErr}}
}

// Attempts returns the current reconnect attempt count for a connection.
func (h *HealthChecker) Attempts(connectionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[connectionID]
}

func (h *HealthChecker) ping(ctx context.Context, conn *domain.Connection, cli Client) error {
	timeout := conn.ConnectionTimeout
	if timeout <= 0 {
		timeout = domain.DefaultConnectionTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := cli.Ping(pingCtx)
	h.metrics.ProbeAttempt(err == nil)
	return err
}

func (h *HealthChecker) record(connectionID string, attempts int) {
	h.mu.Lock()
	h.attempts[connectionID] = attempts
	h.mu.Unlock()
}

func (h *HealthChecker) reset(connectionID string) {
	h.mu.Lock()
	delete(h.attempts, connectionID)
	h.mu.Unlock()
}

// BackoffDelay returns min(base * 2^attempt, max).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
