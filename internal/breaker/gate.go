// Package breaker implements the provider failure gate: a shared failure
// counter with a time-boxed decay window that decides whether an upstream
// provider should be attempted at all. It is a pure gate, not a scheduler;
// retry and backoff policy live with the callers.
package breaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/metrics"
)

// CounterStore is the storage contract for failure counters. When more than
// one worker process runs the pipeline the store must be centrally visible
// (Redis), otherwise failure isolation only holds within a single process.
type CounterStore interface {
	// Incr increments the counter at key and returns the new value. The first
	// increment in a fresh window arms the expiry; later increments must not
	// extend it.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get returns the current counter value, 0 when absent or expired.
	Get(ctx context.Context, key string) (int64, error)
	// Del removes the counter immediately.
	Del(ctx context.Context, key string) error
}

// Gate gates calls to a named provider based on recent failures.
type Gate struct {
	store     Store
	threshold int64
	window    time.Duration
	logger    *zap.Logger
}

// Store is an alias kept so call sites read naturally.
type Store = CounterStore

// NewGate builds a failure gate. Two instances with different thresholds are
// expected in production: validation (3 failures) and generation (5 failures).
func NewGate(store Store, threshold int, window time.Duration, logger *zap.Logger) *Gate {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Gate{
		store:     store,
		threshold: int64(threshold),
		window:    window,
		logger:    logger,
	}
}

func key(provider string) string {
	return fmt.Sprintf("provider:failures:%s", provider)
}

// RecordFailure increments the provider's failure counter. Counter-store
// errors are swallowed with a warning: the gate must never become a failure
// mode of its own.
func (g *Gate) RecordFailure(ctx context.Context, provider string) {
	n, err := g.store.Incr(ctx, key(provider), g.window)
	if err != nil {
		g.logger.Warn("failure counter increment failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return
	}
	if n == g.threshold {
		metrics.BreakerTrips.WithLabelValues(provider).Inc()
		g.logger.Warn("provider failure gate tripped",
			zap.String("provider", provider),
			zap.Int64("failures", n),
			zap.Duration("window", g.window),
		)
	}
}

// ClearFailures resets the provider's counter. Called on any success.
func (g *Gate) ClearFailures(ctx context.Context, provider string) {
	if err := g.store.Del(ctx, key(provider)); err != nil {
		g.logger.Warn("failure counter clear failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}

// IsBlocked reports whether the provider has reached the trip threshold
// within the current window. Store errors fail open.
func (g *Gate) IsBlocked(ctx context.Context, provider string) bool {
	n, err := g.store.Get(ctx, key(provider))
	if err != nil {
		g.logger.Warn("failure counter read failed, failing open",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return false
	}
	return n >= g.threshold
}
