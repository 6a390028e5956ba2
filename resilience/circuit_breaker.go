// Package resilience implements the supervisor's fault-tolerance
// primitives: a TTL-scoped per-provider circuit breaker and the
// resource-exhausted backoff schedule.
package resilience

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fernridge/conductor/core"
)

// CircuitState names a breaker's logical state for logging purposes.
// half-open is unreachable under the TTL model below: the breaker is
// either tripped (open, with a live TTL entry) or closed (no entry, or
// the entry has expired). The teacher's resilience.CircuitBreaker used
// all three states with explicit half-open probing; this breaker's
// contract is a plain SETEX flag, so half-open never occurs here.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// CircuitBreaker is the per-provider TTL-scoped open/closed flag.
// Breaker entries live in the state database (not the queue database),
// keyed `circuit_breaker:<provider>`, as JSON with a Redis TTL.
type CircuitBreaker struct {
	client *core.RedisClient
	ttl    time.Duration
	logger core.Logger
}

// NewCircuitBreaker builds a breaker over the state-database client.
func NewCircuitBreaker(client *core.RedisClient, ttl time.Duration, logger core.Logger) *CircuitBreaker {
	return &CircuitBreaker{client: client, ttl: ttl, logger: logger}
}

func breakerKey(provider string) string {
	return "circuit_breaker:" + provider
}

// IsOpen reports whether provider currently has a live breaker entry.
// Expired entries are lazily treated as absent — Redis's own TTL
// eviction handles deletion, so no explicit cleanup is needed here.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, provider string) (bool, error) {
	_, err := cb.client.Get(ctx, breakerKey(provider))
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Trip opens the breaker for provider with the configured TTL.
func (cb *CircuitBreaker) Trip(ctx context.Context, provider, errorType string) error {
	now := time.Now().UTC()
	status := core.CircuitBreakerStatus{
		Provider:    provider,
		TriggeredAt: now,
		ExpiresAt:   now.Add(cb.ttl),
		ErrorType:   errorType,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := cb.client.Set(ctx, breakerKey(provider), data, cb.ttl); err != nil {
		return err
	}
	if cb.logger != nil {
		cb.logger.Warn("circuit breaker tripped", map[string]interface{}{
			"provider":   provider,
			"error_type": errorType,
			"ttl":        cb.ttl.String(),
		})
	}
	return nil
}

// Reset deletes provider's breaker entry, closing the breaker before its
// TTL expires.
func (cb *CircuitBreaker) Reset(ctx context.Context, provider string) error {
	return cb.client.Del(ctx, breakerKey(provider))
}

// Status returns the breaker entry for provider, or nil if closed.
func (cb *CircuitBreaker) Status(ctx context.Context, provider string) (*core.CircuitBreakerStatus, error) {
	raw, err := cb.client.Get(ctx, breakerKey(provider))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status core.CircuitBreakerStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// State reports the logical state name for logging/metrics.
func (cb *CircuitBreaker) State(ctx context.Context, provider string) CircuitState {
	open, err := cb.IsOpen(ctx, provider)
	if err != nil || !open {
		return StateClosed
	}
	return StateOpen
}
