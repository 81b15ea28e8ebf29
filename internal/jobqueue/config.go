// Copyright 2025 James Ross
package jobqueue

import "time"

// QueueConfig holds the per-queue defaults applied to jobs submitted
// without an explicit override.
type QueueConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

// DefaultQueueConfig returns the engine's baseline queue defaults: concurrency 5,
// 30s default timeout, 3 default retries.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:       5,
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
	}
}

func (c QueueConfig) Validate(queueName string) error {
	if queueName == "" {
		return newErr(KindInvalidArgument, "", "queue name must not be empty")
	}
	if c.Concurrency <= 0 {
		return newErr(KindInvalidArgument, "", "queue %s: concurrency must be positive", queueName)
	}
	if c.DefaultTimeout <= 0 {
		return newErr(KindInvalidArgument, "", "queue %s: default timeout must be positive", queueName)
	}
	if c.DefaultMaxRetries < 0 {
		return newErr(KindInvalidArgument, "", "queue %s: default max retries must be >= 0", queueName)
	}
	return nil
}

// ServiceConfig is the top-level configuration for a Service: which queues
// exist and with what defaults, an optional server identity used to tag
// events published to an external bus, and the shared circuit breaker's
// tuning. The storage backend is passed to NewService separately.
type ServiceConfig struct {
	ServerID       string                 `mapstructure:"server_id"`
	Queues         map[string]QueueConfig `mapstructure:"queues"`
	CircuitBreaker CircuitBreakerConfig   `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker shared by every Queue Instance in a
// Service to guard dispatch and storage calls against a flaky backend.
type CircuitBreakerConfig struct {
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// DefaultCircuitBreakerConfig mirrors the values NewService falls back to when a
// zero-value CircuitBreakerConfig is supplied.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Window:           10 * time.Second,
		CooldownPeriod:   5 * time.Second,
		FailureThreshold: 0.5,
		MinSamples:       5,
	}
}
