// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the optional Redis-backed Storage adapter. The default
// adapter is in-memory; Redis is only consulted when Storage.Backend is
// "redis".
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// StorageConfig selects and configures the engine's Storage adapter.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "memory" (default) or "redis"
	Redis   Redis  `mapstructure:"redis"`
}

// QueueSettings is the per-queue defaults block read from YAML, mirroring
// jobqueue.QueueConfig.
type QueueSettings struct {
	Concurrency       int           `mapstructure:"concurrency"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

// EventBusConfig selects the optional external Event Bridge.
type EventBusConfig struct {
	Kind    string        `mapstructure:"kind"` // "none" (default), "nats", "webhook"
	NATS    NATSConfig    `mapstructure:"nats"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Config is the top-level engine configuration: the queue topology plus
// the ambient stack (storage backend, event bridge, circuit breaker,
// observability).
type Config struct {
	ServerID       string                   `mapstructure:"server_id"`
	Queues         map[string]QueueSettings `mapstructure:"queues"`
	Storage        StorageConfig            `mapstructure:"storage"`
	EventBus       EventBusConfig           `mapstructure:"event_bus"`
	CircuitBreaker CircuitBreaker           `mapstructure:"circuit_breaker"`
	Observability  Observability            `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		ServerID: "jobqueue-0",
		Queues: map[string]QueueSettings{
			"default": {Concurrency: 5, DefaultTimeout: 30 * time.Second, DefaultMaxRetries: 3},
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: Redis{
				Addr:               "localhost:6379",
				PoolSizeMultiplier: 10,
				MinIdleConns:       5,
				DialTimeout:        5 * time.Second,
				ReadTimeout:        3 * time.Second,
				WriteTimeout:       3 * time.Second,
				MaxRetries:         3,
			},
		},
		EventBus: EventBusConfig{
			Kind: "none",
			NATS: NATSConfig{SubjectPrefix: "jobs"},
			Webhook: WebhookConfig{
				Timeout:    5 * time.Second,
				MaxRetries: 3,
			},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           10 * time.Second,
			CooldownPeriod:   5 * time.Second,
			MinSamples:       5,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("server_id", def.ServerID)
	v.SetDefault("queues", map[string]any{
		"default": map[string]any{
			"concurrency":         def.Queues["default"].Concurrency,
			"default_timeout":     def.Queues["default"].DefaultTimeout,
			"default_max_retries": def.Queues["default"].DefaultMaxRetries,
		},
	})

	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.redis.addr", def.Storage.Redis.Addr)
	v.SetDefault("storage.redis.pool_size_multiplier", def.Storage.Redis.PoolSizeMultiplier)
	v.SetDefault("storage.redis.min_idle_conns", def.Storage.Redis.MinIdleConns)
	v.SetDefault("storage.redis.dial_timeout", def.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", def.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", def.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.redis.max_retries", def.Storage.Redis.MaxRetries)

	v.SetDefault("event_bus.kind", def.EventBus.Kind)
	v.SetDefault("event_bus.nats.subject_prefix", def.EventBus.NATS.SubjectPrefix)
	v.SetDefault("event_bus.webhook.timeout", def.EventBus.Webhook.Timeout)
	v.SetDefault("event_bus.webhook.max_retries", def.EventBus.Webhook.MaxRetries)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Queues) == 0 {
		return fmt.Errorf("queues must declare at least one named queue")
	}
	for name, q := range cfg.Queues {
		if q.Concurrency < 1 {
			return fmt.Errorf("queues.%s.concurrency must be >= 1", name)
		}
		if q.DefaultTimeout <= 0 {
			return fmt.Errorf("queues.%s.default_timeout must be > 0", name)
		}
		if q.DefaultMaxRetries < 0 {
			return fmt.Errorf("queues.%s.default_max_retries must be >= 0", name)
		}
	}
	switch cfg.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("storage.backend must be 'memory' or 'redis', got %q", cfg.Storage.Backend)
	}
	switch cfg.EventBus.Kind {
	case "none", "nats", "webhook":
	default:
		return fmt.Errorf("event_bus.kind must be 'none', 'nats' or 'webhook', got %q", cfg.EventBus.Kind)
	}
	if cfg.EventBus.Kind == "nats" && cfg.EventBus.NATS.URL == "" {
		return fmt.Errorf("event_bus.nats.url is required when event_bus.kind is 'nats'")
	}
	if cfg.EventBus.Kind == "webhook" && cfg.EventBus.Webhook.URL == "" {
		return fmt.Errorf("event_bus.webhook.url is required when event_bus.kind is 'webhook'")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
