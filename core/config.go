package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	FailurePolicyFailOpen   = "fail_open"
	FailurePolicyFailClosed = "fail_closed"

	QueueBackendMemory = "memory"
	QueueBackendSQL    = "sql"
	QueueBackendRedis  = "redis"
)

type WorkerConfig struct {
	Concurrency    int           `koanf:"concurrency" mapstructure:"concurrency"`
	PollInterval   time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	RatePerSecond  float64       `koanf:"rate_per_second" mapstructure:"rate_per_second"`
	Burst          int           `koanf:"burst" mapstructure:"burst"`
	HandlerTimeout time.Duration `koanf:"handler_timeout" mapstructure:"handler_timeout"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" mapstructure:"addr"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
	Prefix   string `koanf:"prefix" mapstructure:"prefix"`
}

type QueueConfig struct {
	Backend     string        `koanf:"backend" mapstructure:"backend"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	Backoff     BackoffSpec   `koanf:"backoff" mapstructure:"backoff"`
	Lease       time.Duration `koanf:"lease" mapstructure:"lease"`
	Redis       RedisConfig   `koanf:"redis" mapstructure:"redis"`
}

type IdempotencyConfig struct {
	FailurePolicy string        `koanf:"failure_policy" mapstructure:"failure_policy"`
	CacheTTL      time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type DeadLetterConfig struct {
	Retention time.Duration `koanf:"retention" mapstructure:"retention"`
	KeyID     string        `koanf:"key_id" mapstructure:"key_id"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

// HTTPConfig configures the ingestion server. RequestsPerMinute caps
// deliveries per client IP; zero disables the limiter.
type HTTPConfig struct {
	Addr              string `koanf:"addr" mapstructure:"addr"`
	VerifyToken       string `koanf:"verify_token" mapstructure:"verify_token"`
	BodyLimit         int    `koanf:"body_limit" mapstructure:"body_limit"`
	RequestsPerMinute int    `koanf:"requests_per_minute" mapstructure:"requests_per_minute"`
}

type ProviderConfig struct {
	Secret string `koanf:"secret" mapstructure:"secret"`
}

type MaintenanceConfig struct {
	RetentionSchedule string `koanf:"retention_schedule" mapstructure:"retention_schedule"`
	ReclaimSchedule   string `koanf:"reclaim_schedule" mapstructure:"reclaim_schedule"`
}

type Config struct {
	ServiceName string                    `koanf:"service_name" mapstructure:"service_name"`
	Worker      WorkerConfig              `koanf:"worker" mapstructure:"worker"`
	Queue       QueueConfig               `koanf:"queue" mapstructure:"queue"`
	Idempotency IdempotencyConfig         `koanf:"idempotency" mapstructure:"idempotency"`
	DeadLetter  DeadLetterConfig          `koanf:"dead_letter" mapstructure:"dead_letter"`
	Database    DatabaseConfig            `koanf:"database" mapstructure:"database"`
	HTTP        HTTPConfig                `koanf:"http" mapstructure:"http"`
	Providers   map[string]ProviderConfig `koanf:"providers" mapstructure:"providers"`
	Maintenance MaintenanceConfig         `koanf:"maintenance" mapstructure:"maintenance"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "webhook-relay",
		Worker: WorkerConfig{
			Concurrency:    5,
			PollInterval:   time.Second,
			HandlerTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Backend:     QueueBackendMemory,
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     DefaultBackoffSpec(),
			Lease:       5 * time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "relay",
			},
		},
		Idempotency: IdempotencyConfig{
			FailurePolicy: FailurePolicyFailClosed,
			CacheTTL:      10 * time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			Retention: 30 * 24 * time.Hour,
			KeyID:     "relay-dlq",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "file:relay.db?cache=shared&_foreign_keys=on",
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			BodyLimit: 1 << 20,
		},
		Providers: map[string]ProviderConfig{},
		Maintenance: MaintenanceConfig{
			RetentionSchedule: "@daily",
			ReclaimSchedule:   "@every 1m",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("core: worker.concurrency must be non-negative")
	}
	if c.Worker.RatePerSecond < 0 {
		return fmt.Errorf("core: worker.rate_per_second must be non-negative")
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("core: queue.max_attempts must be non-negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Queue.Backend)) {
	case "", QueueBackendMemory, QueueBackendSQL, QueueBackendRedis:
	default:
		return fmt.Errorf("core: unsupported queue.backend %q", c.Queue.Backend)
	}
	if !c.Queue.Backoff.IsZero() {
		if err := c.Queue.Backoff.Validate(); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Idempotency.FailurePolicy)) {
	case "", FailurePolicyFailOpen, FailurePolicyFailClosed:
	default:
		return fmt.Errorf("core: unsupported idempotency.failure_policy %q", c.Idempotency.FailurePolicy)
	}
	for name := range c.Providers {
		if _, err := ParseProvider(name); err != nil {
			return fmt.Errorf("core: providers.%s: %w", name, err)
		}
	}
	return nil
}

// FailOpen reports whether ingestion enqueues when the idempotency store is
// unavailable.
func (c IdempotencyConfig) FailOpen() bool {
	return strings.EqualFold(strings.TrimSpace(c.FailurePolicy), FailurePolicyFailOpen)
}

// EnqueueOptions derives per job queue options from the queue config.
func (c QueueConfig) EnqueueOptions() EnqueueOptions {
	return NormalizeEnqueueOptions(EnqueueOptions{
		Attempts: c.MaxAttempts,
		Backoff:  c.Backoff,
	})
}

// ProviderSecrets returns the configured signing secret per provider.
func (c Config) ProviderSecrets() map[Provider][]byte {
	out := make(map[Provider][]byte, len(c.Providers))
	for name, provider := range c.Providers {
		parsed, err := ParseProvider(name)
		if err != nil || strings.TrimSpace(provider.Secret) == "" {
			continue
		}
		out[parsed] = []byte(provider.Secret)
	}
	return out
}
