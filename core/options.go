package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed map, typically decoded from a file or
// built from environment variables by the caller.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves defaults < loaded < runtime into a validated Config.
func LoadConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)

	worker := map[string]any{}
	putInt(worker, "concurrency", cfg.Worker.Concurrency, includeZero)
	putDuration(worker, "poll_interval", cfg.Worker.PollInterval, includeZero)
	putDuration(worker, "handler_timeout", cfg.Worker.HandlerTimeout, includeZero)
	putInt(worker, "burst", cfg.Worker.Burst, includeZero)
	if includeZero || cfg.Worker.RatePerSecond != 0 {
		worker["rate_per_second"] = cfg.Worker.RatePerSecond
	}
	putSection(layer, "worker", worker)

	queue := map[string]any{}
	putString(queue, "backend", cfg.Queue.Backend, includeZero)
	putInt(queue, "max_attempts", cfg.Queue.MaxAttempts, includeZero)
	putDuration(queue, "lease", cfg.Queue.Lease, includeZero)
	if includeZero || !cfg.Queue.Backoff.IsZero() {
		queue["backoff"] = map[string]any{
			"mode":     cfg.Queue.Backoff.Mode,
			"base":     cfg.Queue.Backoff.Base,
			"max":      cfg.Queue.Backoff.Max,
			"schedule": append([]time.Duration(nil), cfg.Queue.Backoff.Schedule...),
		}
	}
	redis := map[string]any{}
	putString(redis, "addr", cfg.Queue.Redis.Addr, includeZero)
	putString(redis, "password", cfg.Queue.Redis.Password, includeZero)
	putInt(redis, "db", cfg.Queue.Redis.DB, includeZero)
	putString(redis, "prefix", cfg.Queue.Redis.Prefix, includeZero)
	putSection(queue, "redis", redis)
	putSection(layer, "queue", queue)

	idempotency := map[string]any{}
	putString(idempotency, "failure_policy", cfg.Idempotency.FailurePolicy, includeZero)
	putDuration(idempotency, "cache_ttl", cfg.Idempotency.CacheTTL, includeZero)
	putSection(layer, "idempotency", idempotency)

	deadLetter := map[string]any{}
	putDuration(deadLetter, "retention", cfg.DeadLetter.Retention, includeZero)
	putString(deadLetter, "key_id", cfg.DeadLetter.KeyID, includeZero)
	putSection(layer, "dead_letter", deadLetter)

	database := map[string]any{}
	putString(database, "driver", cfg.Database.Driver, includeZero)
	putString(database, "dsn", cfg.Database.DSN, includeZero)
	if includeZero || cfg.Database.Debug {
		database["debug"] = cfg.Database.Debug
	}
	putSection(layer, "database", database)

	httpLayer := map[string]any{}
	putString(httpLayer, "addr", cfg.HTTP.Addr, includeZero)
	putString(httpLayer, "verify_token", cfg.HTTP.VerifyToken, includeZero)
	putInt(httpLayer, "body_limit", cfg.HTTP.BodyLimit, includeZero)
	putInt(httpLayer, "requests_per_minute", cfg.HTTP.RequestsPerMinute, includeZero)
	putSection(layer, "http", httpLayer)

	if includeZero || len(cfg.Providers) > 0 {
		providers := make(map[string]any, len(cfg.Providers))
		for name, provider := range cfg.Providers {
			providers[name] = map[string]any{"secret": provider.Secret}
		}
		layer["providers"] = providers
	}

	maintenance := map[string]any{}
	putString(maintenance, "retention_schedule", cfg.Maintenance.RetentionSchedule, includeZero)
	putString(maintenance, "reclaim_schedule", cfg.Maintenance.ReclaimSchedule, includeZero)
	putSection(layer, "maintenance", maintenance)
	return layer
}

func putString(target map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func putInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func putDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func putSection(target map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		target[key] = section
	}
}
