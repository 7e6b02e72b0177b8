package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	relay "github.com/goliatone/go-webhook-relay"
	"github.com/goliatone/go-webhook-relay/audit"
	"github.com/goliatone/go-webhook-relay/core"
	relaymigrations "github.com/goliatone/go-webhook-relay/migrations"
	"github.com/goliatone/go-webhook-relay/queue/redisqueue"
	sqlstore "github.com/goliatone/go-webhook-relay/store/sql"
)

// backend holds the runtime options for the configured queue backend and
// the connections to release on shutdown.
type backend struct {
	options []relay.Option
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg core.Config, loggers glog.LoggerProvider) (*backend, error) {
	b := &backend{}
	backendName := strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if backendName == "" || backendName == core.QueueBackendMemory {
		if cfg.Idempotency.CacheTTL > 0 {
			cacheConfig := repositorycache.DefaultConfig()
			cacheConfig.TTL = cfg.Idempotency.CacheTTL
			cacheService, err := repositorycache.NewCacheService(cacheConfig)
			if err != nil {
				return nil, fmt.Errorf("idempotency cache: %w", err)
			}
			b.options = append(b.options, relay.WithIdempotencyCache(cacheService))
		}
		return b, nil
	}
	// a process-local cache in front of the shared store would serve stale
	// terminal records after another instance resets an event for reprocess
	if cfg.Idempotency.CacheTTL > 0 {
		loggers.GetLogger("relay.idempotency").Warn("idempotency cache ignored for shared store",
			"backend", backendName, "cache_ttl", cfg.Idempotency.CacheTTL.String())
	}

	client, err := openPersistence(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, client.Close)

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client,
		sqlstore.WithJobLease(cfg.Queue.Lease),
		sqlstore.WithJobPollInterval(cfg.Worker.PollInterval),
		sqlstore.WithJobLogger(loggers.GetLogger("relay.queue")),
	)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.options = append(b.options,
		relay.WithIdempotencyStore(factory.IdempotencyStore()),
		relay.WithDeadLetterRepository(factory.DeadLetterStore()),
		relay.WithAuditSink(audit.NewMultiSink(
			factory.AuditStore(),
			audit.NewLoggerSink(loggers.GetLogger("relay.audit")),
		)),
	)

	switch backendName {
	case core.QueueBackendSQL:
		jobs := factory.JobQueueStore()
		b.options = append(b.options,
			relay.WithQueue(jobs),
			relay.WithLeaseReclaimer(jobs.ReclaimExpired),
		)
	case core.QueueBackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		b.closers = append(b.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Queue.Redis.Addr, err)
		}
		jobs, err := redisqueue.New(redisClient,
			redisqueue.WithPrefix(cfg.Queue.Redis.Prefix),
			redisqueue.WithPollInterval(cfg.Worker.PollInterval),
			redisqueue.WithLogger(loggers.GetLogger("relay.queue")),
		)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		lease := cfg.Queue.Lease
		b.options = append(b.options,
			relay.WithQueue(jobs),
			relay.WithLeaseReclaimer(func(ctx context.Context) (int, error) {
				return jobs.ReclaimStuck(ctx, lease)
			}),
		)
	}
	return b, nil
}

type persistenceConfig struct {
	driver string
	dsn    string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.dsn }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-webhook-relay" }

// openPersistence connects, registers the embedded migrations for the
// driver's dialect and migrates.
func openPersistence(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver, migrationsName, err := relaymigrations.DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	var dialect schema.Dialect = pgdialect.New()
	if migrationsName == relaymigrations.DialectSQLite {
		dialect = sqlitedialect.New()
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, dsn: cfg.DSN, debug: cfg.Debug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: %w", err)
	}
	_, err = relaymigrations.Register(ctx, func(_ context.Context, name string, _ string, fsys fs.FS) error {
		if name == migrationsName {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, relaymigrations.WithValidationTargets(migrationsName))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("database: register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("database: migrate: %w", err)
	}
	return client, nil
}
