package relay

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/worker"
)

// Closer is implemented by queues that hold connections or goroutines.
type Closer interface {
	Close() error
}

type dependencies struct {
	queue          core.JobQueue
	idempotency    core.IdempotencyStore
	cache          repositorycache.CacheService
	deadLetters    core.DeadLetterRepository
	secrets        core.SecretProvider
	audit          core.AuditSink
	verifier       core.SignatureVerifier
	identifier     core.EventIdentifier
	logger         glog.Logger
	loggerProvider glog.LoggerProvider
	metrics        core.MetricsRecorder
	reclaim        func(ctx context.Context) (int, error)
	hooks          []worker.Hook
}

type Option func(*dependencies)

// WithQueue replaces the in-memory queue. The runtime closes it on Close
// when it implements Closer.
func WithQueue(queue core.JobQueue) Option {
	return func(d *dependencies) {
		d.queue = queue
	}
}

func WithIdempotencyStore(store core.IdempotencyStore) Option {
	return func(d *dependencies) {
		d.idempotency = store
	}
}

// WithIdempotencyCache puts a read-through cache in front of the idempotency
// store.
func WithIdempotencyCache(cache repositorycache.CacheService) Option {
	return func(d *dependencies) {
		d.cache = cache
	}
}

func WithDeadLetterRepository(repo core.DeadLetterRepository) Option {
	return func(d *dependencies) {
		d.deadLetters = repo
	}
}

// WithSecretProvider sets the key provider sealing dead letter payloads. It
// is required.
func WithSecretProvider(secrets core.SecretProvider) Option {
	return func(d *dependencies) {
		d.secrets = secrets
	}
}

func WithAuditSink(sink core.AuditSink) Option {
	return func(d *dependencies) {
		d.audit = sink
	}
}

func WithSignatureVerifier(verifier core.SignatureVerifier) Option {
	return func(d *dependencies) {
		d.verifier = verifier
	}
}

func WithEventIdentifier(identifier core.EventIdentifier) Option {
	return func(d *dependencies) {
		d.identifier = identifier
	}
}

func WithLogger(logger glog.Logger) Option {
	return func(d *dependencies) {
		d.logger = logger
	}
}

func WithLoggerProvider(provider glog.LoggerProvider) Option {
	return func(d *dependencies) {
		d.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(d *dependencies) {
		d.metrics = metrics
	}
}

// WithLeaseReclaimer schedules reclaim on the maintenance reclaim schedule.
// Durable queues pass their lease recovery here.
func WithLeaseReclaimer(reclaim func(ctx context.Context) (int, error)) Option {
	return func(d *dependencies) {
		d.reclaim = reclaim
	}
}

func WithWorkerHooks(hooks ...worker.Hook) Option {
	return func(d *dependencies) {
		d.hooks = append(d.hooks, hooks...)
	}
}
