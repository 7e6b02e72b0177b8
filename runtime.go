package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/adapters/gologger"
	"github.com/goliatone/go-webhook-relay/audit"
	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/deadletter"
	"github.com/goliatone/go-webhook-relay/idempotency"
	"github.com/goliatone/go-webhook-relay/inbound"
	"github.com/goliatone/go-webhook-relay/maintenance"
	"github.com/goliatone/go-webhook-relay/queue"
	"github.com/goliatone/go-webhook-relay/webhooks"
	"github.com/goliatone/go-webhook-relay/worker"
)

// Runtime is one assembled relay: the ingestion path, the worker pool, the
// dead letter service and the maintenance schedule over shared stores.
type Runtime struct {
	cfg    Config
	logger glog.Logger

	queue       core.JobQueue
	idempotency core.IdempotencyStore
	ingestor    *webhooks.Ingestor
	pool        *worker.Pool
	deadLetters *deadletter.Service
	facade      *Facade
	scheduler   *maintenance.Scheduler
	http        *inbound.Handler

	mu      sync.Mutex
	started bool
}

// New validates cfg and wires a Runtime around handler. Collaborators not
// supplied through opts fall back to in-memory implementations, except the
// secret provider which is required.
func New(cfg Config, handler BusinessHandler, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("relay: business handler is required")
	}
	deps := dependencies{}
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}
	if deps.secrets == nil {
		return nil, fmt.Errorf("relay: %w", core.ErrMissingEncryptionKey)
	}

	provider, logger := gologger.Resolve(deps.loggerProvider, deps.logger)
	observer := func(component string) *core.Observer {
		return core.NewObserver(gologger.Component(provider, logger, component), deps.metrics)
	}

	if deps.queue == nil {
		deps.queue = queue.NewMemoryQueue(queue.WithLogger(gologger.Component(provider, logger, "queue")))
	}
	if deps.idempotency == nil {
		deps.idempotency = idempotency.NewMemoryStore()
	}
	if deps.cache != nil {
		cached, err := idempotency.NewCachedStore(deps.idempotency, deps.cache)
		if err != nil {
			return nil, err
		}
		deps.idempotency = cached
	}
	if deps.deadLetters == nil {
		deps.deadLetters = deadletter.NewMemoryRepository()
	}
	if deps.audit == nil {
		deps.audit = audit.NewLoggerSink(gologger.Component(provider, logger, "audit"))
	}
	if deps.verifier == nil {
		deps.verifier = webhooks.NewHeaderHMACVerifier(cfg.ProviderSecrets())
	}
	enqueueOpts := cfg.Queue.EnqueueOptions()

	deadLetters, err := deadletter.NewService(deps.deadLetters, deps.secrets,
		deadletter.WithIdempotencyStore(deps.idempotency),
		deadletter.WithEnqueuer(deps.queue),
		deadletter.WithAuditSink(deps.audit),
		deadletter.WithObserver(observer("dead_letters")),
		deadletter.WithEnqueueOptions(enqueueOpts),
	)
	if err != nil {
		return nil, err
	}

	ingestOpts := []webhooks.IngestorOption{
		webhooks.WithAuditSink(deps.audit),
		webhooks.WithObserver(observer("ingest")),
		webhooks.WithEnqueueOptions(enqueueOpts),
		webhooks.WithFailOpen(cfg.Idempotency.FailOpen()),
		webhooks.WithStaleAfter(cfg.Queue.Lease),
	}
	if deps.identifier != nil {
		ingestOpts = append(ingestOpts, webhooks.WithIdentifier(deps.identifier))
	}
	ingestor, err := webhooks.NewIngestor(deps.verifier, deps.idempotency, deps.queue, ingestOpts...)
	if err != nil {
		return nil, err
	}

	pool, err := worker.NewPool(deps.queue, handler, deps.idempotency, deadLetters,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithRateLimit(cfg.Worker.RatePerSecond, cfg.Worker.Burst),
		worker.WithHandlerTimeout(cfg.Worker.HandlerTimeout),
		worker.WithErrorBackoff(cfg.Worker.PollInterval),
		worker.WithObserver(observer("worker")),
		worker.WithAuditSink(deps.audit),
		worker.WithHooks(deps.hooks...),
	)
	if err != nil {
		return nil, err
	}

	facade, err := NewFacade(deadLetters)
	if err != nil {
		return nil, err
	}

	scheduler := maintenance.NewScheduler(maintenance.WithObserver(observer("maintenance")))
	if cfg.DeadLetter.Retention > 0 {
		if err := scheduler.Add(maintenance.RetentionTask(deadLetters, cfg.DeadLetter.Retention, cfg.Maintenance.RetentionSchedule)); err != nil {
			return nil, err
		}
	}
	if deps.reclaim != nil {
		if err := scheduler.Add(maintenance.ReclaimTask(deps.reclaim, cfg.Maintenance.ReclaimSchedule)); err != nil {
			return nil, err
		}
	}

	httpHandler, err := inbound.NewHandler(ingestor,
		inbound.WithVerifyToken(cfg.HTTP.VerifyToken),
		inbound.WithLogger(gologger.Component(provider, logger, "http")),
	)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:         cfg,
		logger:      gologger.Component(provider, logger, "runtime"),
		queue:       deps.queue,
		idempotency: deps.idempotency,
		ingestor:    ingestor,
		pool:        pool,
		deadLetters: deadLetters,
		facade:      facade,
		scheduler:   scheduler,
		http:        httpHandler,
	}, nil
}

// Start launches the workers and the maintenance schedule.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("relay: runtime already started")
	}
	if err := r.pool.Start(ctx); err != nil {
		return err
	}
	if err := r.scheduler.Start(ctx); err != nil {
		_ = r.pool.Stop(ctx)
		return err
	}
	r.started = true
	r.logger.Info("relay runtime started",
		"service", r.cfg.ServiceName,
		"concurrency", r.cfg.Worker.Concurrency,
		"queue_backend", r.cfg.Queue.Backend,
	)
	return nil
}

// Close stops the schedule and drains the workers, then closes the queue.
// In-flight jobs finish or ctx expires, whichever comes first.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	var errs []error
	if started {
		if err := r.scheduler.Stop(ctx); err != nil && !errors.Is(err, maintenance.ErrSchedulerNotRunning) {
			errs = append(errs, err)
		}
		if err := r.pool.Stop(ctx); err != nil && !errors.Is(err, worker.ErrPoolNotRunning) {
			errs = append(errs, err)
		}
	}
	if closer, ok := r.queue.(Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("relay runtime stopped", "service", r.cfg.ServiceName)
	return errors.Join(errs...)
}

func (r *Runtime) Config() Config {
	return r.cfg
}

func (r *Runtime) Ingestor() *webhooks.Ingestor {
	return r.ingestor
}

func (r *Runtime) Pool() *worker.Pool {
	return r.pool
}

func (r *Runtime) DeadLetters() *deadletter.Service {
	return r.deadLetters
}

func (r *Runtime) Facade() *Facade {
	return r.facade
}

func (r *Runtime) Scheduler() *maintenance.Scheduler {
	return r.scheduler
}

func (r *Runtime) IdempotencyStore() core.IdempotencyStore {
	return r.idempotency
}

// HTTPHandler exposes the ingestion routes for mounting on an existing app.
func (r *Runtime) HTTPHandler() *inbound.Handler {
	return r.http
}

// NewHTTPApp builds a standalone fiber app for the ingestion routes.
func (r *Runtime) NewHTTPApp() *fiber.App {
	return inbound.NewApp(r.http, r.cfg.HTTP)
}
