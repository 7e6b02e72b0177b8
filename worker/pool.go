package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-webhook-relay/core"
)

const (
	DefaultConcurrency  = 5
	defaultErrorBackoff = time.Second
)

var (
	ErrPoolRunning    = errors.New("worker: pool already running")
	ErrPoolNotRunning = errors.New("worker: pool is not running")
)

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithRateLimit caps how many jobs per second all workers combined hand to
// the business handler. A non-positive rate disables the limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = max(1, int(perSecond))
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithHandlerTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout >= 0 {
			p.handlerTimeout = timeout
		}
	}
}

// WithErrorBackoff sets how long a worker pauses after Dequeue fails with
// anything other than a closed queue or a cancelled context.
func WithErrorBackoff(wait time.Duration) Option {
	return func(p *Pool) {
		if wait > 0 {
			p.errorBackoff = wait
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(p *Pool) {
		if observer != nil {
			p.observer = observer
		}
	}
}

func WithAuditSink(sink core.AuditSink) Option {
	return func(p *Pool) {
		p.audit = sink
	}
}

func WithHooks(hooks ...Hook) Option {
	return func(p *Pool) {
		for _, hook := range hooks {
			if hook != nil {
				p.hooks = append(p.hooks, hook)
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

type Stats struct {
	Processed    int64
	Skipped      int64
	Retried      int64
	DeadLettered int64
	InFlight     int64
}

// Pool runs a fixed set of workers against a queue. Backoff waits belong to
// the queue: a retryable failure schedules the next attempt through
// JobDelivery.Retry and the worker moves on.
type Pool struct {
	queue       core.JobDequeuer
	handler     core.BusinessHandler
	idempotency core.IdempotencyStore
	deadLetters core.DeadLetterStore
	audit       core.AuditSink
	observer    *core.Observer
	hooks       hookChain
	limiter     *rate.Limiter

	concurrency    int
	handlerTimeout time.Duration
	errorBackoff   time.Duration
	now            func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed    atomic.Int64
	skipped      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	inFlight     atomic.Int64
}

func NewPool(
	queue core.JobDequeuer,
	handler core.BusinessHandler,
	idempotency core.IdempotencyStore,
	deadLetters core.DeadLetterStore,
	opts ...Option,
) (*Pool, error) {
	switch {
	case queue == nil:
		return nil, fmt.Errorf("worker: queue is required")
	case handler == nil:
		return nil, fmt.Errorf("worker: business handler is required")
	case idempotency == nil:
		return nil, fmt.Errorf("worker: idempotency store is required")
	case deadLetters == nil:
		return nil, fmt.Errorf("worker: dead letter store is required")
	}
	pool := &Pool{
		queue:          queue,
		handler:        handler,
		idempotency:    idempotency,
		deadLetters:    deadLetters,
		observer:       core.NewObserver(glog.Nop(), nil),
		concurrency:    DefaultConcurrency,
		handlerTimeout: 30 * time.Second,
		errorBackoff:   defaultErrorBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pool)
		}
	}
	return pool, nil
}

// Start launches the workers and returns immediately. Workers stop pulling
// new jobs when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPoolRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(runCtx, i)
	}
	p.observer.Log(ctx, "info", "worker pool started", map[string]any{
		"concurrency":        p.concurrency,
		"handler_timeout_ms": p.handlerTimeout.Milliseconds(),
	})
	return nil
}

// Stop stops dequeuing and waits for in-flight jobs to settle, or for ctx to
// expire, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.observer.Log(ctx, "info", "worker pool stopped", map[string]any{"in_flight": p.inFlight.Load()})
		return nil
	case <-ctx.Done():
		p.observer.Log(ctx, "warn", "worker pool stop timed out", map[string]any{"in_flight": p.inFlight.Load()})
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Skipped:      p.skipped.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		InFlight:     p.inFlight.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, idx int) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}
		delivery, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, core.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			p.observer.Log(ctx, "error", "dequeue failed", map[string]any{
				"worker": idx,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorBackoff):
			}
			continue
		}
		// a job already pulled finishes even when the pool is stopping
		p.Process(context.WithoutCancel(ctx), delivery)
	}
}

// Process runs one delivery to completion and settles it. It is exported so
// callers that own their own consumption loop can reuse the pipeline.
func (p *Pool) Process(ctx context.Context, delivery core.JobDelivery) {
	if delivery == nil {
		return
	}
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	job := delivery.Job()
	ctx = core.ContextWithCorrelationID(ctx, job.CorrelationID)
	startedAt := p.now()
	event := Event{Job: job, Attempt: job.Attempt, StartedAt: startedAt}
	fields := job.LogFields()
	p.hooks.start(ctx, event)

	skip, err := p.claim(ctx, job)
	if err == nil && skip {
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			p.logSettleError(ctx, "ack", job, ackErr)
		}
		p.skipped.Add(1)
		fields["status"] = "skipped"
		p.observer.ObserveOperation(ctx, startedAt, "webhook_process", nil, fields)
		return
	}
	if err == nil {
		err = p.invoke(ctx, job)
	}
	event.Err = err

	switch {
	case err == nil:
		p.succeed(ctx, delivery, job)
		event.Duration = p.now().Sub(startedAt)
		p.hooks.success(ctx, event)
		p.processed.Add(1)
		fields["status"] = "processed"
	case core.IsRetryable(err) && !job.LastAttempt():
		delay, retryErr := delivery.Retry(ctx, errorMessage(err))
		if retryErr != nil {
			p.logSettleError(ctx, "retry", job, retryErr)
		} else {
			p.hold(ctx, job, p.now().Add(delay))
		}
		event.Delay = delay
		event.Duration = p.now().Sub(startedAt)
		p.hooks.retry(ctx, event)
		p.retried.Add(1)
		fields["status"] = "retry"
		fields["delay_ms"] = delay.Milliseconds()
	default:
		id, dlqErr := p.deadLetter(ctx, delivery, job, err)
		event.Duration = p.now().Sub(startedAt)
		if dlqErr != nil {
			// the job was handed back to the queue; it is not lost
			p.hooks.retry(ctx, event)
			fields["status"] = "dead_letter_failed"
			err = errors.Join(err, dlqErr)
			break
		}
		event.DeadLetterID = id
		p.hooks.failure(ctx, event)
		p.deadLettered.Add(1)
		fields["status"] = "dead_lettered"
		fields["dead_letter_id"] = id
	}
	p.observer.ObserveOperation(ctx, startedAt, "webhook_process", err, fields)
}

// claim reports whether the job can be skipped because its event already
// reached a terminal state. A missing record is created so that the
// processed transition has something to move.
func (p *Pool) claim(ctx context.Context, job core.WebhookJob) (bool, error) {
	record, err := p.idempotency.CheckProcessed(ctx, job.EventID, job.Provider)
	switch {
	case err == nil:
		if record.Status.Terminal() {
			return true, nil
		}
		p.hold(ctx, job, p.now())
		return false, nil
	case errors.Is(err, core.ErrIdempotencyNotFound):
		if _, _, err := p.idempotency.MarkProcessing(ctx, job.EventID, job.Provider, job.CorrelationID); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, err
	}
}

// hold moves the pending record's lease reference to until, so an ingest
// redelivery does not treat an event that is running or waiting on its
// backoff as abandoned.
func (p *Pool) hold(ctx context.Context, job core.WebhookJob, until time.Time) {
	toucher, ok := p.idempotency.(core.StaleTouchStore)
	if !ok {
		return
	}
	if err := toucher.TouchPending(ctx, job.EventID, job.Provider, until); err != nil {
		fields := job.LogFields()
		fields["error"] = err.Error()
		p.observer.Log(ctx, "warn", "refresh pending lease failed", fields)
	}
}

func (p *Pool) invoke(ctx context.Context, job core.WebhookJob) (err error) {
	handlerCtx := ctx
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			fields := job.LogFields()
			fields["panic"] = fmt.Sprint(recovered)
			fields["stack"] = string(debug.Stack())
			p.observer.Log(ctx, "error", "business handler panicked", fields)
			err = core.TransientProcessingError(fmt.Errorf("panic: %v", recovered), "business handler panicked")
		}
	}()
	return p.handler.Handle(handlerCtx, job.Provider, job.Payload, job.CorrelationID)
}

func (p *Pool) succeed(ctx context.Context, delivery core.JobDelivery, job core.WebhookJob) {
	if _, err := p.idempotency.MarkProcessed(ctx, job.EventID, job.Provider); err != nil {
		// the handler already ran; the record stays pending
		fields := job.LogFields()
		fields["error"] = err.Error()
		p.observer.Log(ctx, "error", "mark processed failed", fields)
	}
	if err := delivery.Ack(ctx); err != nil {
		p.logSettleError(ctx, "ack", job, err)
	}
	p.record(ctx, core.AuditEvent{
		Type:          core.AuditWebhookProcessed,
		EventID:       job.EventID,
		Provider:      job.Provider,
		CorrelationID: job.CorrelationID,
		Status:        string(core.IdempotencyStatusProcessed),
		Attempt:       job.Attempt,
		Metadata:      map[string]any{"job_id": job.ID},
	})
}

// deadLetter persists the payload, marks the event failed and acks. When the
// dead letter store is unavailable the delivery is retried instead so the
// payload survives.
func (p *Pool) deadLetter(ctx context.Context, delivery core.JobDelivery, job core.WebhookJob, cause error) (string, error) {
	message := errorMessage(cause)
	id, err := p.deadLetters.Store(ctx, core.StoreDeadLetterInput{
		EventID:       job.EventID,
		Provider:      job.Provider,
		CorrelationID: job.CorrelationID,
		Payload:       job.Payload,
		ErrorMessage:  message,
		RetryCount:    job.Attempt,
		FailedAt:      p.now().UTC(),
	})
	if err != nil {
		if _, retryErr := delivery.Retry(ctx, "dead letter store unavailable"); retryErr != nil {
			p.logSettleError(ctx, "retry", job, retryErr)
		}
		return "", err
	}
	if _, markErr := p.idempotency.MarkFailed(ctx, job.EventID, job.Provider, message); markErr != nil {
		fields := job.LogFields()
		fields["error"] = markErr.Error()
		fields["dead_letter_id"] = id
		p.observer.Log(ctx, "error", "mark failed failed", fields)
	}
	if ackErr := delivery.Ack(ctx); ackErr != nil {
		p.logSettleError(ctx, "ack", job, ackErr)
	}
	p.record(ctx, core.AuditEvent{
		Type:          core.AuditWebhookFailed,
		EventID:       job.EventID,
		Provider:      job.Provider,
		CorrelationID: job.CorrelationID,
		Status:        string(core.IdempotencyStatusFailed),
		Attempt:       job.Attempt,
		Metadata: map[string]any{
			"job_id":         job.ID,
			"dead_letter_id": id,
			"fatal":          core.IsFatal(cause),
			"error_code":     core.TextCode(cause),
		},
	})
	return id, nil
}

func (p *Pool) record(ctx context.Context, event core.AuditEvent) {
	if p.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	if err := p.audit.Record(ctx, event); err != nil {
		p.observer.Log(ctx, "error", "audit record failed", map[string]any{
			"audit_type": string(event.Type),
			"event_id":   event.EventID,
			"error":      err.Error(),
		})
	}
}

func (p *Pool) logSettleError(ctx context.Context, op string, job core.WebhookJob, err error) {
	fields := job.LogFields()
	fields["operation"] = op
	fields["error"] = err.Error()
	p.observer.Log(ctx, "error", "delivery settle failed", fields)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
