package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/core"
)

type Option func(*MemoryQueue)

func WithLogger(logger core.Logger) Option {
	return func(q *MemoryQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// MemoryQueue keeps ready jobs in a FIFO slice and parks delayed jobs on
// timers, so a job waiting out its backoff never holds a worker.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []core.WebhookJob
	delayed  map[string]*time.Timer
	inFlight int
	closed   bool

	notify chan struct{}
	done   chan struct{}
	logger core.Logger
	now    func() time.Time
}

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	q := &MemoryQueue{
		delayed: map[string]*time.Timer{},
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = glog.Ensure(q.logger)
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job core.WebhookJob, opts core.EnqueueOptions) (core.JobHandle, error) {
	if err := job.Validate(); err != nil {
		return core.JobHandle{}, err
	}
	opts = core.NormalizeEnqueueOptions(opts)
	job = prepareJob(job, opts, q.now().UTC())

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return core.JobHandle{}, core.ErrQueueClosed
	}
	if opts.Delay > 0 {
		q.scheduleLocked(job, opts.Delay)
	} else {
		q.pushLocked(job)
	}
	q.logger.Debug("webhook job enqueued", core.FlattenFields(withDelay(job.LogFields(), opts.Delay))...)
	return core.JobHandle{
		ID:            job.ID,
		EventID:       job.EventID,
		CorrelationID: job.CorrelationID,
		EnqueuedAt:    job.EnqueuedAt,
	}, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready[0] = core.WebhookJob{}
			q.ready = q.ready[1:]
			job.Attempt++
			q.inFlight++
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return &memoryDelivery{queue: q, job: job}, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, core.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Close stops all pending timers and wakes blocked consumers. Jobs still
// waiting on a delay are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	close(q.done)
	return nil
}

type Stats struct {
	Ready    int
	Delayed  int
	InFlight int
}

func (q *MemoryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ready: len(q.ready), Delayed: len(q.delayed), InFlight: q.inFlight}
}

func (q *MemoryQueue) pushLocked(job core.WebhookJob) {
	q.ready = append(q.ready, job)
	q.signal()
}

func (q *MemoryQueue) scheduleLocked(job core.WebhookJob, delay time.Duration) {
	key := fmt.Sprintf("%s#%d", job.ID, job.Attempt)
	q.delayed[key] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[key]; !ok || q.closed {
			return
		}
		delete(q.delayed, key)
		q.pushLocked(job)
	})
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) settle(job core.WebhookJob, retryDelay time.Duration, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if !retry {
		return nil
	}
	if q.closed {
		return core.ErrQueueClosed
	}
	if retryDelay > 0 {
		q.scheduleLocked(job, retryDelay)
	} else {
		q.pushLocked(job)
	}
	return nil
}

type memoryDelivery struct {
	queue   *MemoryQueue
	job     core.WebhookJob
	settled atomic.Bool
}

func (d *memoryDelivery) Job() core.WebhookJob {
	return d.job
}

func (d *memoryDelivery) Ack(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return core.ErrDeliveryAlreadySettled
	}
	return d.queue.settle(d.job, 0, false)
}

func (d *memoryDelivery) Retry(_ context.Context, reason string) (time.Duration, error) {
	if !d.settled.CompareAndSwap(false, true) {
		return 0, core.ErrDeliveryAlreadySettled
	}
	delay := d.job.Backoff.NextDelay(d.job.Attempt)
	fields := withDelay(d.job.LogFields(), delay)
	if reason = strings.TrimSpace(reason); reason != "" {
		fields["reason"] = reason
	}
	d.queue.logger.Debug("webhook job scheduled for retry", core.FlattenFields(fields)...)
	return delay, d.queue.settle(d.job, delay, true)
}

// prepareJob stamps identifiers and the attempt budget onto a job entering a
// queue. Attempt stays at the number of deliveries already made.
func prepareJob(job core.WebhookJob, opts core.EnqueueOptions, now time.Time) core.WebhookJob {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = opts.Attempts
	}
	if job.Backoff.IsZero() {
		job.Backoff = opts.Backoff
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.Attempt < 0 {
		job.Attempt = 0
	}
	job.Payload = append([]byte(nil), job.Payload...)
	return job
}

// PrepareJob is exported for durable backends that share the same stamping rules.
func PrepareJob(job core.WebhookJob, opts core.EnqueueOptions, now time.Time) core.WebhookJob {
	return prepareJob(job, core.NormalizeEnqueueOptions(opts), now)
}

func withDelay(fields map[string]any, delay time.Duration) map[string]any {
	if delay > 0 {
		fields["delay_ms"] = delay.Milliseconds()
	}
	return fields
}

var _ core.JobQueue = (*MemoryQueue)(nil)
