// Package redisqueue implements core.JobQueue on Redis: a ready list, a
// delayed sorted set scored by due time and a processing list holding claimed
// job ids until they are acked or retried.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/queue"
)

const (
	DefaultPrefix       = "relay"
	DefaultPollInterval = time.Second
	promoteBatchSize    = 100
)

var errUndecodable = errors.New("redisqueue: undecodable job")

// promoteScript moves due members of the delayed set onto the ready list in
// one round trip so two consumers never promote the same id twice.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			q.prefix = trimmed
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(q *Queue) {
		if interval > 0 {
			q.pollInterval = interval
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

type Queue struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	logger       core.Logger
	now          func() time.Time
	closed       atomic.Bool
}

func New(client redis.UniversalClient, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisqueue: client is required")
	}
	q := &Queue{
		client:       client,
		prefix:       DefaultPrefix,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = glog.Ensure(q.logger)
	return q, nil
}

func (q *Queue) Enqueue(ctx context.Context, job core.WebhookJob, opts core.EnqueueOptions) (core.JobHandle, error) {
	if q.closed.Load() {
		return core.JobHandle{}, core.ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return core.JobHandle{}, err
	}
	opts = core.NormalizeEnqueueOptions(opts)
	now := q.now().UTC()
	job = queue.PrepareJob(job, opts, now)

	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return core.JobHandle{}, fmt.Errorf("redisqueue: encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: dueScore(now.Add(opts.Delay)), Member: job.ID})
	} else {
		pipe.LPush(ctx, q.readyKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.JobHandle{}, core.InfrastructureError(err, "enqueue webhook job", map[string]any{
			"event_id": job.EventID,
			"job_id":   job.ID,
		})
	}
	q.logger.Debug("webhook job enqueued", core.FlattenFields(job.LogFields())...)
	return core.JobHandle{
		ID:            job.ID,
		EventID:       job.EventID,
		CorrelationID: job.CorrelationID,
		EnqueuedAt:    job.EnqueuedAt,
	}, nil
}

func (q *Queue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if q.closed.Load() {
			return nil, core.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := q.PromoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("redis delayed promotion failed", "error", err)
		}

		id, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, core.InfrastructureError(err, "dequeue webhook job", nil)
		}

		job, err := q.claim(ctx, id)
		switch {
		case err == nil:
			return &delivery{queue: q, job: job}, nil
		case errors.Is(err, redis.Nil):
			// the record is gone, so the id was settled elsewhere
			q.logger.Warn("discarding redis job id without record", "job_id", id)
			_ = q.client.LRem(ctx, q.processingKey(), 1, id).Err()
		case errors.Is(err, errUndecodable):
			if poisonErr := q.poison(ctx, id); poisonErr != nil {
				return nil, poisonErr
			}
			q.logger.Error("moved undecodable redis job to poison list", "job_id", id, "error", err)
		default:
			// the id stays on the processing list; ReclaimStuck returns it
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, core.InfrastructureError(err, "claim webhook job", map[string]any{"job_id": id})
		}
	}
}

// PromoteDue moves every delayed job whose due time has passed onto the
// ready list and reports how many moved.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	moved := 0
	for {
		count, err := promoteScript.Run(ctx, q.client,
			[]string{q.delayedKey(), q.readyKey()},
			strconv.FormatInt(q.now().UTC().UnixMilli(), 10),
			promoteBatchSize,
		).Int()
		if err != nil {
			return moved, err
		}
		moved += count
		if count < promoteBatchSize {
			return moved, nil
		}
	}
}

// ReclaimStuck returns claimed jobs older than maxAge to the ready list. It
// recovers deliveries held by a consumer that died before settling them.
func (q *Queue) ReclaimStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, core.InfrastructureError(err, "list processing jobs", nil)
	}
	cutoff := q.now().UTC().Add(-maxAge)
	reclaimed := 0
	for _, id := range ids {
		record, err := q.load(ctx, id)
		switch {
		case errors.Is(err, redis.Nil):
			_ = q.client.LRem(ctx, q.processingKey(), 1, id).Err()
			continue
		case errors.Is(err, errUndecodable):
			if poisonErr := q.poison(ctx, id); poisonErr != nil {
				return reclaimed, poisonErr
			}
			continue
		case err != nil:
			return reclaimed, core.InfrastructureError(err, "load processing job", map[string]any{"job_id": id})
		}
		// a zero claim time means the consumer died between the pop and the claim
		if !record.ClaimedAt.IsZero() && record.ClaimedAt.After(cutoff) {
			continue
		}
		pipe := q.client.TxPipeline()
		removed := pipe.LRem(ctx, q.processingKey(), 1, id)
		pipe.RPush(ctx, q.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, core.InfrastructureError(err, "reclaim processing job", map[string]any{"job_id": id})
		}
		if removed.Val() > 0 {
			reclaimed++
			q.logger.Warn("reclaimed stuck webhook job", "job_id", id, "event_id", record.EventID)
		}
	}
	return reclaimed, nil
}

type Stats struct {
	Ready      int64
	Delayed    int64
	Processing int64
	Poison     int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.LLen(ctx, q.processingKey())
	poison := pipe.LLen(ctx, q.poisonKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), Processing: processing.Val(), Poison: poison.Val()}, nil
}

// Close stops handing out deliveries. The client is owned by the caller.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

func (q *Queue) claim(ctx context.Context, id string) (core.WebhookJob, error) {
	record, err := q.load(ctx, id)
	if err != nil {
		return core.WebhookJob{}, err
	}
	record.Attempt++
	record.ClaimedAt = q.now().UTC()
	data, err := json.Marshal(record)
	if err != nil {
		return core.WebhookJob{}, err
	}
	if err := q.client.Set(ctx, q.jobKey(id), data, 0).Err(); err != nil {
		return core.WebhookJob{}, err
	}
	return record.job(), nil
}

func (q *Queue) load(ctx context.Context, id string) (jobRecord, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return jobRecord{}, err
	}
	var record jobRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return jobRecord{}, fmt.Errorf("%w %s: %v", errUndecodable, id, err)
	}
	return record, nil
}

// poison parks an id whose record cannot be decoded. The record itself is
// kept under its job key for inspection.
func (q *Queue) poison(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, id)
	pipe.LPush(ctx, q.poisonKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.InfrastructureError(err, "park undecodable webhook job", map[string]any{"job_id": id})
	}
	return nil
}

func (q *Queue) ack(ctx context.Context, job core.WebhookJob) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return core.InfrastructureError(err, "ack webhook job", map[string]any{"job_id": job.ID})
	}
	return nil
}

func (q *Queue) retry(ctx context.Context, job core.WebhookJob, delay time.Duration) error {
	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("redisqueue: encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.LRem(ctx, q.processingKey(), 1, job.ID)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: dueScore(q.now().UTC().Add(delay)), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.InfrastructureError(err, "retry webhook job", map[string]any{"job_id": job.ID})
	}
	return nil
}

func (q *Queue) jobKey(id string) string { return q.prefix + ":jobs:" + id }
func (q *Queue) readyKey() string        { return q.prefix + ":ready" }
func (q *Queue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *Queue) processingKey() string   { return q.prefix + ":processing" }
func (q *Queue) poisonKey() string       { return q.prefix + ":poison" }

func dueScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}

type delivery struct {
	queue   *Queue
	job     core.WebhookJob
	settled atomic.Bool
}

func (d *delivery) Job() core.WebhookJob {
	return d.job
}

func (d *delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return core.ErrDeliveryAlreadySettled
	}
	return d.queue.ack(ctx, d.job)
}

func (d *delivery) Retry(ctx context.Context, reason string) (time.Duration, error) {
	if !d.settled.CompareAndSwap(false, true) {
		return 0, core.ErrDeliveryAlreadySettled
	}
	delay := d.job.Backoff.NextDelay(d.job.Attempt)
	fields := d.job.LogFields()
	fields["delay_ms"] = delay.Milliseconds()
	if reason = strings.TrimSpace(reason); reason != "" {
		fields["reason"] = reason
	}
	d.queue.logger.Debug("webhook job scheduled for retry", core.FlattenFields(fields)...)
	return delay, d.queue.retry(ctx, d.job, delay)
}

type jobRecord struct {
	ID            string           `json:"id"`
	EventID       string           `json:"event_id"`
	Provider      core.Provider    `json:"provider"`
	CorrelationID string           `json:"correlation_id"`
	Payload       []byte           `json:"payload"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
	Attempt       int              `json:"attempt"`
	MaxAttempts   int              `json:"max_attempts"`
	Backoff       core.BackoffSpec `json:"backoff"`
	ClaimedAt     time.Time        `json:"claimed_at,omitempty"`
}

func toRecord(job core.WebhookJob) jobRecord {
	return jobRecord{
		ID:            job.ID,
		EventID:       job.EventID,
		Provider:      job.Provider,
		CorrelationID: job.CorrelationID,
		Payload:       job.Payload,
		EnqueuedAt:    job.EnqueuedAt,
		Attempt:       job.Attempt,
		MaxAttempts:   job.MaxAttempts,
		Backoff:       job.Backoff,
	}
}

func (r jobRecord) job() core.WebhookJob {
	return core.WebhookJob{
		ID:            r.ID,
		EventID:       r.EventID,
		Provider:      r.Provider,
		CorrelationID: r.CorrelationID,
		Payload:       r.Payload,
		EnqueuedAt:    r.EnqueuedAt,
		Attempt:       r.Attempt,
		MaxAttempts:   r.MaxAttempts,
		Backoff:       r.Backoff,
	}
}

var _ core.JobQueue = (*Queue)(nil)
