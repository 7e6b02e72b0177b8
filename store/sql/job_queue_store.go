package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/queue"
)

const (
	jobStatusReady  = "ready"
	jobStatusLeased = "leased"

	DefaultJobLease        = 5 * time.Minute
	DefaultJobPollInterval = 500 * time.Millisecond
)

type JobQueueOption func(*JobQueueStore)

func WithJobLease(lease time.Duration) JobQueueOption {
	return func(s *JobQueueStore) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func WithJobPollInterval(interval time.Duration) JobQueueOption {
	return func(s *JobQueueStore) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func WithJobLogger(logger core.Logger) JobQueueOption {
	return func(s *JobQueueStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithJobClock(now func() time.Time) JobQueueOption {
	return func(s *JobQueueStore) {
		if now != nil {
			s.now = now
		}
	}
}

// JobQueueStore is a durable queue on the relay_jobs table. Consumers claim a
// row by leasing it; a lease that expires without Ack or Retry is returned to
// the ready state by ReclaimExpired.
type JobQueueStore struct {
	db           *bun.DB
	lease        time.Duration
	pollInterval time.Duration
	logger       core.Logger
	now          func() time.Time
	closed       atomic.Bool
}

func NewJobQueueStore(db *bun.DB, opts ...JobQueueOption) (*JobQueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	store := &JobQueueStore{
		db:           db,
		lease:        DefaultJobLease,
		pollInterval: DefaultJobPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	store.logger = glog.Ensure(store.logger)
	return store, nil
}

func (s *JobQueueStore) Enqueue(ctx context.Context, job core.WebhookJob, opts core.EnqueueOptions) (core.JobHandle, error) {
	if s == nil || s.db == nil {
		return core.JobHandle{}, errStoreNotConfigured
	}
	if s.closed.Load() {
		return core.JobHandle{}, core.ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return core.JobHandle{}, err
	}
	opts = core.NormalizeEnqueueOptions(opts)
	now := s.clock()
	job = queue.PrepareJob(job, opts, now)

	row := &jobRow{
		ID:            job.ID,
		EventID:       job.EventID,
		Provider:      string(job.Provider),
		CorrelationID: job.CorrelationID,
		Payload:       job.Payload,
		Status:        jobStatusReady,
		Attempt:       job.Attempt,
		MaxAttempts:   job.MaxAttempts,
		Backoff:       job.Backoff,
		AvailableAt:   now.Add(opts.Delay),
		EnqueuedAt:    job.EnqueuedAt,
		UpdatedAt:     now,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return core.JobHandle{}, storageError(err, "enqueue job", job.LogFields())
	}
	s.logger.Debug("webhook job enqueued", core.FlattenFields(job.LogFields())...)
	return core.JobHandle{
		ID:            job.ID,
		EventID:       job.EventID,
		CorrelationID: job.CorrelationID,
		EnqueuedAt:    job.EnqueuedAt,
	}, nil
}

// Dequeue polls for the oldest ready row whose available_at has passed.
func (s *JobQueueStore) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if s.closed.Load() {
			return nil, core.ErrQueueClosed
		}
		job, ok, err := s.claim(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return &jobDelivery{store: s, job: job}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReclaimExpired returns leased rows whose lease has run out to the ready state.
func (s *JobQueueStore) ReclaimExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errStoreNotConfigured
	}
	now := s.clock()
	res, err := s.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", jobStatusReady).
		Set("lease_until = NULL").
		Set("available_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", jobStatusLeased).
		Where("lease_until < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, storageError(err, "reclaim expired jobs", nil)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		s.logger.Warn("reclaimed expired job leases", "count", affected)
	}
	return int(affected), nil
}

type JobQueueStats struct {
	Ready   int
	Delayed int
	Leased  int
}

func (s *JobQueueStore) Stats(ctx context.Context) (JobQueueStats, error) {
	if s == nil || s.db == nil {
		return JobQueueStats{}, errStoreNotConfigured
	}
	now := s.clock()
	var stats JobQueueStats
	var err error
	if stats.Ready, err = s.db.NewSelect().Model((*jobRow)(nil)).
		Where("status = ?", jobStatusReady).Where("available_at <= ?", now).Count(ctx); err != nil {
		return JobQueueStats{}, storageError(err, "job stats", nil)
	}
	if stats.Delayed, err = s.db.NewSelect().Model((*jobRow)(nil)).
		Where("status = ?", jobStatusReady).Where("available_at > ?", now).Count(ctx); err != nil {
		return JobQueueStats{}, storageError(err, "job stats", nil)
	}
	if stats.Leased, err = s.db.NewSelect().Model((*jobRow)(nil)).
		Where("status = ?", jobStatusLeased).Count(ctx); err != nil {
		return JobQueueStats{}, storageError(err, "job stats", nil)
	}
	return stats, nil
}

func (s *JobQueueStore) Close() error {
	if s != nil {
		s.closed.Store(true)
	}
	return nil
}

func (s *JobQueueStore) claim(ctx context.Context) (core.WebhookJob, bool, error) {
	now := s.clock()
	var rows []jobRow
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM relay_jobs
	WHERE status = ?
	  AND available_at <= ?
	ORDER BY available_at ASC, enqueued_at ASC
	LIMIT 1
)
UPDATE relay_jobs
SET status = ?, attempt = attempt + 1, lease_until = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	provider,
	correlation_id,
	payload,
	status,
	attempt,
	max_attempts,
	backoff,
	available_at,
	lease_until,
	last_error,
	enqueued_at,
	updated_at
`
		return tx.NewRaw(
			query,
			jobStatusReady,
			now,
			jobStatusLeased,
			now.Add(s.lease),
			now,
			jobStatusReady,
		).Scan(ctx, &rows)
	})
	if err != nil {
		if isNoRows(err) {
			return core.WebhookJob{}, false, nil
		}
		return core.WebhookJob{}, false, storageError(err, "claim job", nil)
	}
	if len(rows) == 0 {
		return core.WebhookJob{}, false, nil
	}
	return rows[0].toDomain(), true, nil
}

func (s *JobQueueStore) ack(ctx context.Context, job core.WebhookJob) error {
	_, err := s.db.NewDelete().
		Model((*jobRow)(nil)).
		Where("id = ?", job.ID).
		Where("status = ?", jobStatusLeased).
		Exec(ctx)
	return storageError(err, "ack job", map[string]any{"job_id": job.ID})
}

func (s *JobQueueStore) retry(ctx context.Context, job core.WebhookJob, delay time.Duration, reason string) error {
	now := s.clock()
	_, err := s.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", jobStatusReady).
		Set("available_at = ?", now.Add(delay)).
		Set("lease_until = NULL").
		Set("last_error = ?", reason).
		Set("updated_at = ?", now).
		Where("id = ?", job.ID).
		Where("status = ?", jobStatusLeased).
		Exec(ctx)
	return storageError(err, "retry job", map[string]any{"job_id": job.ID})
}

func (s *JobQueueStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

type jobDelivery struct {
	store   *JobQueueStore
	job     core.WebhookJob
	settled atomic.Bool
}

func (d *jobDelivery) Job() core.WebhookJob {
	return d.job
}

func (d *jobDelivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return core.ErrDeliveryAlreadySettled
	}
	return d.store.ack(ctx, d.job)
}

func (d *jobDelivery) Retry(ctx context.Context, reason string) (time.Duration, error) {
	if !d.settled.CompareAndSwap(false, true) {
		return 0, core.ErrDeliveryAlreadySettled
	}
	delay := d.job.Backoff.NextDelay(d.job.Attempt)
	reason = strings.TrimSpace(reason)
	fields := d.job.LogFields()
	fields["delay_ms"] = delay.Milliseconds()
	d.store.logger.Debug("webhook job scheduled for retry", core.FlattenFields(fields)...)
	return delay, d.store.retry(ctx, d.job, delay, reason)
}
