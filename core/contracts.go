package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type SignatureVerifier interface {
	Verify(ctx context.Context, req InboundRequest) error
}

type EventIdentifier interface {
	ExtractID(provider Provider, payload []byte) (string, error)
}

type IdempotencyStore interface {
	CheckProcessed(ctx context.Context, eventID string, provider Provider) (IdempotencyRecord, error)
	// MarkProcessing inserts a pending record unless one exists for the pair.
	// created is false when the record was already present.
	MarkProcessing(
		ctx context.Context,
		eventID string,
		provider Provider,
		correlationID string,
	) (record IdempotencyRecord, created bool, err error)
	MarkProcessed(ctx context.Context, eventID string, provider Provider) (IdempotencyRecord, error)
	MarkFailed(ctx context.Context, eventID string, provider Provider, errorMessage string) (IdempotencyRecord, error)
	ResetForReprocess(ctx context.Context, eventID string, provider Provider, correlationID string) (IdempotencyRecord, error)
}

// StaleTouchStore is implemented by idempotency stores that can move the
// lease reference of a pending record. heldUntil becomes the record's
// UpdatedAt, so a redelivery is only stale once the lease has run past it.
// A zero heldUntil means the store's current time. Non-pending records are
// left alone.
type StaleTouchStore interface {
	TouchPending(ctx context.Context, eventID string, provider Provider, heldUntil time.Time) error
}

type DeadLetterRepository interface {
	Insert(ctx context.Context, record DeadLetterRecord) (DeadLetterRecord, error)
	Get(ctx context.Context, id string) (DeadLetterRecord, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterRecord, error)
	MarkReprocessed(ctx context.Context, id string, at time.Time) (DeadLetterRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type DeadLetterStore interface {
	Store(ctx context.Context, in StoreDeadLetterInput) (string, error)
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, job WebhookJob, opts EnqueueOptions) (JobHandle, error)
}

// JobDequeuer blocks until a job is ready, ctx is done, or the queue closes.
type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobQueue interface {
	JobEnqueuer
	JobDequeuer
}

// JobDelivery is one attempt of a job. Exactly one of Ack or Retry settles it.
// Retry schedules the next attempt according to the job backoff and returns
// the delay it applied; the caller never waits for it.
type JobDelivery interface {
	Job() WebhookJob
	Ack(ctx context.Context) error
	Retry(ctx context.Context, reason string) (time.Duration, error)
}

// BusinessHandler is the downstream collaborator invoked once per job
// attempt. Errors are classified with IsFatal and IsRetryable.
type BusinessHandler interface {
	Handle(ctx context.Context, provider Provider, payload []byte, correlationID string) error
}

type BusinessHandlerFunc func(ctx context.Context, provider Provider, payload []byte, correlationID string) error

func (f BusinessHandlerFunc) Handle(ctx context.Context, provider Provider, payload []byte, correlationID string) error {
	return f(ctx, provider, payload, correlationID)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
