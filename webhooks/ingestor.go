package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-webhook-relay/core"
)

const CorrelationHeader = "X-Correlation-ID"

// Ingestor runs the synchronous half of the pipeline:
// verify -> extract id -> idempotency upsert -> enqueue -> ack.
// It never calls the business handler.
type Ingestor struct {
	verifier   core.SignatureVerifier
	identifier core.EventIdentifier
	store      core.IdempotencyStore
	queue      core.JobEnqueuer
	audit      core.AuditSink
	observer   *core.Observer
	enqueue    core.EnqueueOptions
	failOpen   bool
	staleAfter time.Duration
	now        func() time.Time
	newJobID   func() string
}

type IngestorOption func(*Ingestor)

func WithIdentifier(identifier core.EventIdentifier) IngestorOption {
	return func(i *Ingestor) {
		if identifier != nil {
			i.identifier = identifier
		}
	}
}

func WithAuditSink(sink core.AuditSink) IngestorOption {
	return func(i *Ingestor) {
		i.audit = sink
	}
}

func WithObserver(observer *core.Observer) IngestorOption {
	return func(i *Ingestor) {
		if observer != nil {
			i.observer = observer
		}
	}
}

func WithEnqueueOptions(opts core.EnqueueOptions) IngestorOption {
	return func(i *Ingestor) {
		i.enqueue = core.NormalizeEnqueueOptions(opts)
	}
}

// WithFailOpen makes ingestion enqueue when the idempotency store is
// unavailable instead of answering 503.
func WithFailOpen(failOpen bool) IngestorOption {
	return func(i *Ingestor) {
		i.failOpen = failOpen
	}
}

// WithStaleAfter sets how long a pending record may wait before a
// redelivery re-enqueues it. Zero disables re-enqueue.
func WithStaleAfter(d time.Duration) IngestorOption {
	return func(i *Ingestor) {
		i.staleAfter = d
	}
}

func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIngestor(
	verifier core.SignatureVerifier,
	store core.IdempotencyStore,
	queue core.JobEnqueuer,
	opts ...IngestorOption,
) (*Ingestor, error) {
	if verifier == nil {
		return nil, fmt.Errorf("webhooks: signature verifier is required")
	}
	if store == nil {
		return nil, fmt.Errorf("webhooks: idempotency store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("webhooks: job enqueuer is required")
	}
	ingestor := &Ingestor{
		verifier:   verifier,
		identifier: NewIdentityExtractor(),
		store:      store,
		queue:      queue,
		observer:   core.NewObserver(glog.Nop(), nil),
		enqueue:    core.NormalizeEnqueueOptions(core.EnqueueOptions{}),
		staleAfter: 5 * time.Minute,
		now:        time.Now,
		newJobID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ingestor)
		}
	}
	return ingestor, nil
}

// Ingest handles one delivery. The returned result always carries the HTTP
// status to answer with; err is non-nil for 4xx and 5xx outcomes.
func (i *Ingestor) Ingest(ctx context.Context, req core.InboundRequest) (result core.IngestResult, err error) {
	startedAt := i.now()
	fields := map[string]any{"provider": string(req.Provider)}
	defer func() {
		fields["status_code"] = result.StatusCode
		fields["deduped"] = result.Deduped
		fields["enqueued"] = result.Enqueued
		fields["payload_size"] = len(req.Body)
		i.observer.ObserveOperation(ctx, startedAt, "ingest_webhook", err, fields)
	}()

	if err := req.Provider.Validate(); err != nil {
		return core.IngestResult{StatusCode: http.StatusBadRequest}, core.BadInputError(err.Error(), fields)
	}

	if verifyErr := i.verifier.Verify(ctx, req); verifyErr != nil {
		i.observer.Log(ctx, "warn", "webhook signature rejected", map[string]any{
			"provider":   string(req.Provider),
			"error_code": core.TextCode(verifyErr),
		})
		i.record(ctx, core.AuditEvent{
			Type:     core.AuditWebhookRejected,
			Provider: req.Provider,
			Status:   "rejected",
		})
		return core.IngestResult{
			StatusCode: http.StatusUnauthorized,
			Metadata:   map[string]any{"provider": string(req.Provider), "rejected": true},
		}, verifyErr
	}

	correlationID := core.ResolveCorrelationID(ctx, headerValue(req.Headers, CorrelationHeader))
	ctx = core.ContextWithCorrelationID(ctx, correlationID)
	fields["correlation_id"] = correlationID

	eventID, err := i.identifier.ExtractID(req.Provider, req.Body)
	if err != nil {
		return core.IngestResult{StatusCode: http.StatusBadRequest, CorrelationID: correlationID},
			core.BadInputError(err.Error(), map[string]any{"provider": string(req.Provider)})
	}
	fields["event_id"] = eventID

	result = core.IngestResult{
		EventID:       eventID,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"provider":       string(req.Provider),
			"event_id":       eventID,
			"correlation_id": correlationID,
		},
	}

	record, created, storeErr := i.store.MarkProcessing(ctx, eventID, req.Provider, correlationID)
	if storeErr != nil {
		if !i.failOpen {
			result.StatusCode = http.StatusServiceUnavailable
			return result, core.InfrastructureError(storeErr, "idempotency store unavailable", map[string]any{
				"provider": string(req.Provider),
				"event_id": eventID,
			})
		}
		i.observer.Log(ctx, "warn", "idempotency store unavailable, failing open", map[string]any{
			"provider":       string(req.Provider),
			"event_id":       eventID,
			"correlation_id": correlationID,
			"error":          storeErr.Error(),
		})
		return i.enqueueJob(ctx, req, result, correlationID)
	}

	if !created {
		result.Status = record.Status
		result.Metadata["status"] = string(record.Status)
		if record.Stale(i.now(), i.staleAfter) {
			i.observer.Log(ctx, "warn", "re-enqueueing stale pending event", map[string]any{
				"provider":       string(req.Provider),
				"event_id":       eventID,
				"correlation_id": record.CorrelationID,
			})
			result.CorrelationID = record.CorrelationID
			result.Deduped = true
			result, err = i.enqueueJob(ctx, req, result, record.CorrelationID)
			if err == nil {
				if toucher, ok := i.store.(core.StaleTouchStore); ok {
					if touchErr := toucher.TouchPending(ctx, eventID, req.Provider, i.now()); touchErr != nil {
						i.observer.Log(ctx, "warn", "refresh pending record failed", map[string]any{
							"event_id": eventID,
							"error":    touchErr.Error(),
						})
					}
				}
			}
			return result, err
		}
		result.Accepted = true
		result.StatusCode = http.StatusOK
		result.Deduped = true
		result.Metadata["deduped"] = true
		return result, nil
	}

	result.Status = core.IdempotencyStatusPending
	return i.enqueueJob(ctx, req, result, correlationID)
}

func (i *Ingestor) enqueueJob(
	ctx context.Context,
	req core.InboundRequest,
	result core.IngestResult,
	correlationID string,
) (core.IngestResult, error) {
	job := core.WebhookJob{
		ID:            i.newJobID(),
		EventID:       result.EventID,
		Provider:      req.Provider,
		CorrelationID: correlationID,
		Payload:       append([]byte(nil), req.Body...),
		EnqueuedAt:    i.now().UTC(),
		MaxAttempts:   i.enqueue.Attempts,
		Backoff:       i.enqueue.Backoff,
	}
	handle, err := i.queue.Enqueue(ctx, job, i.enqueue)
	if err != nil {
		result.StatusCode = http.StatusServiceUnavailable
		result.Accepted = false
		return result, core.InfrastructureError(err, "enqueue webhook job failed", map[string]any{
			"provider": string(req.Provider),
			"event_id": result.EventID,
		})
	}
	result.Accepted = true
	result.Enqueued = true
	result.StatusCode = http.StatusOK
	result.Metadata["job_id"] = handle.ID
	i.record(ctx, core.AuditEvent{
		Type:          core.AuditWebhookReceived,
		EventID:       result.EventID,
		Provider:      req.Provider,
		CorrelationID: correlationID,
		Status:        string(core.IdempotencyStatusPending),
		Metadata:      map[string]any{"job_id": handle.ID},
	})
	return result, nil
}

func (i *Ingestor) record(ctx context.Context, event core.AuditEvent) {
	if i.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = i.now().UTC()
	}
	if err := i.audit.Record(ctx, event); err != nil {
		i.observer.Log(ctx, "error", "audit record failed", map[string]any{
			"audit_type": string(event.Type),
			"event_id":   event.EventID,
			"error":      strings.TrimSpace(err.Error()),
		})
	}
}
