package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/core"
)

type Option func(*Service)

func WithIdempotencyStore(store core.IdempotencyStore) Option {
	return func(s *Service) {
		s.idempotency = store
	}
}

func WithEnqueuer(queue core.JobEnqueuer) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

func WithAuditSink(sink core.AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithEnqueueOptions(opts core.EnqueueOptions) Option {
	return func(s *Service) {
		s.enqueue = core.NormalizeEnqueueOptions(opts)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the dead letter store. Store implements core.DeadLetterStore so
// the worker pool can hand failures over directly.
type Service struct {
	repo        core.DeadLetterRepository
	secrets     core.SecretProvider
	idempotency core.IdempotencyStore
	queue       core.JobEnqueuer
	audit       core.AuditSink
	observer    *core.Observer
	enqueue     core.EnqueueOptions
	now         func() time.Time
}

// NewService fails when no secret provider is configured. Dead letters are
// never written in plaintext.
func NewService(repo core.DeadLetterRepository, secrets core.SecretProvider, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("deadletter: repository is required")
	}
	if secrets == nil {
		return nil, core.ErrMissingEncryptionKey
	}
	service := &Service{
		repo:     repo,
		secrets:  secrets,
		observer: core.NewObserver(glog.Nop(), nil),
		enqueue:  core.NormalizeEnqueueOptions(core.EnqueueOptions{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

func (s *Service) Store(ctx context.Context, in core.StoreDeadLetterInput) (id string, err error) {
	startedAt := s.now()
	fields := map[string]any{
		"event_id":       in.EventID,
		"provider":       string(in.Provider),
		"correlation_id": in.CorrelationID,
		"retry_count":    in.RetryCount,
		"payload_size":   len(in.Payload),
	}
	defer func() {
		fields["dead_letter_id"] = id
		s.observer.ObserveOperation(ctx, startedAt, "dead_letter_store", err, fields)
	}()

	if strings.TrimSpace(in.EventID) == "" {
		return "", core.ErrEventIDRequired
	}
	if err := in.Provider.Validate(); err != nil {
		return "", err
	}
	ciphertext, err := s.secrets.Encrypt(ctx, in.Payload)
	if err != nil {
		return "", fmt.Errorf("deadletter: encrypt payload: %w", err)
	}
	failedAt := in.FailedAt.UTC()
	if in.FailedAt.IsZero() {
		failedAt = s.now().UTC()
	}
	record, err := s.repo.Insert(ctx, core.DeadLetterRecord{
		EventID:          strings.TrimSpace(in.EventID),
		Provider:         in.Provider,
		CorrelationID:    strings.TrimSpace(in.CorrelationID),
		PayloadEncrypted: ciphertext,
		ErrorMessage:     strings.TrimSpace(in.ErrorMessage),
		RetryCount:       in.RetryCount,
		FailedAt:         failedAt,
		Status:           core.DeadLetterStatusStored,
	})
	if err != nil {
		return "", err
	}
	s.record(ctx, core.AuditEvent{
		Type:          core.AuditDeadLetterStored,
		EventID:       record.EventID,
		Provider:      record.Provider,
		CorrelationID: record.CorrelationID,
		Status:        string(record.Status),
		Attempt:       record.RetryCount,
		Metadata: map[string]any{
			"dead_letter_id":         record.ID,
			"payload_encrypted_size": len(ciphertext),
		},
	})
	return record.ID, nil
}

// Retrieve decrypts one dead letter and records who looked at it.
func (s *Service) Retrieve(ctx context.Context, id string) (record core.DeadLetterRecord, err error) {
	startedAt := s.now()
	fields := map[string]any{"dead_letter_id": id}
	defer func() {
		s.observer.ObserveOperation(ctx, startedAt, "dead_letter_retrieve", err, fields)
	}()

	record, err = s.repo.Get(ctx, id)
	if err != nil {
		return core.DeadLetterRecord{}, err
	}
	fields["event_id"] = record.EventID
	fields["provider"] = string(record.Provider)
	payload, err := s.secrets.Decrypt(ctx, record.PayloadEncrypted)
	if err != nil {
		return core.DeadLetterRecord{}, fmt.Errorf("deadletter: decrypt payload: %w", err)
	}
	record.Payload = payload
	s.record(ctx, core.AuditEvent{
		Type:          core.AuditDeadLetterRetrieved,
		EventID:       record.EventID,
		Provider:      record.Provider,
		CorrelationID: record.CorrelationID,
		Status:        string(record.Status),
		Metadata: map[string]any{
			"dead_letter_id": record.ID,
			"payload_size":   len(payload),
		},
	})
	return record, nil
}

// List returns metadata only. Neither the ciphertext nor the plaintext leaves
// the store through List.
func (s *Service) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, core.BadInputError(err.Error(), nil)
	}
	records, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetterRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.Redacted())
	}
	return out, nil
}

// Reprocess re-enqueues the original payload as a fresh job. The idempotency
// record is moved back to pending first so the new run can reach processed.
func (s *Service) Reprocess(ctx context.Context, id string) (handle core.JobHandle, err error) {
	startedAt := s.now()
	fields := map[string]any{"dead_letter_id": id}
	defer func() {
		fields["job_id"] = handle.ID
		s.observer.ObserveOperation(ctx, startedAt, "dead_letter_reprocess", err, fields)
	}()

	if s.queue == nil {
		return core.JobHandle{}, fmt.Errorf("deadletter: reprocess requires a job enqueuer")
	}
	record, err := s.repo.Get(ctx, id)
	if err != nil {
		return core.JobHandle{}, err
	}
	fields["event_id"] = record.EventID
	fields["provider"] = string(record.Provider)
	if record.Status == core.DeadLetterStatusReprocessed {
		return core.JobHandle{}, fmt.Errorf("%w: %s", core.ErrDeadLetterAlreadyReprocessed, record.ID)
	}
	payload, err := s.secrets.Decrypt(ctx, record.PayloadEncrypted)
	if err != nil {
		return core.JobHandle{}, fmt.Errorf("deadletter: decrypt payload: %w", err)
	}

	correlationID := core.ResolveCorrelationID(ctx, record.CorrelationID)
	if err := s.resetIdempotency(ctx, record, correlationID); err != nil {
		return core.JobHandle{}, err
	}

	handle, err = s.queue.Enqueue(ctx, core.WebhookJob{
		EventID:       record.EventID,
		Provider:      record.Provider,
		CorrelationID: correlationID,
		Payload:       payload,
		EnqueuedAt:    s.now().UTC(),
		MaxAttempts:   s.enqueue.Attempts,
		Backoff:       s.enqueue.Backoff,
	}, s.enqueue)
	if err != nil {
		return core.JobHandle{}, core.InfrastructureError(err, "re-enqueue dead letter failed", map[string]any{
			"dead_letter_id": record.ID,
			"event_id":       record.EventID,
		})
	}

	updated, err := s.repo.MarkReprocessed(ctx, record.ID, s.now())
	if err != nil {
		return handle, err
	}
	s.record(ctx, core.AuditEvent{
		Type:          core.AuditDeadLetterReprocessed,
		EventID:       updated.EventID,
		Provider:      updated.Provider,
		CorrelationID: correlationID,
		Status:        string(updated.Status),
		Metadata: map[string]any{
			"dead_letter_id": updated.ID,
			"job_id":         handle.ID,
		},
	})
	return handle, nil
}

// Purge deletes dead letters that failed more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (deleted int, err error) {
	startedAt := s.now()
	fields := map[string]any{"older_than": olderThan.String()}
	defer func() {
		fields["deleted"] = deleted
		s.observer.ObserveOperation(ctx, startedAt, "dead_letter_purge", err, fields)
	}()
	if olderThan <= 0 {
		return 0, core.BadInputError("retention must be positive", fields)
	}
	return s.repo.DeleteBefore(ctx, s.now().UTC().Add(-olderThan))
}

func (s *Service) resetIdempotency(ctx context.Context, record core.DeadLetterRecord, correlationID string) error {
	if s.idempotency == nil {
		return nil
	}
	_, err := s.idempotency.ResetForReprocess(ctx, record.EventID, record.Provider, correlationID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrIdempotencyNotFound):
		_, _, err = s.idempotency.MarkProcessing(ctx, record.EventID, record.Provider, correlationID)
		return err
	case errors.Is(err, core.ErrInvalidIdempotencyStatusTransition):
		current, checkErr := s.idempotency.CheckProcessed(ctx, record.EventID, record.Provider)
		if checkErr == nil && current.Status == core.IdempotencyStatusPending {
			return nil
		}
		return err
	default:
		return err
	}
}

func (s *Service) record(ctx context.Context, event core.AuditEvent) {
	if s.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if event.Actor == "" {
		event.Actor = core.ActorFromContext(ctx)
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.observer.Log(ctx, "error", "audit record failed", map[string]any{
			"audit_type": string(event.Type),
			"event_id":   event.EventID,
			"error":      strings.TrimSpace(err.Error()),
		})
	}
}

var _ core.DeadLetterStore = (*Service)(nil)
